// Package main provides the idkit command line tool. It drives the engine's
// authorization flow from a terminal: the login mode opens the provider page
// in the system browser and completes through a pasted callback URL, and the
// whoami/logout modes operate on the persisted sessions.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/idkit-io/idkit/internal/buildinfo"
	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/keystore"
	"github.com/idkit-io/idkit/sdk/auth"
	"github.com/idkit-io/idkit/sdk/auth/flow"
	"github.com/idkit-io/idkit/sdk/idkit"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var login bool
	var provider string
	var whoami bool
	var logout bool
	var userID int64
	var configPath string

	flag.BoolVar(&login, "login", false, "Start an interactive authorization")
	flag.StringVar(&provider, "provider", "", "Authorize through a specific provider instead of the default chain")
	flag.BoolVar(&whoami, "whoami", false, "Print the current authorized identity")
	flag.BoolVar(&logout, "logout", false, "Revoke and remove a session")
	flag.Int64Var(&userID, "user", 0, "Target user id for -whoami/-logout (default: most recent session)")
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var opts []idkit.Option
	if cfg.KeystoreDSN != "" {
		store, errStore := keystore.NewPostgresStore(context.Background(), keystore.PostgresStoreConfig{DSN: cfg.KeystoreDSN})
		if errStore != nil {
			log.Fatalf("open postgres keystore: %v", errStore)
		}
		defer func() {
			if errClose := store.Close(); errClose != nil {
				log.Warnf("close postgres keystore: %v", errClose)
			}
		}()
		opts = append(opts, idkit.WithStore(store))
	}

	engine, err := idkit.New(cfg, opts...)
	if err != nil {
		log.Fatalf("engine init: %v", err)
	}

	switch {
	case login:
		runLogin(engine, provider)
	case whoami:
		runWhoami(engine, userID)
	case logout:
		runLogout(engine, userID)
	default:
		fmt.Printf("idkit %s (%s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		flag.Usage()
	}
}

// runLogin drives one authorization attempt. The browser presentation waits
// on the callback relay; a goroutine feeds it every URL pasted on stdin.
func runLogin(engine *idkit.Engine, provider string) {
	source := flow.LaunchSource{Kind: flow.LaunchService}
	if provider != "" {
		source = flow.LaunchSource{Kind: flow.LaunchExplicitProvider, Provider: provider}
	}
	authCtx := flow.NewContext("cli", source)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Println("After authorizing, paste the redirect URL here:")
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !engine.HandleCallback(line) {
				fmt.Println("That URL does not belong to this authorization, try again:")
			}
		}
	}()

	done := make(chan struct{})
	engine.Authorize(context.Background(), authCtx, nil, func(result flow.Result) {
		defer close(done)
		if result.Err != nil {
			if auth.IsCancelled(result.Err) {
				fmt.Println("Authorization cancelled.")
				return
			}
			log.Errorf("authorization failed: %v", result.Err)
			return
		}
		fmt.Printf("Authorized as user %d", result.Success.Triple.Access.UserID)
		if result.Success.Provider != "" {
			fmt.Printf(" via %s", result.Success.Provider)
		}
		fmt.Println()
	})
	<-done
}

func runWhoami(engine *idkit.Engine, userID int64) {
	session := resolveSession(engine, userID)
	if session == nil {
		fmt.Println("No authorized session.")
		os.Exit(1)
	}
	user, err := session.FetchUser(context.Background())
	if err != nil {
		log.Fatalf("fetch user: %v", err)
	}
	fmt.Printf("User %d", user.ID)
	if name := strings.TrimSpace(user.FirstName + " " + user.LastName); name != "" {
		fmt.Printf(" (%s)", name)
	}
	if user.Email != "" {
		fmt.Printf(" <%s>", user.Email)
	}
	fmt.Println()
}

func runLogout(engine *idkit.Engine, userID int64) {
	session := resolveSession(engine, userID)
	if session == nil {
		fmt.Println("No authorized session.")
		os.Exit(1)
	}
	id := session.UserID()
	if err := session.Logout(context.Background()); err != nil {
		log.Fatalf("logout: %v", err)
	}
	fmt.Printf("Logged out user %d\n", id)
}

func resolveSession(engine *idkit.Engine, userID int64) *auth.Session {
	if userID != 0 {
		return engine.SessionFor(userID)
	}
	return engine.CurrentAuthorizedSession()
}

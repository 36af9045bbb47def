package idkit

import (
	"os"
	"path/filepath"

	"github.com/idkit-io/idkit/internal/applife"
	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/keystore"
	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth/interceptor"
)

// settings collects the collaborators an engine is built from.
type settings struct {
	store     keystore.Store
	executor  transport.Executor
	lifecycle applife.Source
	solver    interceptor.Solver
}

func defaultSettings(cfg *config.Config) *settings {
	dir := cfg.KeystoreDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".idkit")
	}
	return &settings{
		store:     keystore.NewFileStore(dir),
		executor:  transport.NewHTTPExecutor(cfg.ProxyURL, 0),
		lifecycle: applife.NewSimulatedSource(true),
	}
}

// Option customises engine construction.
type Option func(*settings)

// WithStore replaces the default file keystore, typically with a binding to
// the platform secure store.
func WithStore(store keystore.Store) Option {
	return func(s *settings) {
		if store != nil {
			s.store = store
		}
	}
}

// WithExecutor replaces the default HTTP transport.
func WithExecutor(executor transport.Executor) Option {
	return func(s *settings) {
		if executor != nil {
			s.executor = executor
		}
	}
}

// WithLifecycle supplies the host application's lifecycle source so deferred
// interactive fallback tracks real foreground transitions.
func WithLifecycle(source applife.Source) Option {
	return func(s *settings) {
		if source != nil {
			s.lifecycle = source
		}
	}
}

// WithChallengeSolver supplies the out-of-band challenge solver.
func WithChallengeSolver(solver interceptor.Solver) Option {
	return func(s *settings) {
		s.solver = solver
	}
}

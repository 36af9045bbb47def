package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/keystore"
	"github.com/idkit-io/idkit/internal/pkce"
	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
)

func testConfig() *config.Config {
	return &config.Config{ClientID: "51871234", APIHost: "api.idkit.test", OAuthHost: "oauth.idkit.test"}
}

func testSecret() *pkce.Secret {
	return &pkce.Secret{
		CodeVerifier:    "verifier-value",
		CodeChallenge:   "challenge-value",
		ChallengeMethod: pkce.MethodS256,
		State:           "state-value",
	}
}

// migrationExecutor serves the two-leg migration conversation: the legacy
// exchange returns a code bound to the caller's state, the token endpoint
// redeems it.
type migrationExecutor struct {
	mu            sync.Mutex
	legacyCalls   int
	tokenCalls    int
	legacyBody    []byte
	rejectLegacy  bool
	returnedState string
}

func (e *migrationExecutor) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch req.Path {
	case exchangeTokenPath:
		e.legacyCalls++
		e.legacyBody = req.Body
		if e.rejectLegacy {
			return &transport.Response{StatusCode: 401, Body: []byte(`{"error":"invalid_token"}`)}, nil
		}
		state := e.returnedState
		if state == "" {
			state = gjson.GetBytes(req.Body, "state").String()
		}
		return &transport.Response{
			StatusCode: 200,
			Body:       []byte(`{"code":"migration-code","state":"` + state + `"}`),
		}, nil
	case auth.PathToken:
		e.tokenCalls++
		return &transport.Response{
			StatusCode: 200,
			Body:       []byte(`{"access_token":"a","refresh_token":"r","user_id":42,"expires_in":3600}`),
		}, nil
	default:
		return nil, errors.New("unexpected request to " + req.Path)
	}
}

func newMigrationManager(executor transport.Executor, store keystore.Store) (*OAuth2MigrationManager, *auth.Manager) {
	cfg := testConfig()
	sessions := auth.NewManager(cfg, store, executor)
	return NewOAuth2MigrationManager(cfg, executor, sessions, store, "local-device"), sessions
}

func legacyKey() keystore.Key {
	return keystore.Key{Service: keystore.ServiceFor("legacy", "51871234"), Account: "42"}
}

func TestMigrateConvertsLegacyCredential(t *testing.T) {
	t.Parallel()

	store := keystore.NewMemoryStore()
	if err := store.Put(context.Background(), legacyKey(), []byte(`{"user_id":42,"token":"legacy-token"}`)); err != nil {
		t.Fatalf("seeding legacy record: %v", err)
	}
	executor := &migrationExecutor{}
	manager, sessions := newMigrationManager(executor, store)

	session, err := manager.Migrate(context.Background(), Credential{UserID: 42, Token: "legacy-token", Provider: "acme"}, "", testSecret())
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if session.UserID() != 42 {
		t.Errorf("session user = %d, want 42", session.UserID())
	}
	if sessions.SessionFor(42) != session {
		t.Error("migrated session not registered with the manager")
	}
	if session.Data().Provider != "acme" {
		t.Errorf("provider = %q, want acme", session.Data().Provider)
	}
	if _, err = store.Get(context.Background(), legacyKey()); !errors.Is(err, keystore.ErrItemNotFound) {
		t.Error("legacy record survived the migration")
	}

	body := gjson.ParseBytes(executor.legacyBody)
	if got := body.Get("legacy_token").String(); got != "legacy-token" {
		t.Errorf("legacy_token = %q, want legacy-token", got)
	}
	if got := body.Get("code_challenge").String(); got != "challenge-value" {
		t.Errorf("code_challenge = %q, want challenge-value", got)
	}
	if executor.tokenCalls != 1 {
		t.Errorf("token exchange calls = %d, want 1", executor.tokenCalls)
	}
}

func TestMigrateShortCircuitsOnExistingSession(t *testing.T) {
	t.Parallel()

	store := keystore.NewMemoryStore()
	if err := store.Put(context.Background(), legacyKey(), []byte(`{"user_id":42,"token":"legacy-token"}`)); err != nil {
		t.Fatalf("seeding legacy record: %v", err)
	}
	executor := &migrationExecutor{}
	manager, sessions := newMigrationManager(executor, store)
	existing := sessions.MakeSession(auth.SessionData{
		ID:           42,
		AccessToken:  auth.AccessToken{UserID: 42, Value: "current"},
		RefreshToken: auth.RefreshToken{UserID: 42, Value: "refresh"},
		CreatedAt:    time.Now(),
	})

	session, err := manager.Migrate(context.Background(), Credential{UserID: 42, Token: "legacy-token"}, "", nil)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if session != existing {
		t.Error("migration replaced an existing session")
	}
	if executor.legacyCalls != 0 {
		t.Error("migration reached the network despite an existing session")
	}
	if _, err = store.Get(context.Background(), legacyKey()); !errors.Is(err, keystore.ErrItemNotFound) {
		t.Error("legacy record survived the short-circuit")
	}
}

func TestMigrateRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	manager, _ := newMigrationManager(&migrationExecutor{}, keystore.NewMemoryStore())
	_, err := manager.Migrate(context.Background(), Credential{UserID: 42}, "", nil)
	if auth.CodeOf(err) != auth.CodeInvalidAccessToken {
		t.Fatalf("error code = %v, want invalid access token", auth.CodeOf(err))
	}
}

func TestMigrateSurfacesRejectedLegacyToken(t *testing.T) {
	t.Parallel()

	executor := &migrationExecutor{rejectLegacy: true}
	manager, sessions := newMigrationManager(executor, keystore.NewMemoryStore())

	_, err := manager.Migrate(context.Background(), Credential{UserID: 42, Token: "stale"}, "", nil)
	if auth.CodeOf(err) != auth.CodeInvalidAccessToken {
		t.Fatalf("error code = %v, want invalid access token", auth.CodeOf(err))
	}
	if sessions.SessionFor(42) != nil {
		t.Error("failed migration created a session")
	}
}

func TestMigrateStateMismatchFromProvider(t *testing.T) {
	t.Parallel()

	executor := &migrationExecutor{returnedState: "forged"}
	manager, _ := newMigrationManager(executor, keystore.NewMemoryStore())

	_, err := manager.Migrate(context.Background(), Credential{UserID: 42, Token: "legacy-token"}, "", testSecret())
	if auth.CodeOf(err) != auth.CodeStateMismatch {
		t.Fatalf("error code = %v, want state mismatch", auth.CodeOf(err))
	}
}

func TestMigrateOverdueSecrets(t *testing.T) {
	t.Parallel()

	// The first leg succeeds, then the wallet expires before the code
	// exchange reads the verifier.
	executor := &migrationExecutor{}
	cfg := testConfig()
	store := keystore.NewMemoryStore()
	sessions := auth.NewManager(cfg, store, executor)
	manager := NewOAuth2MigrationManager(cfg, executor, sessions, store, "local-device")

	wallet := pkce.NewWalletTTL(testSecret(), 50*time.Millisecond)
	payload, err := manager.exchangeLegacyToken(context.Background(), Credential{UserID: 42, Token: "legacy-token"}, wallet)
	if err != nil {
		t.Fatalf("exchangeLegacyToken() error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	_, _, err = manager.migrateExchange(context.Background(), payload, wallet)
	if auth.CodeOf(err) != auth.CodeMigrationOverdue {
		t.Fatalf("error code = %v, want migration overdue", auth.CodeOf(err))
	}
}

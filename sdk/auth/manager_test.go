package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/keystore"
	"github.com/idkit-io/idkit/internal/transport"
)

func testConfig() *config.Config {
	return &config.Config{ClientID: "51871234", APIHost: "api.idkit.test", OAuthHost: "oauth.idkit.test"}
}

// routingExecutor dispatches requests to per-path handlers and records every
// request it saw.
type routingExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(*transport.Request) (*transport.Response, error)
	requests []*transport.Request
}

func newRoutingExecutor() *routingExecutor {
	return &routingExecutor{handlers: make(map[string]func(*transport.Request) (*transport.Response, error))}
}

func (e *routingExecutor) handle(path string, fn func(*transport.Request) (*transport.Response, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[path] = fn
}

func (e *routingExecutor) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req.Clone())
	fn := e.handlers[req.Path]
	e.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("unexpected request to %s", req.Path)
	}
	return fn(req)
}

func (e *routingExecutor) count(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, req := range e.requests {
		if req.Path == path {
			n++
		}
	}
	return n
}

// recordingObserver captures observer callbacks for assertions.
type recordingObserver struct {
	mu        sync.Mutex
	started   []string
	completed []error
	logouts   int
	refreshes int
	users     int
}

func (o *recordingObserver) DidStartAuth(flowSource string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, flowSource)
}

func (o *recordingObserver) DidCompleteAuth(session *Session, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, err)
}

func (o *recordingObserver) DidLogout(session *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logouts++
}

func (o *recordingObserver) DidRefreshAccessToken(session *Session, access AccessToken) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshes++
}

func (o *recordingObserver) DidUpdateUser(session *Session, user *User) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.users++
}

func sessionDataForTest(userID int64, accessValue string, expiresAt time.Time) SessionData {
	return SessionData{
		ID:           userID,
		Provider:     "web",
		AccessToken:  AccessToken{UserID: userID, Value: accessValue, ExpiresAt: expiresAt},
		RefreshToken: RefreshToken{UserID: userID, Value: "refresh-" + accessValue},
		CreatedAt:    time.Now(),
	}
}

func TestMakeSessionOverwritePreservesIdentity(t *testing.T) {
	t.Parallel()

	store := keystore.NewMemoryStore()
	executor := newRoutingExecutor()
	revoked := make(chan string, 1)
	executor.handle(PathRevoke, func(req *transport.Request) (*transport.Response, error) {
		revoked <- req.Headers.Get("Authorization")
		return &transport.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	})
	m := NewManager(testConfig(), store, executor)

	far := time.Now().Add(time.Hour)
	first := m.MakeSession(sessionDataForTest(42, "old-token", far))
	second := m.MakeSession(sessionDataForTest(42, "new-token", far))

	if first != second {
		t.Error("overwrite created a new session object")
	}
	if got := second.AccessToken().Value; got != "new-token" {
		t.Errorf("access token after overwrite = %q, want new-token", got)
	}
	if len(m.Sessions()) != 1 {
		t.Errorf("session count = %d, want 1", len(m.Sessions()))
	}
	if store.Len() != 1 {
		t.Errorf("persisted record count = %d, want 1", store.Len())
	}

	select {
	case header := <-revoked:
		if header != "Bearer old-token" {
			t.Errorf("revoked token header = %q, want Bearer old-token", header)
		}
	case <-time.After(2 * time.Second):
		t.Error("displaced token was never revoked")
	}
}

func TestMostRecentSession(t *testing.T) {
	t.Parallel()

	m := NewManager(testConfig(), keystore.NewMemoryStore(), newRoutingExecutor())
	older := sessionDataForTest(1, "a", time.Time{})
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := sessionDataForTest(2, "b", time.Time{})
	newer.CreatedAt = time.Now()
	m.MakeSession(older)
	m.MakeSession(newer)

	if got := m.MostRecentSession().UserID(); got != 2 {
		t.Errorf("MostRecentSession().UserID() = %d, want 2", got)
	}
	if m.SessionFor(3) != nil {
		t.Error("SessionFor returned a session for an unknown user")
	}
}

func TestLogoutRequiresRemoteSuccess(t *testing.T) {
	t.Parallel()

	store := keystore.NewMemoryStore()
	executor := newRoutingExecutor()
	remoteDown := true
	executor.handle(PathRevoke, func(req *transport.Request) (*transport.Response, error) {
		if remoteDown {
			return nil, errors.New("connection refused")
		}
		return &transport.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	})
	m := NewManager(testConfig(), store, executor)
	observer := &recordingObserver{}
	m.AddObserver(observer)

	session := m.MakeSession(sessionDataForTest(42, "token", time.Now().Add(time.Hour)))
	ctx := context.Background()

	if err := session.Logout(ctx); err == nil {
		t.Fatal("logout succeeded while revoke failed")
	}
	if len(m.Sessions()) != 1 || store.Len() != 1 {
		t.Fatal("failed logout mutated local state")
	}
	if observer.logouts != 0 {
		t.Error("observer notified on failed logout")
	}

	remoteDown = false
	if err := session.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if len(m.Sessions()) != 0 || store.Len() != 0 {
		t.Error("successful logout left local state behind")
	}
	if observer.logouts != 1 {
		t.Errorf("logout notifications = %d, want 1", observer.logouts)
	}
	if err := session.Logout(ctx); CodeOf(err) != CodeRequestWithoutSession {
		t.Errorf("detached session error code = %v, want request without session", CodeOf(err))
	}
}

func TestFreshTokensSkipsRefreshWhileFresh(t *testing.T) {
	t.Parallel()

	executor := newRoutingExecutor()
	m := NewManager(testConfig(), keystore.NewMemoryStore(), executor)
	session := m.MakeSession(sessionDataForTest(42, "fresh", time.Now().Add(time.Hour)))

	access, _, err := session.FreshTokens(context.Background(), false)
	if err != nil {
		t.Fatalf("FreshTokens() error = %v", err)
	}
	if access.Value != "fresh" {
		t.Errorf("access token = %q, want fresh", access.Value)
	}
	if n := executor.count(PathToken); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestFreshTokensRefreshesNearExpiry(t *testing.T) {
	t.Parallel()

	store := keystore.NewMemoryStore()
	executor := newRoutingExecutor()
	executor.handle(PathToken, func(req *transport.Request) (*transport.Response, error) {
		return &transport.Response{
			StatusCode: 200,
			Body:       []byte(`{"access_token":"renewed","refresh_token":"renewed-refresh","user_id":42,"expires_in":3600}`),
		}, nil
	})
	m := NewManager(testConfig(), store, executor)
	observer := &recordingObserver{}
	m.AddObserver(observer)
	session := m.MakeSession(sessionDataForTest(42, "stale", time.Now().Add(10*time.Second)))

	access, refresh, err := session.FreshTokens(context.Background(), false)
	if err != nil {
		t.Fatalf("FreshTokens() error = %v", err)
	}
	if access.Value != "renewed" || refresh.Value != "renewed-refresh" {
		t.Errorf("tokens = %q/%q, want renewed pair", access.Value, refresh.Value)
	}
	if got := session.AccessToken().Value; got != "renewed" {
		t.Errorf("session token after refresh = %q, want renewed", got)
	}
	if observer.refreshes != 1 {
		t.Errorf("refresh notifications = %d, want 1", observer.refreshes)
	}

	raw, err := store.Get(context.Background(), keystore.Key{
		Service: keystore.ServiceFor("session", "51871234"),
		Account: "42",
	})
	if err != nil {
		t.Fatalf("persisted record missing: %v", err)
	}
	if len(raw) == 0 {
		t.Error("persisted record empty after refresh")
	}
}

func TestFreshTokensKeepsOldPairOnFailure(t *testing.T) {
	t.Parallel()

	executor := newRoutingExecutor()
	executor.handle(PathToken, func(req *transport.Request) (*transport.Response, error) {
		return nil, errors.New("provider unavailable")
	})
	m := NewManager(testConfig(), keystore.NewMemoryStore(), executor)
	session := m.MakeSession(sessionDataForTest(42, "stale", time.Now().Add(-time.Minute)))

	if _, _, err := session.FreshTokens(context.Background(), false); err == nil {
		t.Fatal("refresh failure not surfaced")
	}
	if got := session.AccessToken().Value; got != "stale" {
		t.Errorf("session token after failed refresh = %q, want stale", got)
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	t.Parallel()

	executor := newRoutingExecutor()
	executor.handle(PathToken, func(req *transport.Request) (*transport.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return &transport.Response{
			StatusCode: 200,
			Body:       []byte(`{"access_token":"renewed","refresh_token":"renewed-refresh","user_id":42,"expires_in":3600}`),
		}, nil
	})
	m := NewManager(testConfig(), keystore.NewMemoryStore(), executor)
	session := m.MakeSession(sessionDataForTest(42, "stale", time.Now().Add(-time.Minute)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := session.FreshTokens(context.Background(), false); err != nil {
				t.Errorf("FreshTokens() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := executor.count(PathToken); n != 1 {
		t.Errorf("provider refresh calls = %d, want 1", n)
	}
}

func TestLoadPersistedMemoryWins(t *testing.T) {
	t.Parallel()

	store := keystore.NewMemoryStore()
	m := NewManager(testConfig(), store, newRoutingExecutor())
	live := m.MakeSession(sessionDataForTest(42, "live", time.Now().Add(time.Hour)))

	// A stale record for user 42 plus a fresh one for user 7, written as a
	// previous process would have left them.
	other := NewManager(testConfig(), store, newRoutingExecutor())
	stale := sessionDataForTest(42, "stale", time.Now().Add(time.Hour))
	sevenData := sessionDataForTest(7, "seven", time.Now().Add(time.Hour))
	other.MakeSession(stale)
	other.MakeSession(sevenData)

	if err := m.LoadPersisted(context.Background()); err != nil {
		t.Fatalf("LoadPersisted() error = %v", err)
	}
	if got := m.SessionFor(42); got != live || got.AccessToken().Value != "live" {
		t.Error("persisted record overrode the in-memory session")
	}
	if m.SessionFor(7) == nil {
		t.Error("persisted session for new identity not restored")
	}
}

func TestReconcileDropsExternallyRemovedSessions(t *testing.T) {
	t.Parallel()

	store := keystore.NewMemoryStore()
	m := NewManager(testConfig(), store, newRoutingExecutor())
	session := m.MakeSession(sessionDataForTest(42, "token", time.Now().Add(time.Hour)))

	if err := store.Delete(context.Background(), keystore.Key{
		Service: keystore.ServiceFor("session", "51871234"),
		Account: "42",
	}); err != nil {
		t.Fatalf("deleting record: %v", err)
	}
	m.Reconcile(context.Background())

	if len(m.Sessions()) != 0 {
		t.Error("externally removed session still in collection")
	}
	if err := session.Logout(context.Background()); CodeOf(err) != CodeRequestWithoutSession {
		t.Errorf("dropped session error code = %v, want request without session", CodeOf(err))
	}
}

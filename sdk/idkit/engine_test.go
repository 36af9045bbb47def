package idkit

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/idkit-io/idkit/internal/applife"
	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/keystore"
	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
	"github.com/idkit-io/idkit/sdk/auth/flow"
)

func testConfig() *config.Config {
	return &config.Config{ClientID: "51871234", APIHost: "api.idkit.test", OAuthHost: "oauth.idkit.test"}
}

type presentationFunc func(ctx context.Context, authURL, callbackScheme string) (string, error)

func (f presentationFunc) Present(ctx context.Context, authURL, callbackScheme string) (string, error) {
	return f(ctx, authURL, callbackScheme)
}

// echoPresentation extracts the state embedded in the presented URL and
// returns a matching callback, the way a cooperating provider would.
func echoPresentation(t *testing.T) flow.Presentation {
	return presentationFunc(func(ctx context.Context, authURL, callbackScheme string) (string, error) {
		parsed, err := url.Parse(authURL)
		if err != nil {
			t.Errorf("presented url unparsable: %v", err)
			return "", err
		}
		state := parsed.Query().Get("state")
		payload := url.QueryEscape(`{"code":"c1","state":"` + state + `"}`)
		return callbackScheme + "://auth.callback?payload=" + payload, nil
	})
}

type routingExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(*transport.Request) (*transport.Response, error)
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
	fn := e.handlers[req.Path]
	e.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected request to " + req.Path)
	}
	return fn(req)
}

func providerListResponse() *transport.Response {
	return &transport.Response{
		StatusCode: 200,
		Body:       []byte(`{"providers":[{"name":"acme","handoff_url":"https://acme.example/authorize"}]}`),
	}
}

func tokenResponse() *transport.Response {
	return &transport.Response{
		StatusCode: 200,
		Body:       []byte(`{"access_token":"a","refresh_token":"r","user_id":42,"expires_in":3600}`),
	}
}

// orderingObserver records whether DidCompleteAuth ran, so the caller's
// completion can assert it came second.
type orderingObserver struct {
	completed int32
	session   atomic.Value
}

func (o *orderingObserver) DidStartAuth(flowSource string)                        {}
func (o *orderingObserver) DidLogout(session *auth.Session)                       {}
func (o *orderingObserver) DidRefreshAccessToken(*auth.Session, auth.AccessToken) {}
func (o *orderingObserver) DidUpdateUser(*auth.Session, *auth.User)               {}
func (o *orderingObserver) DidCompleteAuth(session *auth.Session, err error) {
	if session != nil {
		o.session.Store(session)
	}
	atomic.StoreInt32(&o.completed, 1)
}

func TestAuthorizeEndToEnd(t *testing.T) {
	executor := newRoutingExecutor()
	executor.handle("/oauth2/providers", func(req *transport.Request) (*transport.Response, error) {
		return providerListResponse(), nil
	})
	executor.handle("/oauth2/auth", func(req *transport.Request) (*transport.Response, error) {
		return tokenResponse(), nil
	})

	store := keystore.NewMemoryStore()
	engine, err := New(testConfig(),
		WithStore(store),
		WithExecutor(executor),
		WithLifecycle(applife.NewSimulatedSource(true)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	observer := &orderingObserver{}
	engine.AddObserver(observer)

	results := make(chan flow.Result, 1)
	authCtx := flow.NewContext("login", flow.LaunchSource{Kind: flow.LaunchService})
	engine.Authorize(context.Background(), authCtx, echoPresentation(t), func(result flow.Result) {
		if atomic.LoadInt32(&observer.completed) != 1 {
			t.Error("caller completion ran before observers heard the outcome")
		}
		results <- result
	})

	select {
	case result := <-results:
		if result.Err != nil {
			t.Fatalf("Authorize() error = %v", result.Err)
		}
		if result.Success.Provider != "acme" {
			t.Errorf("provider = %q, want acme", result.Success.Provider)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("authorization did not complete")
	}

	session := engine.CurrentAuthorizedSession()
	if session == nil || session.UserID() != 42 {
		t.Fatal("no session for user 42 after authorization")
	}
	if observed := observer.session.Load(); observed != session {
		t.Error("observers saw a different session than the engine holds")
	}

	key := keystore.Key{Service: keystore.ServiceFor("session", "51871234"), Account: "42"}
	if _, err = store.Get(context.Background(), key); err != nil {
		t.Errorf("session not persisted: %v", err)
	}
}

func TestAuthorizeRejectsConcurrentAttempt(t *testing.T) {
	executor := newRoutingExecutor()
	fetchStarted := make(chan struct{})
	release := make(chan struct{})
	var startedOnce sync.Once
	executor.handle("/oauth2/providers", func(req *transport.Request) (*transport.Response, error) {
		startedOnce.Do(func() { close(fetchStarted) })
		<-release
		return nil, errors.New("gone away")
	})

	engine, err := New(testConfig(),
		WithStore(keystore.NewMemoryStore()),
		WithExecutor(executor),
		WithLifecycle(applife.NewSimulatedSource(true)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	firstDone := make(chan flow.Result, 1)
	authCtx := flow.NewContext("login", flow.LaunchSource{Kind: flow.LaunchService})
	cancelled := presentationFunc(func(ctx context.Context, authURL, callbackScheme string) (string, error) {
		return "", auth.NewError(auth.CodeCancelledByUser, "dismissed")
	})
	go engine.Authorize(context.Background(), authCtx, cancelled, func(result flow.Result) {
		firstDone <- result
	})
	<-fetchStarted

	secondDone := make(chan flow.Result, 1)
	engine.Authorize(context.Background(), flow.NewContext("login", flow.LaunchSource{Kind: flow.LaunchService}), cancelled, func(result flow.Result) {
		secondDone <- result
	})
	select {
	case result := <-secondDone:
		if auth.CodeOf(result.Err) != auth.CodeAuthAlreadyInProgress {
			t.Errorf("second attempt error = %v, want auth already in progress", auth.CodeOf(result.Err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second attempt did not complete immediately")
	}

	close(release)
	select {
	case result := <-firstDone:
		// Provider fetch failed, fallback presented, user dismissed it.
		if !auth.IsCancelled(result.Err) {
			t.Errorf("first attempt error = %v, want cancelled by user", auth.CodeOf(result.Err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never completed")
	}

	// The gate must be free again.
	thirdDone := make(chan flow.Result, 1)
	engine.Authorize(context.Background(), flow.NewContext("login", flow.LaunchSource{Kind: flow.LaunchService}), cancelled, func(result flow.Result) {
		thirdDone <- result
	})
	select {
	case result := <-thirdDone:
		if auth.CodeOf(result.Err) == auth.CodeAuthAlreadyInProgress {
			t.Error("gate not released after the first attempt completed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("third attempt never completed")
	}
}

func TestExplicitProviderLaunchSkipsSilentChain(t *testing.T) {
	executor := newRoutingExecutor()
	executor.handle("/oauth2/auth", func(req *transport.Request) (*transport.Response, error) {
		return tokenResponse(), nil
	})

	engine, err := New(testConfig(),
		WithStore(keystore.NewMemoryStore()),
		WithExecutor(executor),
		WithLifecycle(applife.NewSimulatedSource(true)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var presentedURL string
	presentation := presentationFunc(func(ctx context.Context, authURL, callbackScheme string) (string, error) {
		presentedURL = authURL
		parsed, errParse := url.Parse(authURL)
		if errParse != nil {
			return "", errParse
		}
		state := parsed.Query().Get("state")
		return callbackScheme + "://auth.callback?payload=" + url.QueryEscape(`{"code":"c1","state":"`+state+`"}`), nil
	})

	results := make(chan flow.Result, 1)
	authCtx := flow.NewContext("login", flow.LaunchSource{Kind: flow.LaunchExplicitProvider, Provider: "acme"})
	engine.Authorize(context.Background(), authCtx, presentation, func(result flow.Result) {
		results <- result
	})

	select {
	case result := <-results:
		if result.Err != nil {
			t.Fatalf("Authorize() error = %v", result.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("authorization did not complete")
	}

	parsed, err := url.Parse(presentedURL)
	if err != nil {
		t.Fatalf("presented url unparsable: %v", err)
	}
	if parsed.Query().Get("provider") != "acme" {
		t.Errorf("provider param = %q, want acme", parsed.Query().Get("provider"))
	}
	if parsed.Path != "/oauth2/authorize" {
		t.Errorf("presented path = %q, want /oauth2/authorize", parsed.Path)
	}
}

func TestNewRestoresPersistedSessions(t *testing.T) {
	store := keystore.NewMemoryStore()
	record := []byte(`{"version":1,"data":{"id":42,"provider":"web","access_token":{"user_id":42,"value":"a"},"refresh_token":{"user_id":42,"value":"r"},"id_token":{},"created_at":"2026-08-01T10:00:00Z"}}`)
	key := keystore.Key{Service: keystore.ServiceFor("session", "51871234"), Account: "42"}
	if err := store.Put(context.Background(), key, record); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	engine, err := New(testConfig(), WithStore(store), WithExecutor(newRoutingExecutor()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	session := engine.SessionFor(42)
	if session == nil {
		t.Fatal("persisted session not restored")
	}
	if session.AccessToken().Value != "a" {
		t.Errorf("restored token = %q, want a", session.AccessToken().Value)
	}
}

func TestNewKeepsStableDeviceID(t *testing.T) {
	store := keystore.NewMemoryStore()
	if _, err := New(testConfig(), WithStore(store), WithExecutor(newRoutingExecutor())); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := keystore.Key{Service: keystore.ServiceFor("device", "51871234"), Account: "local"}
	first, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("device id not persisted: %v", err)
	}

	if _, err = New(testConfig(), WithStore(store), WithExecutor(newRoutingExecutor())); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	second, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("device id gone after second engine: %v", err)
	}
	if string(first) != string(second) {
		t.Error("device id changed between engine constructions")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := New(&config.Config{ClientID: "not-numeric", APIHost: "a", OAuthHost: "o"}); err == nil {
		t.Error("non-numeric client id accepted")
	}
	if _, err := New(&config.Config{ClientID: "1", APIHost: "a"}); err == nil {
		t.Error("missing oauth host accepted")
	}
}

// Package idkit is the embedding surface of the engine: it wires the session
// manager, the interceptor pipeline, and the authorization flow chain over a
// configuration, and exposes the public operations a host application calls.
package idkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/idkit-io/idkit/internal/applife"
	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/keystore"
	"github.com/idkit-io/idkit/internal/logging"
	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
	"github.com/idkit-io/idkit/sdk/auth/flow"
	"github.com/idkit-io/idkit/sdk/auth/interceptor"
	"github.com/idkit-io/idkit/sdk/auth/migration"
)

// deviceRecordKind namespaces the local installation id in the secure store.
const deviceRecordKind = "device"

// Engine is one SDK instance. At most one authorization flow is active per
// engine at any time.
type Engine struct {
	cfg       *config.Config
	store     keystore.Store
	manager   *auth.Manager
	anonymous *auth.AnonymousTokenSource
	pipeline  *interceptor.Pipeline
	migration *migration.OAuth2MigrationManager
	lifecycle applife.Source
	relay     *flow.CallbackRelay
	deviceID  string

	mu         sync.Mutex
	authActive bool

	watchCancel context.CancelFunc
}

// New builds an engine from cfg, applying any options over the defaults
// (file keystore, HTTP executor, simulated foregrounded lifecycle).
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("idkit: configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Setup(logging.Options{Debug: cfg.Debug, ToFile: cfg.LoggingToFile, LogDir: cfg.LogDir})

	settings := defaultSettings(cfg)
	for _, opt := range opts {
		opt(settings)
	}

	engine := &Engine{
		cfg:       cfg,
		store:     settings.store,
		lifecycle: settings.lifecycle,
		relay:     flow.NewCallbackRelay(),
	}

	engine.deviceID = engine.loadOrCreateDeviceID()
	engine.manager = auth.NewManager(cfg, settings.store, settings.executor)
	engine.anonymous = auth.NewAnonymousTokenSource(cfg, settings.executor)

	gate := &interceptor.PresentationGate{}
	engine.pipeline = interceptor.NewPipeline(
		settings.executor,
		[]interceptor.RequestInterceptor{
			interceptor.NewAuthorizationInterceptor(engine.manager, engine.anonymous),
		},
		[]interceptor.ResponseInterceptor{
			interceptor.NewExpiredTokenInterceptor(engine.manager),
			interceptor.NewAnonymousExpiryInterceptor(engine.anonymous),
			interceptor.NewChallengeInterceptor(settings.solver, gate, cfg.Tuning.ChallengePollOrDefault()),
		},
	)
	engine.migration = migration.NewOAuth2MigrationManager(cfg, engine.pipeline, engine.manager, settings.store, engine.deviceID)

	if err := engine.manager.LoadPersisted(context.Background()); err != nil {
		log.WithError(err).Warn("idkit: restoring persisted sessions failed")
	}
	engine.startStoreWatcher()
	return engine, nil
}

// startStoreWatcher reconciles the session collection when another process
// edits the file-backed store. Platform secure-store bindings have no
// observable directory, so only the file store is watched.
func (e *Engine) startStoreWatcher() {
	fileStore, ok := e.store.(*keystore.FileStore)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.watchCancel = cancel
	watcher := keystore.NewWatcher(fileStore, 0, func() {
		e.manager.Reconcile(context.Background())
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Debug("idkit: keystore watcher stopped")
		}
	}()
}

// Close releases background resources. The engine must not be used after.
func (e *Engine) Close() {
	if e.watchCancel != nil {
		e.watchCancel()
	}
}

// loadOrCreateDeviceID resolves the stable local installation id.
func (e *Engine) loadOrCreateDeviceID() string {
	key := keystore.Key{Service: keystore.ServiceFor(deviceRecordKind, e.cfg.ClientID), Account: "local"}
	ctx := context.Background()
	if raw, err := e.store.Get(ctx, key); err == nil && len(raw) > 0 {
		return string(raw)
	}
	id := uuid.NewString()
	if err := e.store.Put(ctx, key, []byte(id)); err != nil {
		log.WithError(err).Warn("idkit: device id persistence failed")
	}
	return id
}

// Authorize starts one authorization attempt described by authCtx and
// completes exactly once through completion. A second call while an attempt
// is active completes immediately with CodeAuthAlreadyInProgress and leaves
// the first attempt undisturbed.
func (e *Engine) Authorize(ctx context.Context, authCtx flow.Context, presentation flow.Presentation, completion func(flow.Result)) {
	e.mu.Lock()
	if e.authActive {
		e.mu.Unlock()
		completion(flow.Result{Err: auth.NewError(auth.CodeAuthAlreadyInProgress, "another authorization attempt is active")})
		return
	}
	e.authActive = true
	e.mu.Unlock()

	if presentation == nil {
		presentation = flow.NewBrowserPresentation(e.relay)
	}

	attempt := e.buildFlow(authCtx)
	e.manager.NotifyAuthStart(authCtx.FlowSource())
	log.WithField("flow", authCtx.FlowSource()).Info("idkit: authorization started")

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Tuning.AuthTimeoutOrDefault())
	attempt.Authorize(attemptCtx, presentation, func(result flow.Result) {
		defer cancel()
		e.mu.Lock()
		e.authActive = false
		e.mu.Unlock()

		var session *auth.Session
		if result.Err == nil && result.Success != nil {
			data := auth.NewSessionData(result.Success.Provider, result.Success.Triple, result.Success.ServerDeviceID, time.Now())
			session = e.manager.MakeSession(data)
		}

		// Observers hear the outcome before the caller's own completion.
		e.manager.NotifyAuthComplete(session, result.Err)
		if result.Err != nil && !auth.IsCancelled(result.Err) {
			log.WithField("flow", authCtx.FlowSource()).Warnf("idkit: authorization failed: %v", result.Err)
		}
		completion(result)
	})
}

// buildFlow selects the strategy chain for the attempt's launch source.
func (e *Engine) buildFlow(authCtx flow.Context) flow.Flow {
	exchanger := flow.NewExchanger(e.cfg, e.pipeline, e.deviceID)
	switch authCtx.LaunchSource.Kind {
	case flow.LaunchExplicitProvider:
		return flow.NewWebViewFlow(e.cfg, exchanger, authCtx, e.deviceID, authCtx.LaunchSource.Provider)
	default:
		provider := flow.NewProviderFlow(e.cfg, e.pipeline, exchanger, authCtx, e.deviceID)
		web := flow.NewWebViewFlow(e.cfg, exchanger, authCtx, e.deviceID, "")
		return flow.NewServiceFlow(provider, web, e.lifecycle, e.cfg.Tuning.SettleDelayOrDefault())
	}
}

// HandleCallback feeds an incoming app-interop URL to the active attempt.
// It reports whether the URL belonged to this engine.
func (e *Engine) HandleCallback(rawURL string) bool {
	return e.relay.HandleCallback(rawURL)
}

// CancelPresentation reports the user dismissing the interactive surface.
func (e *Engine) CancelPresentation() {
	e.relay.Cancel()
}

// CurrentAuthorizedSession returns the most recently created session, or nil.
func (e *Engine) CurrentAuthorizedSession() *auth.Session {
	return e.manager.MostRecentSession()
}

// SessionFor returns the session owning userID, or nil.
func (e *Engine) SessionFor(userID int64) *auth.Session {
	return e.manager.SessionFor(userID)
}

// AddObserver registers a lifecycle observer.
func (e *Engine) AddObserver(observer auth.Observer) {
	e.manager.AddObserver(observer)
}

// RemoveObserver unregisters a lifecycle observer.
func (e *Engine) RemoveObserver(observer auth.Observer) {
	e.manager.RemoveObserver(observer)
}

// Execute routes an API request through the interceptor pipeline.
func (e *Engine) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return e.pipeline.Execute(ctx, req)
}

// Migration exposes the legacy-credential migration manager.
func (e *Engine) Migration() *migration.OAuth2MigrationManager {
	return e.migration
}

// Manager exposes the session manager for advanced embeddings.
func (e *Engine) Manager() *auth.Manager {
	return e.manager
}

package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/keystore"
	"github.com/idkit-io/idkit/internal/transport"
)

// Manager owns the set of authorized sessions. Every mutation of the
// collection goes through its mutex; every mutation of a session's data
// schedules a write-through to the persistent store and notifies observers
// when the data actually changed.
type Manager struct {
	cfg   *config.Config
	store keystore.Store
	api   *apiClient

	mu       sync.Mutex
	sessions []*Session

	refreshGroup singleflight.Group
	observers    observerRegistry

	now func() time.Time
}

// NewManager constructs a manager over the given store and transport.
func NewManager(cfg *config.Config, store keystore.Store, executor transport.Executor) *Manager {
	return &Manager{
		cfg:   cfg,
		store: store,
		api:   newAPIClient(cfg, executor),
		now:   time.Now,
	}
}

// AddObserver registers an engine lifecycle observer.
func (m *Manager) AddObserver(observer Observer) {
	m.observers.add(observer)
}

// RemoveObserver unregisters an observer.
func (m *Manager) RemoveObserver(observer Observer) {
	m.observers.remove(observer)
}

// MakeSession installs one issuance's session data. An existing session for
// the same user id is overwritten in place, preserving object identity so
// external holders stay valid; its previous access token is revoked
// asynchronously on a best-effort basis. A new identity is appended and
// persisted.
func (m *Manager) MakeSession(data SessionData) *Session {
	m.mu.Lock()
	existing := m.lockedSessionFor(data.ID)
	if existing == nil {
		session := &Session{data: data, delegate: m}
		m.sessions = append(m.sessions, session)
		m.mu.Unlock()

		m.persistSession(context.Background(), session)
		log.WithField("user", data.ID).Info("auth: session created")
		return session
	}
	m.mu.Unlock()

	previous := existing.AccessToken()
	if changed := existing.replaceData(data); changed {
		m.persistSession(context.Background(), existing)
	}
	if previous.Value != "" && previous.Value != data.AccessToken.Value {
		go m.revokeReplacedToken(previous)
	}
	log.WithField("user", data.ID).Info("auth: session overwritten")
	return existing
}

// revokeReplacedToken best-effort revokes the token an overwrite displaced.
// Failures are logged, never surfaced.
func (m *Manager) revokeReplacedToken(previous AccessToken) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.api.revoke(ctx, previous); err != nil {
		log.WithError(err).WithField("user", previous.UserID).Debug("auth: revoke of replaced token failed")
	}
}

// SessionFor returns the session owning userID, or nil.
func (m *Manager) SessionFor(userID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedSessionFor(userID)
}

func (m *Manager) lockedSessionFor(userID int64) *Session {
	for _, session := range m.sessions {
		if session.UserID() == userID {
			return session
		}
	}
	return nil
}

// MostRecentSession returns the newest session by creation time. It is the
// implicit default identity for calls that do not name one.
func (m *Manager) MostRecentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *Session
	for _, session := range m.sessions {
		if newest == nil || session.CreatedAt().After(newest.CreatedAt()) {
			newest = session
		}
	}
	return newest
}

// Sessions returns a snapshot of the collection.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Session(nil), m.sessions...)
}

// LoadPersisted restores sessions from the secure store at startup. Records
// for identities already present in memory are ignored; memory wins.
func (m *Manager) LoadPersisted(ctx context.Context) error {
	persisted, err := m.loadPersistedData(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, data := range persisted {
		if m.lockedSessionFor(data.ID) != nil {
			continue
		}
		m.sessions = append(m.sessions, &Session{data: data, delegate: m})
		log.WithField("user", data.ID).Debug("auth: session restored from store")
	}
	return nil
}

// Reconcile re-reads the persistent store and applies external changes:
// records removed behind the engine's back drop their sessions, modified
// records replace session data in place. Used by the keystore watcher.
func (m *Manager) Reconcile(ctx context.Context) {
	persisted, err := m.loadPersistedData(ctx)
	if err != nil {
		log.WithError(err).Warn("auth: reconcile load failed")
		return
	}
	byID := make(map[int64]SessionData, len(persisted))
	for _, data := range persisted {
		byID[data.ID] = data
	}

	m.mu.Lock()
	kept := m.sessions[:0]
	var dropped []*Session
	for _, session := range m.sessions {
		data, ok := byID[session.UserID()]
		if !ok {
			dropped = append(dropped, session)
			continue
		}
		session.replaceData(data)
		delete(byID, session.UserID())
		kept = append(kept, session)
	}
	m.sessions = kept
	for _, data := range byID {
		m.sessions = append(m.sessions, &Session{data: data, delegate: m})
	}
	m.mu.Unlock()

	for _, session := range dropped {
		session.detach()
		log.WithField("user", session.UserID()).Info("auth: session dropped after external store change")
	}
}

// NotifyAuthStart fans the attempt start out to observers.
func (m *Manager) NotifyAuthStart(flowSource string) {
	for _, observer := range m.observers.snapshot() {
		observer.DidStartAuth(flowSource)
	}
}

// NotifyAuthComplete fans the attempt outcome out to observers. The engine
// calls this before invoking the caller's completion.
func (m *Manager) NotifyAuthComplete(session *Session, err error) {
	for _, observer := range m.observers.snapshot() {
		observer.DidCompleteAuth(session, err)
	}
}

// refreshSession implements sessionDelegate. Concurrent refreshes of one
// identity collapse into a single provider call via singleflight.
func (m *Manager) refreshSession(ctx context.Context, s *Session, force bool) (AccessToken, RefreshToken, error) {
	data := s.Data()
	window := m.cfg.Tuning.TokenFreshnessOrDefault()
	if !force && data.AccessToken.FreshEnough(window, m.now()) {
		return data.AccessToken, data.RefreshToken, nil
	}

	type pair struct {
		access  AccessToken
		refresh RefreshToken
	}
	key := strconv.FormatInt(data.ID, 10)
	result, err, _ := m.refreshGroup.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have refreshed
		// while this one waited.
		current := s.Data()
		if !force && current.AccessToken.FreshEnough(window, m.now()) {
			return pair{current.AccessToken, current.RefreshToken}, nil
		}

		triple, errRefresh := m.api.refreshTokens(ctx, current.RefreshToken, current.ServerDeviceID)
		if errRefresh != nil {
			return nil, errRefresh
		}
		if changed := s.swapTokens(triple.Access, triple.Refresh); changed {
			m.persistSession(ctx, s)
			for _, observer := range m.observers.snapshot() {
				observer.DidRefreshAccessToken(s, triple.Access)
			}
		}
		log.WithField("user", current.ID).Debug("auth: access token refreshed")
		return pair{triple.Access, triple.Refresh}, nil
	})
	if err != nil {
		return AccessToken{}, RefreshToken{}, err
	}
	tokens := result.(pair)
	return tokens.access, tokens.refresh, nil
}

// logoutSession implements sessionDelegate. Removal happens only after the
// remote revoke succeeds; afterwards the session is detached so orphaned
// mutations are not persisted.
func (m *Manager) logoutSession(ctx context.Context, s *Session) error {
	if err := m.api.revoke(ctx, s.AccessToken()); err != nil {
		log.WithError(err).WithField("user", s.UserID()).Warn("auth: remote logout failed, session kept")
		return err
	}

	m.mu.Lock()
	for i, session := range m.sessions {
		if session == s {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.removePersisted(ctx, s.UserID())
	s.detach()
	for _, observer := range m.observers.snapshot() {
		observer.DidLogout(s)
	}
	log.WithField("user", s.UserID()).Info("auth: session logged out")
	return nil
}

// fetchSessionUser implements sessionDelegate.
func (m *Manager) fetchSessionUser(ctx context.Context, s *Session) (*User, error) {
	access, _, err := m.refreshSession(ctx, s, false)
	if err != nil {
		return nil, err
	}
	user, err := m.api.fetchUser(ctx, access)
	if err != nil {
		return nil, err
	}
	if changed := s.setUser(user); changed {
		m.persistSession(ctx, s)
		for _, observer := range m.observers.snapshot() {
			observer.DidUpdateUser(s, user)
		}
	}
	return user, nil
}

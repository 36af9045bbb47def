package auth

import (
	"context"
	"sync"
	"time"
)

// SessionData is the persisted state of one authorized identity. Tokens are
// swapped atomically on refresh; the profile is replaced on fetch.
type SessionData struct {
	// ID equals the access token's user id and keys the session.
	ID int64 `json:"id"`
	// Provider records which OAuth provider issued the credentials.
	Provider string `json:"provider,omitempty"`
	// AccessToken, RefreshToken and IDToken are the current issuance.
	AccessToken  AccessToken  `json:"access_token"`
	RefreshToken RefreshToken `json:"refresh_token"`
	IDToken      IDToken      `json:"id_token"`
	// User is the cached profile, if fetched.
	User *User `json:"user,omitempty"`
	// CreatedAt orders sessions for the most-recent default.
	CreatedAt time.Time `json:"created_at"`
	// ServerDeviceID is the provider-assigned device identifier.
	ServerDeviceID string `json:"server_device_id,omitempty"`
}

// NewSessionData builds session data from one issuance.
func NewSessionData(provider string, triple *TokenTriple, serverDeviceID string, now time.Time) SessionData {
	return SessionData{
		ID:             triple.Access.UserID,
		Provider:       provider,
		AccessToken:    triple.Access,
		RefreshToken:   triple.Refresh,
		IDToken:        triple.ID,
		CreatedAt:      now,
		ServerDeviceID: serverDeviceID,
	}
}

// Equal reports value equality. The manager elides store writes and observer
// notifications when a mutation left the data unchanged.
func (d SessionData) Equal(other SessionData) bool {
	return d.ID == other.ID &&
		d.Provider == other.Provider &&
		d.AccessToken == other.AccessToken &&
		d.RefreshToken == other.RefreshToken &&
		d.IDToken == other.IDToken &&
		d.CreatedAt.Equal(other.CreatedAt) &&
		d.ServerDeviceID == other.ServerDeviceID &&
		d.User.Equal(other.User)
}

// sessionDelegate is the manager-side contract a session mutates through. The
// back-reference never implies ownership; a logged-out session's delegate is
// severed so orphaned mutations are not persisted.
type sessionDelegate interface {
	refreshSession(ctx context.Context, s *Session, force bool) (AccessToken, RefreshToken, error)
	logoutSession(ctx context.Context, s *Session) error
	fetchSessionUser(ctx context.Context, s *Session) (*User, error)
}

// Session is the runtime object wrapping one identity's SessionData. It is
// created and exclusively owned by the Manager; external holders keep the
// same object identity across in-place overwrites.
type Session struct {
	mu       sync.Mutex
	data     SessionData
	delegate sessionDelegate
}

// UserID returns the identity the session belongs to.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ID
}

// Data returns a copy of the current session data.
func (s *Session) Data() SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreatedAt
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() AccessToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.AccessToken
}

// FreshTokens returns the current token pair, refreshing first when the
// access token is inside the freshness window or force is set. On refresh
// failure the previous tokens remain valid and the error is surfaced.
func (s *Session) FreshTokens(ctx context.Context, force bool) (AccessToken, RefreshToken, error) {
	s.mu.Lock()
	delegate := s.delegate
	s.mu.Unlock()
	if delegate == nil {
		return AccessToken{}, RefreshToken{}, NewError(CodeRequestWithoutSession, "session is detached")
	}
	return delegate.refreshSession(ctx, s, force)
}

// Logout revokes the session remotely. Only a successful remote result
// removes the session from the manager and the persistent store; on failure
// the session is left untouched for a later retry.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	delegate := s.delegate
	s.mu.Unlock()
	if delegate == nil {
		return NewError(CodeRequestWithoutSession, "session is detached")
	}
	return delegate.logoutSession(ctx, s)
}

// FetchUser loads the profile for the session's identity and caches it.
func (s *Session) FetchUser(ctx context.Context) (*User, error) {
	s.mu.Lock()
	delegate := s.delegate
	s.mu.Unlock()
	if delegate == nil {
		return nil, NewError(CodeRequestWithoutSession, "session is detached")
	}
	return delegate.fetchSessionUser(ctx, s)
}

// replaceData swaps the session data and reports whether it actually changed.
func (s *Session) replaceData(data SessionData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Equal(data) {
		return false
	}
	s.data = data
	return true
}

// swapTokens atomically installs a refreshed token pair.
func (s *Session) swapTokens(access AccessToken, refresh RefreshToken) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.AccessToken == access && s.data.RefreshToken == refresh {
		return false
	}
	s.data.AccessToken = access
	s.data.RefreshToken = refresh
	return true
}

// setUser installs a fetched profile.
func (s *Session) setUser(user *User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.User.Equal(user) {
		return false
	}
	s.data.User = user
	return true
}

// detach severs the manager back-reference after a successful logout.
func (s *Session) detach() {
	s.mu.Lock()
	s.delegate = nil
	s.mu.Unlock()
}

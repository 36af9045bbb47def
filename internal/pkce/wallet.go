package pkce

import (
	"errors"
	"sync"
	"time"
)

// DefaultTTL is how long a generated secret stays readable. Authorization
// attempts that outlive it must be restarted with fresh material.
const DefaultTTL = 15 * time.Minute

var (
	// ErrSecretsExpired indicates the wallet's time budget elapsed before the
	// secret was consumed. The backing secret is dropped on first detection.
	ErrSecretsExpired = errors.New("idkit pkce: secrets expired")
	// ErrNoSecrets indicates the wallet was invalidated or never held a secret.
	ErrNoSecrets = errors.New("idkit pkce: no secrets")
)

// Wallet is the time-boxed holder for one authorization attempt's Secret.
// Expiry is evaluated lazily on every read; once a read observes expiry the
// secret is discarded permanently so a concurrent read cannot race past the
// first and still succeed. Every later read keeps reporting
// ErrSecretsExpired, while a wallet emptied by Invalidate reports
// ErrNoSecrets.
type Wallet struct {
	mu        sync.Mutex
	secret    *Secret
	expired   bool
	createdAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewWallet wraps an already generated secret. External callers that obtained
// their secrets elsewhere (the migration path) use this directly.
func NewWallet(secret *Secret) *Wallet {
	return newWallet(secret, DefaultTTL, time.Now)
}

// NewWalletTTL wraps a secret with an explicit time budget instead of
// DefaultTTL.
func NewWalletTTL(secret *Secret, ttl time.Duration) *Wallet {
	return newWallet(secret, ttl, time.Now)
}

// NewGeneratedWallet generates a fresh secret and wraps it.
func NewGeneratedWallet() (*Wallet, error) {
	secret, err := Generate()
	if err != nil {
		return nil, err
	}
	return NewWallet(secret), nil
}

func newWallet(secret *Secret, ttl time.Duration, now func() time.Time) *Wallet {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Wallet{
		secret:    secret,
		createdAt: now(),
		ttl:       ttl,
		now:       now,
	}
}

// CodeVerifier returns the secret's verifier while the wallet is unexpired.
func (w *Wallet) CodeVerifier() (string, error) {
	return w.read(func(s *Secret) string { return s.CodeVerifier })
}

// CodeChallenge returns the secret's challenge while the wallet is unexpired.
func (w *Wallet) CodeChallenge() (string, error) {
	return w.read(func(s *Secret) string { return s.CodeChallenge })
}

// State returns the secret's CSRF state while the wallet is unexpired.
func (w *Wallet) State() (string, error) {
	return w.read(func(s *Secret) string { return s.State })
}

// Invalidate drops the secret permanently. Called when the owning attempt
// completes or is abandoned.
func (w *Wallet) Invalidate() {
	w.mu.Lock()
	w.secret = nil
	w.mu.Unlock()
}

func (w *Wallet) read(field func(*Secret) string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.expired {
		return "", ErrSecretsExpired
	}
	if w.secret == nil {
		return "", ErrNoSecrets
	}
	if w.now().Sub(w.createdAt) >= w.ttl {
		w.secret = nil
		w.expired = true
		return "", ErrSecretsExpired
	}
	return field(w.secret), nil
}

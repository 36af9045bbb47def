package auth

import "sync"

// Observer receives engine lifecycle notifications. Implementations must not
// block; callbacks run synchronously on the mutating goroutine.
type Observer interface {
	// DidStartAuth fires when an authorization attempt begins.
	DidStartAuth(flowSource string)
	// DidCompleteAuth fires with the attempt outcome before the caller's own
	// completion callback observes it.
	DidCompleteAuth(session *Session, err error)
	// DidLogout fires after a successful remote logout removed the session.
	DidLogout(session *Session)
	// DidRefreshAccessToken fires after a successful token refresh.
	DidRefreshAccessToken(session *Session, token AccessToken)
	// DidUpdateUser fires after a profile fetch changed the cached user.
	DidUpdateUser(session *Session, user *User)
}

// observerRegistry is a copy-on-read observer set shared by the manager.
type observerRegistry struct {
	mu        sync.RWMutex
	observers []Observer
}

func (r *observerRegistry) add(observer Observer) {
	if observer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.observers {
		if existing == observer {
			return
		}
	}
	r.observers = append(r.observers, observer)
}

func (r *observerRegistry) remove(observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.observers {
		if existing == observer {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

func (r *observerRegistry) snapshot() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Observer(nil), r.observers...)
}

// Package applife exposes the host application's lifecycle to the engine.
// The authorization flow defers interactive fallback while the app is
// backgrounded and resumes on the next foreground transition; this package
// gives it a deterministic subscription with a guaranteed teardown instead of
// process-wide notification state.
package applife

import "sync"

// Source reports foreground state and transitions.
type Source interface {
	// Foregrounded reports whether the host application is currently active.
	Foregrounded() bool
	// Subscribe returns a channel that receives one value per transition to
	// the foreground, plus a cancel function that stops delivery. Cancel is
	// idempotent and must be called once the subscriber is done.
	Subscribe() (<-chan struct{}, func())
}

// SimulatedSource is a manually driven Source. Embeddings bridge their
// platform lifecycle callbacks into it; tests drive it directly.
type SimulatedSource struct {
	mu          sync.Mutex
	foreground  bool
	subscribers map[int]chan struct{}
	nextID      int
}

// NewSimulatedSource creates a source with the given initial state.
func NewSimulatedSource(foregrounded bool) *SimulatedSource {
	return &SimulatedSource{
		foreground:  foregrounded,
		subscribers: make(map[int]chan struct{}),
	}
}

// Foregrounded implements Source.
func (s *SimulatedSource) Foregrounded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground
}

// Subscribe implements Source.
func (s *SimulatedSource) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// EnterForeground records a transition to the foreground and notifies
// subscribers. Delivery is non-blocking; a subscriber that has not drained
// its previous notification coalesces the two.
func (s *SimulatedSource) EnterForeground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = true
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// EnterBackground records a transition away from the foreground.
func (s *SimulatedSource) EnterBackground() {
	s.mu.Lock()
	s.foreground = false
	s.mu.Unlock()
}

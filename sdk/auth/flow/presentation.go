package flow

import (
	"context"
	"strings"
	"sync"

	"github.com/idkit-io/idkit/internal/browser"
	"github.com/idkit-io/idkit/sdk/auth"
)

// CallbackRelay bridges the app-interop callback handler to a waiting
// presentation. The embedding feeds every incoming URL to HandleCallback; the
// relay claims the ones whose scheme matches the active attempt.
type CallbackRelay struct {
	mu        sync.Mutex
	expecting string
	urls      chan string
	cancels   chan struct{}
}

// NewCallbackRelay creates an idle relay.
func NewCallbackRelay() *CallbackRelay {
	return &CallbackRelay{
		urls:    make(chan string, 1),
		cancels: make(chan struct{}, 1),
	}
}

// HandleCallback offers an incoming URL to the relay. It reports whether the
// URL was claimed by an active authorization attempt.
func (r *CallbackRelay) HandleCallback(rawURL string) bool {
	r.mu.Lock()
	expecting := r.expecting
	r.mu.Unlock()
	if expecting == "" || !strings.HasPrefix(strings.ToLower(rawURL), expecting+"://") {
		return false
	}
	select {
	case r.urls <- rawURL:
		return true
	default:
		return false
	}
}

// Cancel reports the user dismissing the interactive surface.
func (r *CallbackRelay) Cancel() {
	select {
	case r.cancels <- struct{}{}:
	default:
	}
}

func (r *CallbackRelay) arm(scheme string) {
	r.mu.Lock()
	r.expecting = strings.ToLower(scheme)
	r.mu.Unlock()
	// Drop stale deliveries from a previous attempt.
	select {
	case <-r.urls:
	default:
	}
	select {
	case <-r.cancels:
	default:
	}
}

func (r *CallbackRelay) disarm() {
	r.mu.Lock()
	r.expecting = ""
	r.mu.Unlock()
}

// BrowserPresentation delivers authorization URLs through the system browser
// and completes via the app-interop callback relay. It is the in-app-browser
// delivery mechanism; embeddings with a modal web-auth session implement
// Presentation themselves.
type BrowserPresentation struct {
	relay *CallbackRelay
}

// NewBrowserPresentation builds a presentation over the given relay.
func NewBrowserPresentation(relay *CallbackRelay) *BrowserPresentation {
	return &BrowserPresentation{relay: relay}
}

// Present implements Presentation.
func (p *BrowserPresentation) Present(ctx context.Context, authURL, callbackScheme string) (string, error) {
	p.relay.arm(callbackScheme)
	defer p.relay.disarm()

	if err := browser.OpenURL(authURL); err != nil {
		return "", auth.WrapError(auth.CodeWebViewSessionFailedToStart, "could not open authorization url", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.relay.cancels:
		return "", auth.NewError(auth.CodeCancelledByUser, "authorization dismissed by the user")
	case rawURL := <-p.relay.urls:
		return rawURL, nil
	}
}

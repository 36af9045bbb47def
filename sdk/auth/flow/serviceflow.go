package flow

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/idkit-io/idkit/internal/applife"
	"github.com/idkit-io/idkit/sdk/auth"
)

// ServiceFlow composes the silent provider strategy with the interactive web
// fallback. A provider failure falls back immediately while the application
// is foregrounded; otherwise the fallback waits for the next foreground
// transition plus a settle delay, because modal presentation is unreliable
// while the app is being resumed. Cancellation by the user is terminal and
// never triggers the fallback.
type ServiceFlow struct {
	provider  Flow
	web       Flow
	lifecycle applife.Source
	settle    time.Duration
}

// NewServiceFlow builds the composed strategy.
func NewServiceFlow(provider, web Flow, lifecycle applife.Source, settle time.Duration) *ServiceFlow {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &ServiceFlow{provider: provider, web: web, lifecycle: lifecycle, settle: settle}
}

// Authorize implements Flow.
func (f *ServiceFlow) Authorize(ctx context.Context, presentation Presentation, completion func(Result)) {
	guard := newCompletionGuard(completion)

	f.provider.Authorize(ctx, presentation, func(result Result) {
		if result.Err == nil {
			guard.complete(result)
			return
		}
		if auth.IsCancelled(result.Err) {
			guard.complete(result)
			return
		}
		log.WithField("flow", "service").Debugf("flow: provider strategy failed, falling back: %v", result.Err)

		if f.lifecycle == nil || f.lifecycle.Foregrounded() {
			f.web.Authorize(ctx, presentation, guard.complete)
			return
		}
		f.deferWebFallback(ctx, presentation, guard)
	})
}

// deferWebFallback waits for a foreground transition, settles, then starts
// the web strategy. The subscription is torn down the moment it fires or the
// owning flow is discarded via ctx.
func (f *ServiceFlow) deferWebFallback(ctx context.Context, presentation Presentation, guard *completionGuard) {
	foreground, cancel := f.lifecycle.Subscribe()
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
			guard.fail(ctx.Err())
			return
		case <-foreground:
		}

		select {
		case <-ctx.Done():
			guard.fail(ctx.Err())
			return
		case <-time.After(f.settle):
		}
		f.web.Authorize(ctx, presentation, guard.complete)
	}()
}

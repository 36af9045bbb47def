// Package flow implements the authorization flow chain: the interactive web
// strategy, the silent provider-handoff strategy, and the service composition
// that falls back from one to the other with foreground-aware deferral. Every
// flow completes exactly once per attempt, with either a success carrying the
// token triple or a structured error.
package flow

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/idkit-io/idkit/sdk/auth"
)

// OriginScreen names the UI surface an attempt was launched from. Opaque to
// the engine; used for flow-source derivation only.
type OriginScreen string

// LaunchKind discriminates how an attempt was initiated.
type LaunchKind string

const (
	// LaunchRetry is a re-attempt after a failed one.
	LaunchRetry LaunchKind = "retry"
	// LaunchExplicitProvider is a tap on a specific provider button.
	LaunchExplicitProvider LaunchKind = "explicit_provider"
	// LaunchService is the default service-initiated chain.
	LaunchService LaunchKind = "service"
)

// LaunchSource captures how and from where an attempt started.
type LaunchSource struct {
	Kind LaunchKind
	// Provider and ButtonKind are set for LaunchExplicitProvider.
	Provider   string
	ButtonKind string
}

// Context is the immutable descriptor of one authorization attempt.
type Context struct {
	// SessionID correlates every event of one attempt.
	SessionID string
	// OriginScreen is the launching surface.
	OriginScreen OriginScreen
	// LaunchSource is how the attempt started.
	LaunchSource LaunchSource
}

// NewContext creates an attempt context with a fresh session id.
func NewContext(origin OriginScreen, source LaunchSource) Context {
	return Context{SessionID: uuid.NewString(), OriginScreen: origin, LaunchSource: source}
}

// FlowSource derives the logging/telemetry source string for the attempt.
func (c Context) FlowSource() string {
	parts := []string{string(c.LaunchSource.Kind)}
	if c.LaunchSource.Provider != "" {
		parts = append(parts, c.LaunchSource.Provider)
	}
	if c.OriginScreen != "" {
		parts = append(parts, string(c.OriginScreen))
	}
	return strings.Join(parts, "_")
}

// Success is a completed authorization: one token issuance plus the
// provider-assigned device id.
type Success struct {
	Triple         *auth.TokenTriple
	ServerDeviceID string
	Provider       string
}

// Result is the single outcome of one attempt.
type Result struct {
	Success *Success
	Err     error
}

// Presentation delivers an authorization URL to the user and returns the
// redirect callback URL. Implementations are the modal system web-auth
// session or an app-interop browser relay; user dismissal must surface as
// CodeCancelledByUser, distinct from failure to start.
type Presentation interface {
	Present(ctx context.Context, authURL, callbackScheme string) (string, error)
}

// Flow is one authorization strategy. Authorize invokes completion exactly
// once, on the calling goroutine or a flow-owned one.
type Flow interface {
	Authorize(ctx context.Context, presentation Presentation, completion func(Result))
}

// completionGuard enforces the one-completion invariant.
type completionGuard struct {
	once       sync.Once
	completion func(Result)
}

func newCompletionGuard(completion func(Result)) *completionGuard {
	return &completionGuard{completion: completion}
}

func (g *completionGuard) complete(result Result) {
	g.once.Do(func() {
		if g.completion != nil {
			g.completion(result)
		}
	})
}

// Fail is a convenience wrapper for error completions.
func (g *completionGuard) fail(err error) {
	g.complete(Result{Err: err})
}

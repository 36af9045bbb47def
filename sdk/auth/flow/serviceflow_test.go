package flow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/idkit-io/idkit/internal/applife"
	"github.com/idkit-io/idkit/sdk/auth"
)

// stubFlow completes immediately with a fixed result and counts invocations.
type stubFlow struct {
	result Result
	calls  int32
}

func (s *stubFlow) Authorize(ctx context.Context, presentation Presentation, completion func(Result)) {
	atomic.AddInt32(&s.calls, 1)
	completion(s.result)
}

func (s *stubFlow) callCount() int32 {
	return atomic.LoadInt32(&s.calls)
}

func successResult() Result {
	return Result{Success: &Success{Provider: "stub"}}
}

func noPresentation(t *testing.T) Presentation {
	return presentationFunc(func(ctx context.Context, authURL, callbackScheme string) (string, error) {
		t.Error("presentation invoked by stub flow")
		return "", nil
	})
}

func waitResult(t *testing.T, results <-chan Result, timeout time.Duration) Result {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(timeout):
		t.Fatal("flow did not complete in time")
		return Result{}
	}
}

func TestServiceFlowProviderSuccessSkipsFallback(t *testing.T) {
	t.Parallel()

	provider := &stubFlow{result: successResult()}
	web := &stubFlow{result: successResult()}
	flow := NewServiceFlow(provider, web, applife.NewSimulatedSource(true), time.Millisecond)

	result := collectResult(t, flow, noPresentation(t))
	if result.Err != nil {
		t.Fatalf("Authorize() error = %v", result.Err)
	}
	if web.callCount() != 0 {
		t.Error("fallback ran after a provider success")
	}
}

func TestServiceFlowCancellationIsTerminal(t *testing.T) {
	t.Parallel()

	provider := &stubFlow{result: Result{Err: auth.NewError(auth.CodeCancelledByUser, "dismissed")}}
	web := &stubFlow{result: successResult()}
	flow := NewServiceFlow(provider, web, applife.NewSimulatedSource(true), time.Millisecond)

	result := collectResult(t, flow, noPresentation(t))
	if !auth.IsCancelled(result.Err) {
		t.Errorf("error code = %v, want cancelled by user", auth.CodeOf(result.Err))
	}
	if web.callCount() != 0 {
		t.Error("fallback ran after a user cancellation")
	}
}

func TestServiceFlowImmediateFallbackWhileForegrounded(t *testing.T) {
	t.Parallel()

	provider := &stubFlow{result: Result{Err: auth.NewError(auth.CodeNoAvailableProviders, "none")}}
	web := &stubFlow{result: successResult()}
	flow := NewServiceFlow(provider, web, applife.NewSimulatedSource(true), time.Millisecond)

	result := collectResult(t, flow, noPresentation(t))
	if result.Err != nil {
		t.Fatalf("Authorize() error = %v", result.Err)
	}
	if web.callCount() != 1 {
		t.Errorf("fallback invocations = %d, want 1", web.callCount())
	}
}

func TestServiceFlowDefersFallbackUntilForeground(t *testing.T) {
	t.Parallel()

	provider := &stubFlow{result: Result{Err: auth.NewError(auth.CodeAuthByProviderFailed, "handoff failed")}}
	web := &stubFlow{result: successResult()}
	lifecycle := applife.NewSimulatedSource(false)
	flow := NewServiceFlow(provider, web, lifecycle, 5*time.Millisecond)

	results := make(chan Result, 1)
	flow.Authorize(context.Background(), noPresentation(t), func(result Result) {
		results <- result
	})

	// Backgrounded: the fallback must not have started yet.
	time.Sleep(20 * time.Millisecond)
	if web.callCount() != 0 {
		t.Fatal("fallback ran while backgrounded")
	}

	lifecycle.EnterForeground()
	result := waitResult(t, results, 2*time.Second)
	if result.Err != nil {
		t.Fatalf("Authorize() error = %v", result.Err)
	}
	if web.callCount() != 1 {
		t.Errorf("fallback invocations = %d, want 1", web.callCount())
	}
}

func TestServiceFlowDeferredFallbackHonorsContext(t *testing.T) {
	t.Parallel()

	provider := &stubFlow{result: Result{Err: auth.NewError(auth.CodeAuthByProviderFailed, "handoff failed")}}
	web := &stubFlow{result: successResult()}
	lifecycle := applife.NewSimulatedSource(false)
	flow := NewServiceFlow(provider, web, lifecycle, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Result, 1)
	flow.Authorize(ctx, noPresentation(t), func(result Result) {
		results <- result
	})
	cancel()

	result := waitResult(t, results, 2*time.Second)
	if result.Err == nil {
		t.Fatal("abandoned attempt completed successfully")
	}
	if web.callCount() != 0 {
		t.Error("fallback ran after the attempt was abandoned")
	}
}

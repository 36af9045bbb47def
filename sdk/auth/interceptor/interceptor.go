// Package interceptor implements the ordered middleware pipeline wrapped
// around every outgoing API call: authorization attachment before
// transmission, and expiry/challenge recovery with bounded retries after each
// response. Interceptors are pure transformers; only the pipeline driver
// touches the network, and one logical request is processed sequentially so
// mutation and retry bookkeeping cannot race.
package interceptor

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/idkit-io/idkit/internal/transport"
)

// Action is a response interceptor's verdict for the current attempt.
type Action int

const (
	// ActionContinue passes the response to the next interceptor unchanged.
	ActionContinue Action = iota
	// ActionRetry resubmits the (already mutated) request with an
	// incremented retry count.
	ActionRetry
	// ActionInterrupt aborts the call with the interceptor's error.
	ActionInterrupt
)

// RequestInterceptor transforms a request before transmission or rejects it.
type RequestInterceptor interface {
	Name() string
	ProcessRequest(ctx context.Context, req *transport.Request) error
}

// ResponseInterceptor inspects a response and decides whether the attempt
// stands, is retried, or is aborted. It mutates req in place when retrying.
type ResponseInterceptor interface {
	Name() string
	ProcessResponse(ctx context.Context, req *transport.Request, resp *transport.Response) (Action, error)
}

// maxAttempts is a hard ceiling over all interceptor retry budgets combined,
// protecting against a misbehaving interceptor that keeps asking for retries.
const maxAttempts = 8

// Pipeline drives one logical request through the interceptor stages and the
// single-attempt executor.
type Pipeline struct {
	executor transport.Executor
	request  []RequestInterceptor
	response []ResponseInterceptor
}

// NewPipeline builds a pipeline. Interceptors run in the declared order on
// every attempt, including after each retry.
func NewPipeline(executor transport.Executor, request []RequestInterceptor, response []ResponseInterceptor) *Pipeline {
	return &Pipeline{executor: executor, request: request, response: response}
}

// Execute runs req through the pipeline until an attempt stands, an
// interceptor interrupts, or the transport fails.
func (p *Pipeline) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("idkit interceptor: request is nil")
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		for _, interceptor := range p.request {
			if err := interceptor.ProcessRequest(ctx, req); err != nil {
				log.WithField("request_id", req.ID).Debugf("interceptor %s rejected request: %v", interceptor.Name(), err)
				return nil, err
			}
		}

		resp, err := p.executor.Execute(ctx, req)
		if err != nil {
			return nil, err
		}

		retry := false
		for _, interceptor := range p.response {
			action, errProcess := interceptor.ProcessResponse(ctx, req, resp)
			switch action {
			case ActionContinue:
				continue
			case ActionRetry:
				log.WithField("request_id", req.ID).Debugf("interceptor %s requested retry %d", interceptor.Name(), req.RetryCount+1)
				retry = true
			case ActionInterrupt:
				if errProcess == nil {
					errProcess = fmt.Errorf("idkit interceptor: %s interrupted without error", interceptor.Name())
				}
				return nil, errProcess
			}
			if retry {
				break
			}
		}
		if !retry {
			return resp, nil
		}
		req.RetryCount++
	}
	return nil, fmt.Errorf("idkit interceptor: attempt budget exhausted for request %s", req.ID)
}

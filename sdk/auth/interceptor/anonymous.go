package interceptor

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/idkit-io/idkit/internal/transport"
)

const anonymousRetryCap = 1

// AnonymousExpiryInterceptor recovers from an expired anonymous token by
// invalidating the cache, refetching, and resubmitting once.
type AnonymousExpiryInterceptor struct {
	anonymous AnonymousSource
}

// NewAnonymousExpiryInterceptor builds the anonymous-token response step.
func NewAnonymousExpiryInterceptor(anonymous AnonymousSource) *AnonymousExpiryInterceptor {
	return &AnonymousExpiryInterceptor{anonymous: anonymous}
}

// Name implements ResponseInterceptor.
func (i *AnonymousExpiryInterceptor) Name() string { return "anonymous-token-expiry" }

// ProcessResponse implements ResponseInterceptor.
func (i *AnonymousExpiryInterceptor) ProcessResponse(ctx context.Context, req *transport.Request, resp *transport.Response) (Action, error) {
	if req.Authorization != transport.AuthorizationAnonymous {
		return ActionContinue, nil
	}
	if gjson.GetBytes(resp.Body, "error").String() != "anonymous_token_expired" {
		return ActionContinue, nil
	}
	if req.Retries(i.Name()) >= anonymousRetryCap {
		return ActionContinue, nil
	}

	i.anonymous.Invalidate()
	token, err := i.anonymous.Token(ctx)
	if err != nil {
		return ActionContinue, nil
	}
	req.Headers.Set("Authorization", "Anonymous "+token)
	req.RecordRetry(i.Name())
	return ActionRetry, nil
}

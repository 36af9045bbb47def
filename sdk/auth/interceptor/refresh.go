package interceptor

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
)

// expiredTokenRetryCap bounds recovery to one forced refresh per request.
const expiredTokenRetryCap = 1

// ExpiredTokenInterceptor recovers from the provider's invalid-access-token
// signal: it forces one refresh on the resolved session, re-attaches the new
// bearer token, and resubmits. A refresh failure surfaces the original
// provider error unchanged so the caller never sees a refresh loop.
type ExpiredTokenInterceptor struct {
	sessions SessionSource
}

// NewExpiredTokenInterceptor builds the expired-access-token response step.
func NewExpiredTokenInterceptor(sessions SessionSource) *ExpiredTokenInterceptor {
	return &ExpiredTokenInterceptor{sessions: sessions}
}

// Name implements ResponseInterceptor.
func (i *ExpiredTokenInterceptor) Name() string { return "expired-access-token" }

// ProcessResponse implements ResponseInterceptor.
func (i *ExpiredTokenInterceptor) ProcessResponse(ctx context.Context, req *transport.Request, resp *transport.Response) (Action, error) {
	if req.Authorization != transport.AuthorizationAccessToken {
		return ActionContinue, nil
	}
	if !signalsInvalidAccessToken(resp) {
		return ActionContinue, nil
	}
	if req.Retries(i.Name()) >= expiredTokenRetryCap {
		return ActionContinue, nil
	}

	session := i.resolveSession(req.UserID)
	if session == nil {
		return ActionContinue, nil
	}

	access, _, err := session.FreshTokens(ctx, true)
	if err != nil {
		// Surface the provider's original error; the refresh failure is
		// diagnostics only.
		log.WithError(err).WithField("request_id", req.ID).Debug("interceptor: forced refresh failed")
		return ActionInterrupt, auth.WrapError(auth.CodeInvalidAccessToken, "access token rejected and refresh failed", err)
	}
	req.Headers.Set("Authorization", "Bearer "+access.Value)
	req.RecordRetry(i.Name())
	return ActionRetry, nil
}

func (i *ExpiredTokenInterceptor) resolveSession(userID int64) *auth.Session {
	if userID != 0 {
		return i.sessions.SessionFor(userID)
	}
	return i.sessions.MostRecentSession()
}

// signalsInvalidAccessToken reports whether the response carries the
// provider's invalid/expired access token condition.
func signalsInvalidAccessToken(resp *transport.Response) bool {
	if resp == nil {
		return false
	}
	errCode := gjson.GetBytes(resp.Body, "error").String()
	return errCode == "invalid_token" || errCode == "token_expired"
}

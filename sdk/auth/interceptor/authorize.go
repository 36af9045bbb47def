package interceptor

import (
	"context"

	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
)

// SessionSource resolves target sessions for authorized requests. The session
// manager satisfies it.
type SessionSource interface {
	SessionFor(userID int64) *auth.Session
	MostRecentSession() *auth.Session
}

// AnonymousSource supplies and invalidates the anonymous token.
type AnonymousSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// AuthorizationInterceptor attaches credentials to outgoing requests
// according to their authorization kind. Requests demanding a user token
// without a matching session fail immediately; the pipeline never downgrades
// to an unauthenticated attempt.
type AuthorizationInterceptor struct {
	sessions  SessionSource
	anonymous AnonymousSource
}

// NewAuthorizationInterceptor builds the request-stage authorization step.
func NewAuthorizationInterceptor(sessions SessionSource, anonymous AnonymousSource) *AuthorizationInterceptor {
	return &AuthorizationInterceptor{sessions: sessions, anonymous: anonymous}
}

// Name implements RequestInterceptor.
func (i *AuthorizationInterceptor) Name() string { return "authorization" }

// ProcessRequest implements RequestInterceptor. Fetching a fresh token blocks
// the stage until the refresh resolves.
func (i *AuthorizationInterceptor) ProcessRequest(ctx context.Context, req *transport.Request) error {
	switch req.Authorization {
	case transport.AuthorizationNone:
		return nil
	case transport.AuthorizationAnonymous:
		token, err := i.anonymous.Token(ctx)
		if err != nil {
			return err
		}
		req.Headers.Set("Authorization", "Anonymous "+token)
		return nil
	case transport.AuthorizationAccessToken:
		session := i.resolveSession(req.UserID)
		if session == nil {
			return auth.NewError(auth.CodeRequestWithoutSession, "no session matches the request")
		}
		access, _, err := session.FreshTokens(ctx, req.ForceTokenRefresh)
		if err != nil {
			return err
		}
		req.ForceTokenRefresh = false
		req.Headers.Set("Authorization", "Bearer "+access.Value)
		return nil
	default:
		return auth.NewError(auth.CodeUnknown, "unknown authorization kind")
	}
}

func (i *AuthorizationInterceptor) resolveSession(userID int64) *auth.Session {
	if userID != 0 {
		return i.sessions.SessionFor(userID)
	}
	return i.sessions.MostRecentSession()
}

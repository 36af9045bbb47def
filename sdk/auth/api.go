package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/transport"
)

// Provider endpoint paths the session layer calls directly. The interactive
// authorization endpoints live in the flow package.
const (
	PathToken         = "/oauth2/auth"
	PathRevoke        = "/oauth2/revoke"
	PathUserInfo      = "/oauth2/user_info"
	PathAnonymousAuth = "/oauth2/anonymous_token"
)

// apiClient issues the session-maintenance calls (refresh, revoke, profile,
// anonymous token) against the provider REST API through the single-attempt
// transport. Bounded retry for these calls is the interceptor pipeline's job;
// the session layer invokes them directly because they themselves implement
// the recovery the pipeline would otherwise trigger.
type apiClient struct {
	cfg      *config.Config
	executor transport.Executor
}

func newAPIClient(cfg *config.Config, executor transport.Executor) *apiClient {
	return &apiClient{cfg: cfg, executor: executor}
}

// refreshTokens exchanges a refresh token for a fresh issuance.
func (c *apiClient) refreshTokens(ctx context.Context, refresh RefreshToken, deviceID string) (*TokenTriple, error) {
	body, err := tokenRequestBody(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refresh.Value,
		"client_id":     c.cfg.ClientID,
		"device_id":     deviceID,
	})
	if err != nil {
		return nil, err
	}

	req := transport.NewRequest(http.MethodPost, c.cfg.APIHost, PathToken)
	req.Headers.Set("Content-Type", "application/json")
	req.Body = body

	resp, err := c.executor.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("idkit auth: refresh request failed: %w", err)
	}
	triple, _, err := ParseTokenResponse(resp)
	if err != nil {
		return nil, err
	}
	return triple, nil
}

// revoke invalidates an access token remotely.
func (c *apiClient) revoke(ctx context.Context, access AccessToken) error {
	req := transport.NewRequest(http.MethodPost, c.cfg.APIHost, PathRevoke)
	req.Headers.Set("Authorization", "Bearer "+access.Value)
	req.Parameters.Set("client_id", c.cfg.ClientID)

	resp, err := c.executor.Execute(ctx, req)
	if err != nil {
		return fmt.Errorf("idkit auth: revoke request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return providerError(resp)
	}
	if errCode := gjson.GetBytes(resp.Body, "error").String(); errCode != "" {
		return providerError(resp)
	}
	return nil
}

// fetchUser loads the profile behind an access token.
func (c *apiClient) fetchUser(ctx context.Context, access AccessToken) (*User, error) {
	req := transport.NewRequest(http.MethodPost, c.cfg.APIHost, PathUserInfo)
	req.Headers.Set("Authorization", "Bearer "+access.Value)
	req.Parameters.Set("client_id", c.cfg.ClientID)

	resp, err := c.executor.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("idkit auth: user info request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerError(resp)
	}
	root := gjson.GetBytes(resp.Body, "user")
	if !root.Exists() {
		return nil, fmt.Errorf("idkit auth: user info response without user")
	}
	user := &User{
		ID:        root.Get("user_id").Int(),
		FirstName: root.Get("first_name").String(),
		LastName:  root.Get("last_name").String(),
		Phone:     root.Get("phone").String(),
		Email:     root.Get("email").String(),
		AvatarURL: root.Get("avatar").String(),
	}
	if user.ID == 0 {
		user.ID = access.UserID
	}
	return user, nil
}

// anonymousToken fetches a token usable before any identity is authorized.
func (c *apiClient) anonymousToken(ctx context.Context) (string, time.Time, error) {
	req := transport.NewRequest(http.MethodPost, c.cfg.APIHost, PathAnonymousAuth)
	req.Parameters.Set("client_id", c.cfg.ClientID)

	resp, err := c.executor.Execute(ctx, req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("idkit auth: anonymous token request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, providerError(resp)
	}
	token := gjson.GetBytes(resp.Body, "token").String()
	if token == "" {
		return "", time.Time{}, fmt.Errorf("idkit auth: anonymous token response without token")
	}
	var expiresAt time.Time
	if unix := gjson.GetBytes(resp.Body, "expired_at").Int(); unix > 0 {
		expiresAt = time.Unix(unix, 0)
	}
	return token, expiresAt, nil
}

// tokenRequestBody renders a JSON body from the given fields, skipping empty
// values so optional parameters stay off the wire.
func tokenRequestBody(fields map[string]string) ([]byte, error) {
	body := []byte("{}")
	var err error
	for key, value := range fields {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if body, err = sjson.SetBytes(body, key, value); err != nil {
			return nil, fmt.Errorf("idkit auth: build request body failed: %w", err)
		}
	}
	return body, nil
}

// ParseTokenResponse decodes a provider token-endpoint response into a token
// triple plus the server device id. The user id comes from the payload when
// present, otherwise from the id token's subject claim.
func ParseTokenResponse(resp *transport.Response) (*TokenTriple, string, error) {
	if resp == nil {
		return nil, "", NewError(CodeInvalidExchangeResult, "empty response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", providerError(resp)
	}

	root := gjson.ParseBytes(resp.Body)
	accessValue := root.Get("access_token").String()
	refreshValue := root.Get("refresh_token").String()
	if accessValue == "" || refreshValue == "" {
		return nil, "", NewError(CodeInvalidExchangeResult, "token response missing tokens")
	}

	idValue := root.Get("id_token").String()
	userID := root.Get("user_id").Int()
	if userID == 0 && idValue != "" {
		parsed, err := UserIDFromIDToken(idValue)
		if err != nil {
			return nil, "", WrapError(CodeInvalidExchangeResult, "token response without user id", err)
		}
		userID = parsed
	}
	if userID == 0 {
		return nil, "", NewError(CodeInvalidExchangeResult, "token response without user id")
	}

	var expiresAt time.Time
	if expiresIn := root.Get("expires_in").Int(); expiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}

	triple, err := NewTokenTriple(
		AccessToken{UserID: userID, Value: accessValue, ExpiresAt: expiresAt},
		RefreshToken{UserID: userID, Value: refreshValue},
		IDToken{UserID: userID, Value: idValue},
	)
	if err != nil {
		return nil, "", WrapError(CodeInvalidExchangeResult, "inconsistent token triple", err)
	}
	return triple, root.Get("device_id").String(), nil
}

// providerError converts a provider error payload into a structured Error.
func providerError(resp *transport.Response) *Error {
	code := gjson.GetBytes(resp.Body, "error").String()
	description := gjson.GetBytes(resp.Body, "error_description").String()
	if description == "" {
		description = "provider returned status " + strconv.Itoa(resp.StatusCode)
	}
	wrapped := &Error{
		Code:       CodeAuthorizationFailed,
		Message:    description,
		HTTPStatus: resp.StatusCode,
	}
	switch code {
	case "invalid_token", "token_expired":
		wrapped.Code = CodeInvalidAccessToken
	case "slow_down", "rate_limited", "server_error":
		wrapped.Retryable = true
	}
	if code != "" {
		wrapped.Message = code + ": " + description
	}
	return wrapped
}

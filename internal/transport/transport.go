// Package transport defines the request/response envelope the engine builds
// API calls from and the single-attempt Executor primitive that puts them on
// the wire. Retry policy, token attachment, and challenge solving live above
// this package in the interceptor pipeline.
package transport

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// AuthorizationKind selects how a request is authorized before transmission.
type AuthorizationKind int

const (
	// AuthorizationNone sends the request as-is.
	AuthorizationNone AuthorizationKind = iota
	// AuthorizationAnonymous attaches the cached anonymous token.
	AuthorizationAnonymous
	// AuthorizationAccessToken attaches a user session's bearer token.
	AuthorizationAccessToken
)

// Request is one logical outgoing API call. Interceptor stages mutate headers,
// parameters, and RetryCount in place; the same logical request is re-executed
// on retry with its mutations preserved.
type Request struct {
	ID            string
	Host          string
	Path          string
	Method        string
	Parameters    url.Values
	Headers       http.Header
	Body          []byte
	Authorization AuthorizationKind
	// UserID selects the target session for AuthorizationAccessToken.
	// Zero means "the most recently created authorized session".
	UserID int64
	// RetryCount is the total number of retried attempts across all causes.
	RetryCount int
	// retryCounts tracks retries per recovery cause so the causes keep
	// independent budgets.
	retryCounts map[string]int
	// ForceTokenRefresh makes the authorization stage refresh even when the
	// cached access token is outside the freshness window.
	ForceTokenRefresh bool
}

// NewRequest builds a request envelope with a fresh id and empty mutable maps.
func NewRequest(method, host, path string) *Request {
	return &Request{
		ID:         uuid.NewString(),
		Host:       host,
		Path:       path,
		Method:     method,
		Parameters: url.Values{},
		Headers:    http.Header{},
	}
}

// URL renders the full request URL including encoded query parameters.
func (r *Request) URL() string {
	u := url.URL{Scheme: "https", Host: r.Host, Path: r.Path}
	if len(r.Parameters) > 0 && (r.Method == http.MethodGet || len(r.Body) > 0) {
		u.RawQuery = r.Parameters.Encode()
	}
	return u.String()
}

// Retries returns how many retries the given recovery cause has consumed on
// this request.
func (r *Request) Retries(cause string) int {
	return r.retryCounts[cause]
}

// RecordRetry charges one retry to the given recovery cause.
func (r *Request) RecordRetry(cause string) {
	if r.retryCounts == nil {
		r.retryCounts = make(map[string]int)
	}
	r.retryCounts[cause]++
}

// Clone copies the envelope including its mutable maps so a retry can be
// prepared without aliasing the original.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if len(r.retryCounts) > 0 {
		clone.retryCounts = make(map[string]int, len(r.retryCounts))
		for k, v := range r.retryCounts {
			clone.retryCounts[k] = v
		}
	}
	clone.Parameters = url.Values{}
	for k, v := range r.Parameters {
		clone.Parameters[k] = append([]string(nil), v...)
	}
	clone.Headers = http.Header{}
	for k, v := range r.Headers {
		clone.Headers[k] = append([]string(nil), v...)
	}
	if len(r.Body) > 0 {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

// Response is the provider's answer to one executed attempt.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Executor performs one network attempt for one request. Implementations must
// not retry internally; bounded retry is the pipeline's responsibility.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

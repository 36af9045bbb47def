package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// HTTPExecutor implements Executor over net/http. An optional proxy URL is
// honoured to match embedding environments that tunnel provider traffic.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor builds an executor with a dedicated client. proxyURL may be
// empty; a malformed value is logged and ignored rather than failing startup.
func NewHTTPExecutor(proxyURL string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{client: &http.Client{Transport: proxyRoundTripper(proxyURL), Timeout: timeout}}
}

// Execute performs exactly one HTTP attempt for req.
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("idkit transport: request is nil")
	}

	var body io.Reader
	switch {
	case len(req.Body) > 0:
		body = bytes.NewReader(req.Body)
	case req.Method != http.MethodGet && len(req.Parameters) > 0:
		body = strings.NewReader(req.Parameters.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL(), body)
	if err != nil {
		return nil, fmt.Errorf("idkit transport: build request failed: %w", err)
	}
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if len(req.Body) == 0 && req.Method != http.MethodGet && len(req.Parameters) > 0 {
		if httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}

	log.Debugf("transport: %s %s %s (retry %d)", req.Method, req.Host, req.Path, req.RetryCount)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("idkit transport: execute failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("transport: response body close failed")
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("idkit transport: read response failed: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: raw}, nil
}

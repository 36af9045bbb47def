package flow

import (
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/idkit-io/idkit/sdk/auth"
)

// CodePayload is the authorization-code document carried by the provider's
// redirect callback.
type CodePayload struct {
	Code           string
	State          string
	ServerDeviceID string
}

// ParseAuthCallback validates a redirect callback URL and extracts its code
// payload. The URL's scheme must equal the scheme computed from the client
// id, and its `payload` query parameter must hold a JSON document with `code`
// and `state`.
func ParseAuthCallback(rawURL, expectedScheme string) (*CodePayload, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidAuthCallbackURL, "unparsable callback url", err)
	}
	if expectedScheme != "" && !strings.EqualFold(parsed.Scheme, expectedScheme) {
		return nil, auth.NewError(auth.CodeInvalidRedirectURL, "callback scheme does not match client id")
	}

	payload := parsed.Query().Get("payload")
	if strings.TrimSpace(payload) == "" {
		return nil, auth.NewError(auth.CodeInvalidAuthCallbackURL, "callback url without payload")
	}

	doc := gjson.Parse(payload)
	if !doc.IsObject() {
		return nil, auth.NewError(auth.CodeInvalidAuthCodePayloadJSON, "payload is not a JSON object")
	}
	code := doc.Get("code").String()
	state := doc.Get("state").String()
	if code == "" || state == "" {
		return nil, auth.NewError(auth.CodeInvalidAuthCodePayloadJSON, "payload missing code or state")
	}

	return &CodePayload{
		Code:           code,
		State:          state,
		ServerDeviceID: doc.Get("device_id").String(),
	}, nil
}

package auth

import "errors"

// Code is a short machine readable identifier for an authorization failure.
type Code string

// Flow and pipeline error codes. Callers pattern-match on the coarse public
// cases (cancelled, already in progress); the rest exist for diagnostics and
// for the engine's own control flow.
const (
	CodeInvalidRedirectURL          Code = "invalid_redirect_url"
	CodeAuthorizationFailed         Code = "authorization_failed"
	CodeInvalidExchangeResult       Code = "invalid_exchange_result"
	CodeAuthOverdue                 Code = "auth_overdue"
	CodeInvalidAuthCallbackURL      Code = "invalid_auth_callback_url"
	CodeInvalidAuthCodePayloadJSON  Code = "invalid_auth_code_payload_json"
	CodeInvalidAuthConfigURL        Code = "invalid_auth_config_url"
	CodeWebViewSessionFailedToStart Code = "web_view_session_failed_to_start"
	CodeWebViewAuthFailed           Code = "web_view_auth_failed"
	CodeNoAvailableProviders        Code = "no_available_providers"
	CodeProvidersFetchFailed        Code = "providers_fetch_failed"
	CodeAuthByProviderFailed        Code = "auth_by_provider_failed"
	CodeCancelledByUser             Code = "cancelled_by_user"
	CodeStateMismatch               Code = "state_mismatch"
	CodeCodeExchangeFailed          Code = "code_exchange_failed"
	CodeCodeVerifierNotProvided     Code = "code_verifier_not_provided"
	CodeAuthAlreadyInProgress       Code = "auth_already_in_progress"
	CodeRequestWithoutSession       Code = "authorized_request_without_session"
	CodeChallengeFailed             Code = "challenge_failed"
	CodeInvalidAccessToken          Code = "invalid_access_token"
	CodeMigrationOverdue            Code = "migration_overdue"
	CodeUnknown                     Code = "unknown"
)

// Error is the engine's structured failure type. The code is stable for
// control flow, the message is for humans, and the wrapped cause carries the
// fine-grained diagnostics callers are not required to pattern-match.
type Error struct {
	// Code is the stable failure identifier.
	Code Code
	// Message is a human readable description of the failure.
	Message string
	// Retryable indicates whether a retry might fix the issue automatically.
	Retryable bool
	// HTTPStatus optionally records the provider status that caused this.
	HTTPStatus int
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = string(e.Code) + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError builds an Error with a code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds an Error around an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the failure code from err, or CodeUnknown when err carries
// no structured code.
func CodeOf(err error) Code {
	var authErr *Error
	if errors.As(err, &authErr) && authErr != nil {
		return authErr.Code
	}
	return CodeUnknown
}

// IsCancelled reports whether err is the user dismissing the interactive
// surface. Cancellation is terminal for the attempt but is not a defect.
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeCancelledByUser
}

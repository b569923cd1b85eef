package icloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Sentinel classifications, checked with errors.Is. The provider reports
// most failures through a JSON error body rather than the HTTP status code,
// so classification happens on the envelope.
var (
	// ErrSessionInvalid means the provider rejected the cookie jar (reason
	// "Invalid global session" or code "100"). The caller must re-authenticate.
	ErrSessionInvalid = errors.New("icloud: invalid global session")

	// ErrInternalServer means the provider reported an internal error
	// (reason/code prefixed "INTERNAL_ERROR").
	ErrInternalServer = errors.New("icloud: internal server error")

	// ErrAPIOther is any other recognized JSON error envelope.
	ErrAPIOther = errors.New("icloud: api error")

	// ErrRequiresInteractive means authentication needs an interactive
	// terminal (password prompt or 2FA code entry) and none is available.
	ErrRequiresInteractive = errors.New("icloud: requires an interactive terminal")

	// ErrLoginRejected means the provider rejected the supplied credentials.
	ErrLoginRejected = errors.New("icloud: login rejected")

	// ErrTrustRequired means the trust-device request that follows an
	// accepted 2FA code failed.
	ErrTrustRequired = errors.New("icloud: trust required")
)

// TransportError wraps a failure that occurred before any HTTP response was
// received (DNS, TCP, TLS, connection reset, context deadline).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("icloud: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// APIError carries a recognized JSON error envelope from the provider,
// classified against one of the sentinels above.
type APIError struct {
	StatusCode int
	Reason     string
	Code       string
	sentinel   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("icloud: api error (status %d, code %q): %s", e.StatusCode, e.Code, e.Reason)
}

func (e *APIError) Unwrap() error { return e.sentinel }

// errorEnvelope is the provider's recognized JSON error body shape.
type errorEnvelope struct {
	Reason    string `json:"reason"`
	ErrorCode string `json:"errorCode"`
}

// classifyResponse reads and classifies a non-2xx JSON response body into an
// *APIError. body is consumed fully and closed by this call.
func classifyResponse(statusCode int, body io.ReadCloser) error {
	defer body.Close()

	data, readErr := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	if readErr != nil {
		return &APIError{StatusCode: statusCode, Reason: "could not read error body", sentinel: ErrAPIOther}
	}

	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &APIError{StatusCode: statusCode, Reason: string(data), sentinel: ErrAPIOther}
	}

	return classifyEnvelope(statusCode, env)
}

const maxErrorBodyBytes = 1 << 20 // 1 MiB — generous cap against a misbehaving server

func classifyEnvelope(statusCode int, env errorEnvelope) *APIError {
	apiErr := &APIError{StatusCode: statusCode, Reason: env.Reason, Code: env.ErrorCode}

	switch {
	case env.Reason == "Invalid global session" || env.ErrorCode == "100":
		apiErr.sentinel = ErrSessionInvalid
	case hasPrefix(env.ErrorCode, "INTERNAL_ERROR") || hasPrefix(env.Reason, "INTERNAL_ERROR"):
		apiErr.sentinel = ErrInternalServer
	default:
		apiErr.sentinel = ErrAPIOther
	}

	return apiErr
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// isSuccess reports whether an HTTP status code is in the 2xx range.
func isSuccess(statusCode int) bool {
	return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
}

package healthschool

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrExhaustedRetries is reported by AlarmStream once the reconnect
	// budget is spent. It wraps the last transient error.
	ErrExhaustedRetries = errors.New("reconnect attempts exhausted")

	// ErrClosed is returned by commands issued after Stop or Leave.
	ErrClosed = errors.New("client closed")

	// ErrNotConnected is returned by Publish outside the connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownNotification is returned by MarkRead and Delete for ids not
	// in the timeline.
	ErrUnknownNotification = errors.New("unknown notification")
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// TransientNetworkError is a connection level failure: dial errors, resets,
// EOF, silent death. AlarmStream retries it; ChatSession surfaces it.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ProtocolError describes a malformed frame. The frame is dropped and the
// connection kept.
type ProtocolError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol error: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Channel, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError means the server refused the session. Never retried.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unauthorized (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("unauthorized (HTTP %d): %s", e.StatusCode, e.Message)
}

// PublishError wraps a failed chat send. The session stays usable.
type PublishError struct {
	Destination string
	Err         error
}

func (e *PublishError) Error() string { return "publish to " + e.Destination + ": " + e.Err.Error() }

func (e *PublishError) Unwrap() error { return e.Err }

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

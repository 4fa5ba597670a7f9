package matrix

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard Matrix error codes the engine reacts to.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

// ErrAborted is returned when the caller cancelled an in-flight request.
// It is distinct from a failed request: callers that cancelled do not
// treat it as an error condition.
var ErrAborted = errors.New("request aborted")

// HomeServerError is a structured 4xx/5xx response from the homeserver.
// Callers can use errors.As to extract the structured information:
//
//	var hsErr *HomeServerError
//	if errors.As(err, &hsErr) && hsErr.Code == ErrCodeLimitExceeded { ... }
type HomeServerError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
	// RetryAfter is the server-suggested delay for M_LIMIT_EXCEEDED, or
	// zero when the server gave none.
	RetryAfter time.Duration `json:"-"`
	// Method and Path identify the failed request.
	Method string `json:"-"`
	Path   string `json:"-"`
}

func (e *HomeServerError) Error() string {
	return fmt.Sprintf("matrix: %s %s: %s (%d): %s", e.Method, e.Path, e.Code, e.StatusCode, e.Message)
}

// IsRateLimited reports whether the error asks the client to back off.
func (e *HomeServerError) IsRateLimited() bool {
	return e.Code == ErrCodeLimitExceeded
}

// ConnectionError is a network-level failure: no HTTP response arrived.
// Timeout distinguishes a request that took too long from one that
// failed outright (refused, DNS, reset).
type ConnectionError struct {
	Timeout bool
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("matrix: request timed out: %v", e.Err)
	}

	return fmt.Sprintf("matrix: connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsHomeServerError checks whether err is a *HomeServerError with the
// given error code.
func IsHomeServerError(err error, code string) bool {
	var hsErr *HomeServerError
	if errors.As(err, &hsErr) {
		return hsErr.Code == code
	}

	return false
}

// IsConnectionError reports whether err is a network-level failure.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsTimeout reports whether err is a timeout-classified ConnectionError.
func IsTimeout(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) && connErr.Timeout
}

// IsAbort reports whether err stems from caller cancellation.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// RateLimitDelay returns the retry-after hint of a rate-limit error and
// whether err is one.
func RateLimitDelay(err error) (time.Duration, bool) {
	var hsErr *HomeServerError
	if errors.As(err, &hsErr) && hsErr.IsRateLimited() {
		return hsErr.RetryAfter, true
	}

	return 0, false
}

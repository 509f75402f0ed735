// Package interfaces defines the core contracts shared across the proxy
// pipeline: the backend connector interface and the tagged error values that
// components return instead of raising. A single boundary adapter in the API
// layer converts these errors into the source dialect's HTTP shape.
package interfaces

import (
	"fmt"
	"time"
)

// ErrorKind classifies a pipeline error. Components never panic across
// boundaries; they return a *ProxyError carrying one of these kinds.
type ErrorKind int

const (
	// KindInvalidRequest marks a request that cannot be mapped to the
	// canonical form or a malformed command payload. HTTP 400.
	KindInvalidRequest ErrorKind = iota

	// KindUnauthorized marks a failed client authentication. HTTP 401.
	KindUnauthorized

	// KindUnknownModel marks a model that no functional backend advertises.
	KindUnknownModel

	// KindRateLimited marks an upstream HTTP 429. The dispatcher records the
	// retry delay and continues with the next attempt.
	KindRateLimited

	// KindTransient marks a retryable upstream failure (5xx, connection
	// reset). The dispatcher continues with the next attempt.
	KindTransient

	// KindTerminal marks a non-retryable upstream failure (auth, invalid
	// request, unknown model upstream). Returned to the client with the
	// upstream status preserved.
	KindTerminal

	// KindAllBackendsUnavailable is returned by the dispatcher when every
	// attempt was skipped or rate limited. HTTP 503 with Retry-After.
	KindAllBackendsUnavailable

	// KindLoopDetected marks a stream truncated by the loop detector.
	KindLoopDetected

	// KindCancelled marks a client disconnect; no response is written.
	KindCancelled
)

// String returns the lowercase name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindUnknownModel:
		return "unknown_model"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindAllBackendsUnavailable:
		return "all_backends_unavailable"
	case KindLoopDetected:
		return "loop_detected"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// ProxyError is the tagged error value threaded through the pipeline.
type ProxyError struct {
	// Kind classifies the error for dispatcher and boundary decisions.
	Kind ErrorKind

	// StatusCode is the HTTP status to surface. For KindTerminal it
	// preserves the upstream status.
	StatusCode int

	// RetryAfter is the parsed upstream retry delay for KindRateLimited, or
	// the earliest-available hint for KindAllBackendsUnavailable.
	RetryAfter time.Duration

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped error for errors.Is/As.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// NewError builds a ProxyError with a formatted message.
func NewError(kind ErrorKind, status int, format string, args ...any) *ProxyError {
	return &ProxyError{Kind: kind, StatusCode: status, Err: fmt.Errorf(format, args...)}
}

// RateLimitedError builds a KindRateLimited error carrying the retry delay
// parsed from the upstream payload. A zero delay means the upstream did not
// specify one.
func RateLimitedError(delay time.Duration, err error) *ProxyError {
	return &ProxyError{Kind: KindRateLimited, StatusCode: 429, RetryAfter: delay, Err: err}
}

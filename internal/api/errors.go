// Package api contains the clients for the upstream account and
// delivery services, and the typed error taxonomy shared by every
// outbound call in the gateway.
package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an upstream call failure for retry and
// reply-code decisions.
type ErrorKind int

const (
	// KindInvalidCredentials is a permanent authentication rejection.
	KindInvalidCredentials ErrorKind = iota
	// KindValidation is a permanent rejection of message content.
	KindValidation
	// KindRateLimit is an upstream throttling response, optionally
	// carrying a retry-after hint.
	KindRateLimit
	// KindServerError is an upstream 5xx response.
	KindServerError
	// KindNetwork is a transport-level failure.
	KindNetwork
	// KindTimeout is an exceeded per-call deadline.
	KindTimeout
	// KindCircuitOpen is a local fail-fast while the breaker is open.
	KindCircuitOpen
)

// String returns the metric/log label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindServerError:
		return "server_error"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error is a typed upstream failure. The message never contains
// credentials, tokens or message content.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// NewError builds a typed error with the given kind.
func NewError(kind ErrorKind, statusCode int, message string) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Message: message}
}

// KindOf extracts the error kind, defaulting to KindServerError for
// untyped errors so that unexpected failures are treated as transient.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindServerError
}

// RetryAfterOf returns the retry-after hint carried by a rate-limit
// error, or zero.
func RetryAfterOf(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// IsTransient reports whether the error should be retried locally.
// Rate limits and breaker-open failures are temporary but are never
// retried by the gateway itself.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindServerError, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// IsThrottle reports whether the error is a throttling outcome that
// must be surfaced immediately without local retry.
func IsThrottle(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// IsUpstreamDegradation reports whether the outcome should count as a
// failure in the circuit breaker's rolling window. Validation errors
// caused by client input and upstream rate limiting do not indicate a
// degraded upstream.
func IsUpstreamDegradation(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindServerError, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

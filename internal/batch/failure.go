package batch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// FailureClass partitions collaborator failures for the retry policy.
type FailureClass string

// Failure classes. The collaborator maps its own errors onto this taxonomy;
// ClassifyError below covers the common transport cases for collaborators
// that only surface a raw error and status code.
const (
	FailureNone              FailureClass = ""
	FailureTransientNetwork  FailureClass = "transient-network"
	FailureRateLimited       FailureClass = "rate-limited"
	FailureClientError       FailureClass = "client-error"
	FailureResourceExhausted FailureClass = "resource-exhausted"
	FailurePermanent         FailureClass = "permanent"
)

// Retryable reports whether the class is ever eligible for another attempt.
func (f FailureClass) Retryable() bool {
	switch f {
	case FailureTransientNetwork, FailureRateLimited, FailureResourceExhausted:
		return true
	default:
		return false
	}
}

// ProcessError is the error contract between a Processor and the scheduler:
// a class, an optional retry-after hint from the destination, and the cause.
type ProcessError struct {
	Class      FailureClass
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *ProcessError) Unwrap() error { return e.Err }

// ClassOf extracts the failure class from an error, defaulting to
// transient-network for unrecognized errors so that flaky collaborators get
// the bounded-retry treatment rather than an immediate permanent failure.
func ClassOf(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassifyError(err, 0)
}

// RetryAfterOf extracts a destination-supplied retry-after hint, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ClassifyError maps a raw transport error and optional HTTP status onto the
// failure taxonomy.
func ClassifyError(err error, statusCode int) FailureClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return FailureRateLimited
	case statusCode >= 500:
		return FailureTransientNetwork
	case statusCode >= 400:
		return FailureClientError
	}
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransientNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return FailureRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "eof"):
		return FailureTransientNetwork
	case strings.Contains(msg, "unsupported scheme"), strings.Contains(msg, "blocked scheme"),
		strings.Contains(msg, "malformed"), strings.Contains(msg, "invalid url"):
		return FailurePermanent
	default:
		return FailureTransientNetwork
	}
}

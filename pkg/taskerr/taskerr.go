// Package taskerr classifies errors crossing the Executor boundary into the
// taxonomy the Worker Runtime, Queue Manager and Health Monitor all key off
// of: transient vs. permanent vs. rate-limited vs. deadline vs. breaker.
package taskerr

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// Kind is one entry in the error taxonomy.
type Kind string

const (
	Transient          Kind = "transient"
	RateLimited        Kind = "rate_limited"
	Permanent          Kind = "permanent"
	Timeout            Kind = "timeout"
	Stuck              Kind = "stuck"
	CircuitOpen        Kind = "circuit_open"
	CoordinationFailed Kind = "coordination_failed"
)

// Error wraps an underlying error with its classified kind.
type Error struct {
	Kind      Kind
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind, deriving Retryable from the kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err, Retryable: retryableKinds[kind]}
}

var retryableKinds = map[Kind]bool{
	Transient:   true,
	RateLimited: true,
	CircuitOpen: true,
	Permanent:   false,
	Timeout:     false,
	Stuck:       false,
}

// Classify inspects err and returns the taxonomy Kind it belongs to. Errors
// already wrapped as *Error pass their Kind through unchanged.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Timeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return Transient
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "throttle"):
		return RateLimited
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "temporary") ||
		strings.Contains(msg, "5") && strings.Contains(msg, "server error"):
		return Transient
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "malformed") || strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "not found") || strings.Contains(msg, "bad request"):
		return Permanent
	default:
		return Transient
	}
}

// IsRetryable reports whether err's classified kind should be retried by the
// caller rather than immediately DLQ'd.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return retryableKinds[Classify(err)]
}

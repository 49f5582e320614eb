// Package fault defines the closed error taxonomy shared by the retry,
// circuit breaking, and admission components. Guarded operations surface
// failures as one of a fixed set of kinds; dispatch is by exhaustive
// switching on Kind rather than by error type hierarchies.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies a failed attempt.
type Kind int

const (
	// KindUnknown is a non-classified failure, treated conservatively as
	// non-retryable.
	KindUnknown Kind = iota

	// KindNetwork is a transient network failure (connection refused/reset,
	// unreachable host, retryable HTTP status).
	KindNetwork

	// KindTimeout is an attempt that exceeded its deadline.
	KindTimeout

	// KindBlocked signals active counter-measures by the remote side.
	// Not retryable immediately, but counted toward circuit breaker failures.
	KindBlocked
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindBlocked:
		return "blocked"
	case KindUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "network":
		return KindNetwork, nil
	case "timeout":
		return KindTimeout, nil
	case "blocked":
		return KindBlocked, nil
	case "unknown":
		return KindUnknown, nil
	default:
		return KindUnknown, fmt.Errorf("unknown error kind %q", s)
	}
}

// Sentinel errors surfaced by the governor itself. Neither represents a real
// operation failure, so callers can distinguish "we chose not to try" from
// "we tried and failed".
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// before the operation is invoked.
	ErrCircuitOpen = errors.New("circuit open: operation not attempted")

	// ErrAdmissionTimeout is returned when the admission wait exceeded the
	// configured bound.
	ErrAdmissionTimeout = errors.New("admission wait timed out")
)

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err under the given kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// KindOf classifies an arbitrary error into a Kind. Errors already wrapped
// with Wrap keep their explicit classification; everything else is inferred
// from the cause chain. Unrecognized errors are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	// Cancellation is a caller decision, not a transient fault.
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return KindNetwork
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusForbidden:
			return KindBlocked
		case httpErr.StatusCode == http.StatusRequestTimeout:
			return KindTimeout
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return KindNetwork
		case httpErr.StatusCode >= 500 && httpErr.StatusCode < 600:
			return KindNetwork
		}
	}

	return KindUnknown
}

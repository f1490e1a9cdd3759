package broker

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the adapter boundary. Provider SDK errors are wrapped
// into one of these before they leave an adapter, so callers match with
// errors.Is/errors.As and never see provider-specific types.
var (
	// ErrConnection indicates session establishment failed.
	ErrConnection = errors.New("broker: connection failed")

	// ErrNotConnected indicates an authenticated operation was attempted
	// before a successful Connect. Raised synchronously, never retried.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrAuthentication indicates the provider rejected the credentials.
	// Never retried.
	ErrAuthentication = errors.New("broker: authentication rejected")

	// ErrValidation indicates a malformed order request, caught before any
	// network call.
	ErrValidation = errors.New("broker: invalid order request")

	// ErrOrderNotFound indicates the provider has no record of the order.
	ErrOrderNotFound = errors.New("broker: order not found")

	// ErrUnsupported indicates a capability this provider does not offer.
	// Capability queries return sentinel results instead; this error only
	// appears where no sentinel value exists.
	ErrUnsupported = errors.New("broker: operation not supported")

	// ErrTransient marks failures worth retrying: timeouts, resets,
	// provider 5xx. Absorbed by the resilience policy and surfaced only
	// once the retry budget is exhausted.
	ErrTransient = errors.New("broker: transient failure")
)

// RateLimitError is a provider-issued "too many requests" signal carrying
// the mandated cooldown. It is distinct from generic backoff: the wait is a
// requirement, not a guess.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("broker: rate limited, retry after %s", e.RetryAfter)
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RetryAfter extracts a provider-mandated cooldown from err, if present.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

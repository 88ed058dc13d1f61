package llm

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors used for classification by the retry loop and the
// agent's failure policy.
var (
	// ErrRateLimited wraps provider 429 responses. Retryable; honors
	// Retry-After when the provider supplied one.
	ErrRateLimited = errors.New("llm provider rate limited")

	// ErrRetryable wraps transient provider failures (5xx, transport).
	ErrRetryable = errors.New("llm provider transient failure")

	// ErrPermanent wraps non-retryable failures (4xx other than 429).
	ErrPermanent = errors.New("llm provider permanent failure")

	// ErrUnknownProvider indicates a request named a provider that is
	// not configured.
	ErrUnknownProvider = errors.New("unknown llm provider")
)

// RateLimitError carries the provider's Retry-After hint. Unwraps to
// ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
	cause      error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.cause)
	}
	return fmt.Sprintf("rate limited: %v", e.cause)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// NewRateLimitError wraps a provider 429 with its Retry-After hint.
func NewRateLimitError(retryAfter time.Duration, cause error) error {
	return &RateLimitError{RetryAfter: retryAfter, cause: cause}
}

// retryAfterHint extracts the Retry-After duration when err carries one.
func retryAfterHint(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}

// isRetryable reports whether the retry loop should try again.
func isRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetryable)
}

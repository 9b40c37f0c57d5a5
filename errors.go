package keywarden

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrAllCredentialsExhausted = errors.New("keywarden: all credentials exhausted for today")
	ErrQuotaExceeded           = errors.New("keywarden: daily quota exceeded")
	ErrRateLimited             = errors.New("keywarden: rate limited by provider")
	ErrAllModelsFailed         = errors.New("keywarden: all models in fallback chain failed")
	ErrCredentialInvalid       = errors.New("keywarden: credential rejected by provider")
	ErrLedgerUnavailable       = errors.New("keywarden: usage ledger unavailable")
	ErrChainExhausted          = errors.New("keywarden: fallback chain exhausted")
	ErrUnknownCapability       = errors.New("keywarden: unknown capability")
	ErrInstanceUnbound         = errors.New("keywarden: instance has no credential bound")
	ErrServerError             = errors.New("keywarden: server error from provider")
	ErrNetworkError            = errors.New("keywarden: network error reaching provider")
)

// RateLimitError is returned by an endpoint on HTTP 429. RetryAfter carries
// the provider's Retry-After hint when present; zero means none was given.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("keywarden: rate limited by provider (retry after %s)", e.RetryAfter)
	}
	return "keywarden: rate limited by provider"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// DispatchError wraps a terminal request error with routing context.
type DispatchError struct {
	Err          error
	InstanceID   string
	CredentialID string
	Model        string
	Attempts     int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("keywarden: instance=%s credential=%s model=%s attempts=%d: %v",
		e.InstanceID, e.CredentialID, e.Model, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error cannot be fixed by retrying or falling
// back to another model with the same credential.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialInvalid) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrAllCredentialsExhausted) ||
		errors.Is(err, ErrLedgerUnavailable)
}

// IsRetryable returns true if the error is transient from the provider's
// side and another attempt (same or next model) may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrNetworkError)
}

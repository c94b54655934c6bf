package api

import (
	"errors"
	"time"
)

// RetryPolicy controls how a failing step is retried.
//
// MaxRetries counts retries only: MaxRetries = 0 means a single attempt,
// MaxRetries = 2 means up to three invocations. The wait before retry k
// (0-indexed) is min(Delay * Backoff^k, MaxDelay).
//
// ErrorKinds names the error classes matched by the compiled document's
// retry block; empty means all ("States.ALL"). RetryIf classifies errors
// for local execution; nil means every error is retryable. The two fields
// describe the same policy for the two backends and should be kept in
// agreement by the author.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    float64
	MaxDelay   time.Duration
	ErrorKinds []string
	RetryIf    func(error) bool
}

// DefaultRetryPolicy returns the policy applied to steps that do not
// configure one: no retries, with sane backoff values should retries be
// enabled by mutation of MaxRetries alone.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 0,
		Delay:      time.Second,
		Backoff:    1.0,
		MaxDelay:   60 * time.Second,
	}
}

// Validate reports whether the policy's numeric fields are usable.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("retry: MaxRetries must be non-negative")
	}
	if p.Delay <= 0 {
		return errors.New("retry: Delay must be positive")
	}
	if p.Backoff <= 0 {
		return errors.New("retry: Backoff must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("retry: MaxDelay must be positive")
	}
	return nil
}

// DelayFor returns the wait before retry attempt (0-indexed), capped at
// MaxDelay.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	return retryDelay(p.Delay, p.Backoff, p.MaxDelay, attempt)
}

// Retryable reports whether err should be retried under this policy.
func (p RetryPolicy) Retryable(err error) bool {
	if p.RetryIf == nil {
		return true
	}
	return p.RetryIf(err)
}

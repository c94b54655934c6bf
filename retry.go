package virta

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// use with WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder allowing up to maxRetries retries after the
// first attempt.
//
// maxRetries < 0 is treated as 0 (no retries).
func Retry(maxRetries int) RetryBuilder {
	if maxRetries < 0 {
		maxRetries = 0
	}
	p := DefaultRetryPolicy()
	p.MaxRetries = maxRetries
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.Delay = initial
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.Backoff = multiplier
	if max > 0 {
		p.MaxDelay = max
	}
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries.
//
// This is equivalent to an exponential backoff with multiplier 1.0.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Delay = delay
	p.Backoff = 1.0
	return RetryBuilder{policy: p}
}

// OnKinds names the error classes the compiled document's retry block
// matches. An empty list means all errors ("States.ALL").
func (r RetryBuilder) OnKinds(kinds ...string) RetryBuilder {
	p := r.policy
	p.ErrorKinds = kinds
	return RetryBuilder{policy: p}
}

// RetryIf sets the predicate the local engine uses to classify errors as
// retryable. A nil predicate retries every error.
func (r RetryBuilder) RetryIf(pred func(error) bool) RetryBuilder {
	p := r.policy
	p.RetryIf = pred
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to WithRetry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// Package retry holds the waiting strategies callers inject into the
// non-blocking queue primitives. The primitives themselves never wait.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Policy describes how to retry an operation that reported a transient
// condition.
type Policy struct {
	// Attempts caps the number of calls. Zero retries until success or
	// until the context ends.
	Attempts uint

	// Delay between attempts. Zero spins.
	Delay time.Duration

	// Backoff doubles Delay after each attempt, up to MaxDelay.
	Backoff  bool
	MaxDelay time.Duration

	// RetryIf selects the errors worth retrying. Anything else is returned
	// immediately. Nil retries every error.
	RetryIf func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(attempt uint, err error)
}

// Spin retries immediately and without limit. Used on latency-sensitive
// paths where the condition is expected to clear within microseconds.
func Spin(retryIf func(error) bool) Policy {
	return Policy{RetryIf: retryIf}
}

// Bounded retries up to attempts times with a fixed delay.
func Bounded(attempts uint, delay time.Duration, retryIf func(error) bool) Policy {
	return Policy{Attempts: attempts, Delay: delay, RetryIf: retryIf}
}

// Blocking retries without limit, backing off from delay to maxDelay.
// Used for control traffic that must never be dropped.
func Blocking(delay, maxDelay time.Duration, retryIf func(error) bool) Policy {
	return Policy{Delay: delay, Backoff: true, MaxDelay: maxDelay, RetryIf: retryIf}
}

// Do calls fn until it succeeds, returns a non-retryable error, exhausts
// the attempt budget or ctx ends. The last error fn returned (or the
// context error) is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.LastErrorOnly(true),
		retry.Delay(p.Delay),
	}
	switch {
	case p.Delay == 0:
		opts = append(opts, retry.DelayType(retry.FixedDelay))
	case p.Backoff:
		opts = append(opts, retry.DelayType(retry.BackOffDelay))
		if p.MaxDelay > 0 {
			opts = append(opts, retry.MaxDelay(p.MaxDelay))
		}
	default:
		opts = append(opts, retry.DelayType(retry.FixedDelay))
	}
	if p.RetryIf != nil {
		opts = append(opts, retry.RetryIf(p.RetryIf))
	}
	if p.OnRetry != nil {
		opts = append(opts, retry.OnRetry(retry.OnRetryFunc(p.OnRetry)))
	}
	return retry.Do(fn, opts...)
}

// WithOnRetry returns a copy of p that reports each retry to fn.
func (p Policy) WithOnRetry(fn func(attempt uint, err error)) Policy {
	p.OnRetry = fn
	return p
}

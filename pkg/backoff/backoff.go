// Package backoff provides the single retry policy used for
// optimistic-concurrency conflicts. Every call site that can hit a
// conditional-update conflict retries through a Policy rather than
// rolling its own sleep loop.
package backoff

import (
	"errors"
	"math/rand"
	"time"
)

// Policy retries an operation with exponential backoff plus jitter while it
// keeps failing with a retryable error.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is the policy used by the settlement engine and order mutation
// paths.
func Default() Policy {
	return Policy{
		MaxAttempts: 6,
		BaseDelay:   25 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. retryable decides whether an error is worth
// another attempt. The last error is returned when attempts run out.
func (p Policy) Retry(fn func() error, retryable func(error) bool) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.delay(attempt))
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// delay computes the sleep before the given attempt: base * 2^(attempt-1),
// capped at MaxDelay, with +/-50% jitter so concurrent retriers spread out.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d))) - d/2
	return d + jitter
}

// RetryOn is a convenience wrapper for retrying on a single sentinel error.
func (p Policy) RetryOn(target error, fn func() error) error {
	return p.Retry(fn, func(err error) bool {
		return errors.Is(err, target)
	})
}

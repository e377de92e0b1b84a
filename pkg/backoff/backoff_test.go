package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRetryable = errors.New("retryable")

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Microsecond,
		MaxDelay:    time.Millisecond,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := fastPolicy().RetryOn(errRetryable, func() error {
		attempts++
		if attempts < 3 {
			return errRetryable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	err := fastPolicy().RetryOn(errRetryable, func() error {
		attempts++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := fastPolicy()
	attempts := 0
	err := policy.RetryOn(errRetryable, func() error {
		attempts++
		return errRetryable
	})
	require.ErrorIs(t, err, errRetryable)
	assert.Equal(t, policy.MaxAttempts, attempts)
}

func TestRetryOnMatchesWrappedErrors(t *testing.T) {
	attempts := 0
	err := fastPolicy().RetryOn(errRetryable, func() error {
		attempts++
		if attempts == 1 {
			return errors.Join(errors.New("context"), errRetryable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDelayStaysWithinCap(t *testing.T) {
	policy := Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Millisecond,
		MaxDelay:    8 * time.Millisecond,
	}
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		d := policy.delay(attempt)
		// Cap plus the +/-50% jitter window.
		assert.LessOrEqual(t, d, policy.MaxDelay+policy.MaxDelay/2)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

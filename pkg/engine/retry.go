package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of transient resolution failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// BaseDelay is doubled on every attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// calculateBackoff calculates exponential backoff with jitter.
func (p RetryPolicy) calculateBackoff(attempt int) time.Duration {
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		return 0
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	// Add jitter (up to 25%)
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package infra

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy parameterizes exponential backoff with jitter.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter in [0, 1] scales a random addition on top of the base delay.
	Jitter float64
}

// DefaultBackoff is the policy used for helper-node retries and agent steps:
// 250ms initial, 10s cap, doubling, 20% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: 250 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.2}
}

// Delay computes the backoff for a 1-indexed attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

func (p BackoffPolicy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures, and honoring context cancellation between attempts. retryable
// decides whether an error is worth another attempt; nil means all errors are.
func Retry[T any](ctx context.Context, policy BackoffPolicy, maxAttempts int, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
	return zero, lastErr
}

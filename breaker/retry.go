package breaker

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is exponential backoff with jitter,
// predicate-guarded, composing with a Breaker so retries count toward the
// breaker only on the terminal outcome. The field names mirror the common
// retry-policy shape (MaxAttempts/InitialInterval/BackoffCoefficient),
// generalized here for client-side retry loops rather than engine-activity
// scheduling.
type RetryPolicy struct {
	// MaxAttempts caps the number of attempts, including the first. Zero
	// means a single attempt (no retries).
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// Multiplier scales the delay after each attempt. Values < 1
	// (including zero) fall back to 2.
	Multiplier float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Retryable decides, per error, whether another attempt should be
	// made. A nil Retryable retries every non-nil error.
	Retryable func(err error) bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Retryable == nil {
		p.Retryable = func(error) bool { return true }
	}
	return p
}

// delay computes the backoff before attempt i (1-indexed): attempt 1 runs
// immediately, attempt i>1 waits min(base * multiplier^(i-2) * (1+rand*0.1), max).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	jittered := raw * (1 + rand.Float64()*0.1) //nolint:gosec // jitter does not need crypto randomness
	d := time.Duration(jittered)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping between attempts per the
// backoff schedule, stopping early when Retryable returns false for the most
// recent error or when ctx is cancelled. If b is non-nil, every attempt
// beyond the first is reported to the breaker's retry counter; the terminal
// outcome itself is not recorded here (callers compose Do with Execute, not
// the other way around, so Execute's single recordOutcome call remains the
// breaker's only failure/success observation).
func Do[T any](ctx context.Context, b *Breaker, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()
	var zero T
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if b != nil {
				b.IncRetries()
			}
			d := policy.delay(attempt)
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !policy.Retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

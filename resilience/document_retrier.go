package resilience

import (
	"context"
	"log"
	"math"
	"time"
)

// DocumentRetrier retries an entire remaining embedding batch at the
// document level. Unlike the bounded per-call Policy it keeps going across a
// very large (but configurable and finite) attempt budget, and uses a steeper
// backoff multiplier when the failure looks like a quota or throttle
// condition. Exhausting the budget is a recoverable condition for the
// caller, not a pipeline failure.
type DocumentRetrier struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RateLimitFactor float64
	// IsRetryable classifies an error. Nil means every error is retryable.
	IsRetryable func(error) bool
}

// Run keeps invoking op until it succeeds, the context is cancelled, or the
// attempt budget is exhausted. The last error is returned on exhaustion.
func (r DocumentRetrier) Run(ctx context.Context, op func(ctx context.Context) error) (Outcome, error) {
	start := time.Now()
	var lastErr error

	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		// The zero value still runs the operation once.
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1, Elapsed: time.Since(start)}, err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return Outcome{Attempts: attempt, Elapsed: time.Since(start)}, nil
		}
		if r.IsRetryable != nil && !r.IsRetryable(lastErr) {
			return Outcome{Attempts: attempt, Elapsed: time.Since(start)}, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		factor := r.BackoffFactor
		if IsRateLimit(lastErr) {
			factor = r.RateLimitFactor
		}
		delay := time.Duration(float64(r.BaseDelay) * math.Pow(factor, float64(attempt-1)))
		if delay > r.MaxDelay || delay <= 0 {
			delay = r.MaxDelay
		}
		if attempt%10 == 1 {
			log.Printf("document embedding attempt %d/%d failed: %v (next delay %s)", attempt, maxAttempts, lastErr, delay)
		}

		timer := time.NewTimer(delay + jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Attempts: attempt, Elapsed: time.Since(start)}, ctx.Err()
		case <-timer.C:
		}
	}

	return Outcome{Attempts: maxAttempts, Elapsed: time.Since(start)}, lastErr
}

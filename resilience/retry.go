package resilience

import (
	"context"
	"log"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Policy describes how one external dependency is retried.
type Policy struct {
	Name          string
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// IsRetryable classifies an error. Nil means every error is retryable.
	IsRetryable func(error) bool
}

// Outcome reports how an execution went, whether it succeeded or not.
type Outcome struct {
	Attempts int
	Elapsed  time.Duration
}

// Delay returns the backoff delay before the given retry, without jitter.
// The delay is non-decreasing in attempt and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Execute runs op under the policy. On failure the error is classified via
// IsRetryable; non-retryable errors stop after a single attempt. The returned
// Outcome carries the attempt count and elapsed time either way.
func Execute(ctx context.Context, p Policy, op func(ctx context.Context) error) (Outcome, error) {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1, Elapsed: time.Since(start)}, err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return Outcome{Attempts: attempt, Elapsed: time.Since(start)}, nil
		}

		if p.IsRetryable != nil && !p.IsRetryable(lastErr) {
			return Outcome{Attempts: attempt, Elapsed: time.Since(start)}, lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		delay += jitter(delay)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		log.Printf("%s attempt %d/%d failed: %v (retrying in %s)", p.Name, attempt, p.MaxAttempts, lastErr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Attempts: attempt, Elapsed: time.Since(start)}, ctx.Err()
		case <-timer.C:
		}
	}

	return Outcome{Attempts: p.MaxAttempts, Elapsed: time.Since(start)}, lastErr
}

// jitter returns a random duration in [0, d/10].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)/10 + 1))
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"throttl",
	"too many requests",
	"resource exhausted",
	"429",
}

// IsRateLimit sniffs the error text for quota/throttle conditions so callers
// can pick a steeper backoff.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

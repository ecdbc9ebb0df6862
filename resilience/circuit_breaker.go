package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without invoking the operation while the
// breaker is open or a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreaker guards one external dependency. One instance exists per
// dependency, never per call.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
		now:         time.Now,
	}
}

// State reports the current breaker state, moving open to half-open if the
// cooldown has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Execute runs op if the breaker allows it. While open, calls fail fast with
// ErrCircuitOpen. After the cooldown elapses exactly one call is let through
// as a half-open probe; its success closes the breaker, its failure re-opens
// it and restarts the cooldown.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err)
	return err
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.probing = true
		return nil
	default:
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return
	}
	// Caller-side cancellation says nothing about the dependency's health.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		b.probing = false
		return
	}

	if b.state == StateHalfOpen {
		b.trip()
		return
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probing = false
}

// refreshLocked transitions open -> half-open once the cooldown elapsed.
// Caller holds the mutex.
func (b *CircuitBreaker) refreshLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) error { return errBoom }

func okOp(ctx context.Context) error { return nil }

func newTestBreaker(maxFailures int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker("test", maxFailures, cooldown)
	clock := time.Unix(1000, 0)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, failingOp), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// While open, the operation is never invoked.
	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	require.Error(t, b.Execute(ctx, failingOp))
	require.NoError(t, b.Execute(ctx, okOp))

	// The counter restarted, so two more failures do not trip it.
	require.Error(t, b.Execute(ctx, failingOp))
	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, StateOpen, b.State())

	*clock = clock.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, okOp))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	*clock = clock.Add(time.Minute)

	require.ErrorIs(t, b.Execute(ctx, failingOp), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// The cooldown restarted; still open just before it elapses again.
	*clock = clock.Add(time.Minute - time.Second)
	assert.Equal(t, StateOpen, b.State())
	*clock = clock.Add(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	*clock = clock.Add(time.Minute)

	// First caller becomes the probe and blocks inside op; a second caller
	// must be rejected while the probe is in flight.
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(ctx, func(ctx context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	err := b.Execute(ctx, okOp)
	require.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresContextCancellation(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, func(ctx context.Context) error {
		return context.Canceled
	}))
	// A caller-side cancellation is not evidence the dependency is down.
	assert.Equal(t, StateClosed, b.State())
}

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failing(context.Context) error    { return errUpstream }
func succeeding(context.Context) error { return nil }

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("docs", BreakerSettings{FailureThreshold: 3, Cooldown: 60 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := cb.Call(ctx, failing)
		require.True(t, res.Admitted)
		require.ErrorIs(t, err, errUpstream)
	}
	require.Equal(t, StateOpen, cb.State())

	var called bool
	res, err := cb.Call(ctx, func(context.Context) error { called = true; return nil })
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.False(t, called, "an open breaker must not invoke the operation")
	assert.Equal(t, 60*time.Second, res.RetryAfter)

	clock.Advance(30 * time.Second)
	res, _ = cb.Call(ctx, succeeding)
	assert.False(t, res.Admitted)
	assert.Equal(t, 30*time.Second, res.RetryAfter)

	clock.Advance(31 * time.Second)
	res, err = cb.Call(ctx, succeeding)
	require.NoError(t, err)
	assert.True(t, res.Admitted)
	assert.Equal(t, StateHalfOpen, res.State)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("docs", BreakerSettings{FailureThreshold: 1, Cooldown: 10 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = cb.Call(ctx, failing)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(10 * time.Second)
	res, err := cb.Call(ctx, failing)
	require.ErrorIs(t, err, errUpstream)
	require.True(t, res.Admitted)
	assert.Equal(t, StateOpen, cb.State())

	res, _ = cb.Call(ctx, succeeding)
	assert.False(t, res.Admitted, "cooldown restarts from the failed trial")
	assert.Equal(t, 10*time.Second, res.RetryAfter)
}

func TestCircuitBreakerSingleHalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("docs", BreakerSettings{FailureThreshold: 1, Cooldown: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = cb.Call(ctx, failing)
	clock.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	var admitted atomic.Int32
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, _ := cb.Call(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
		if res.Admitted {
			admitted.Add(1)
		}
	}()
	<-entered

	for i := 0; i < 10; i++ {
		res, _ := cb.Call(ctx, succeeding)
		if res.Admitted {
			admitted.Add(1)
		}
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	cb := NewCircuitBreaker("docs", BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cb.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

func TestBreakersUsePerServiceSettings(t *testing.T) {
	b := NewBreakers(nil)

	gh := b.Get("github")
	assert.Same(t, gh, b.Get("github"))
	assert.Equal(t, 300*time.Second, gh.settings.Cooldown)
	assert.Equal(t, 5, b.Get("pypi").settings.FailureThreshold)
	assert.Equal(t, 60*time.Second, b.Get("crates").settings.Cooldown)

	states := b.States()
	assert.Len(t, states, 3)
	assert.Equal(t, StateClosed, states["github"])
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}

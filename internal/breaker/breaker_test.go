package breaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/breaker"
)

var errDownstream = errors.New("downstream unavailable")

// testClock is a manually-advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errDownstream
	}
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return nil
	}
}

func TestTripsAfterThresholdAndFailsFast(t *testing.T) {
	clock := newTestClock()
	b := breaker.New(3, time.Minute, 5*time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	calls := 0
	for range 3 {
		require.ErrorIs(t, b.Do(ctx, failing(&calls)), errDownstream)
	}
	require.Equal(t, 3, calls)
	require.Equal(t, breaker.Open, b.State())

	// Open: the wrapped function must not run.
	err := b.Do(ctx, failing(&calls))
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.NotErrorIs(t, err, errDownstream)
	require.Equal(t, 3, calls)
}

func TestTrialSuccessCloses(t *testing.T) {
	clock := newTestClock()
	b := breaker.New(2, time.Minute, 5*time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	calls := 0
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Equal(t, breaker.Open, b.State())

	clock.Advance(time.Minute)
	require.Equal(t, breaker.HalfOpen, b.State())

	require.NoError(t, b.Do(ctx, succeeding(&calls)))
	require.Equal(t, breaker.Closed, b.State())
	require.Equal(t, 3, calls)

	// Closed again: a single failure does not trip it.
	require.ErrorIs(t, b.Do(ctx, failing(&calls)), errDownstream)
	require.Equal(t, breaker.Closed, b.State())
}

func TestTrialFailureReopens(t *testing.T) {
	clock := newTestClock()
	b := breaker.New(1, time.Minute, 5*time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	calls := 0
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Equal(t, breaker.Open, b.State())

	clock.Advance(time.Minute)
	require.ErrorIs(t, b.Do(ctx, failing(&calls)), errDownstream)
	require.Equal(t, breaker.Open, b.State())
	require.Equal(t, 2, calls)

	// The fresh open period fails fast again until the next cool-down.
	require.ErrorIs(t, b.Do(ctx, failing(&calls)), breaker.ErrOpen)
	require.Equal(t, 2, calls)
}

func TestFailuresAgeOutOfWindow(t *testing.T) {
	clock := newTestClock()
	b := breaker.New(3, time.Minute, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	calls := 0
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Error(t, b.Do(ctx, failing(&calls)))

	// Old failures fall out of the rolling window; two fresh ones are
	// still below the threshold.
	clock.Advance(2 * time.Minute)
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Equal(t, breaker.Closed, b.State())

	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Equal(t, breaker.Open, b.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := newTestClock()
	b := breaker.New(3, time.Minute, 5*time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	calls := 0
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.NoError(t, b.Do(ctx, succeeding(&calls)))

	// The streak restarted; two more failures stay under the threshold.
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Error(t, b.Do(ctx, failing(&calls)))
	require.Equal(t, breaker.Closed, b.State())
}

func TestConcurrentCallersDuringTrialFailFast(t *testing.T) {
	clock := newTestClock()
	b := breaker.New(1, time.Minute, 5*time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	require.Error(t, b.Do(ctx, func(context.Context) error { return errDownstream }))
	clock.Advance(time.Minute)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	require.ErrorIs(t, b.Do(ctx, func(context.Context) error { return nil }), breaker.ErrOpen)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, breaker.Closed, b.State())
}

package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/batch"
	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/monitor"
)

// fakeMonitor drives the processor without real sampling. Fields are
// read under the mutex so tests can flip them mid-run.
type fakeMonitor struct {
	mu          sync.Mutex
	overloaded  bool
	throttle    bool
	delay       time.Duration
	batchSize   int
	concurrency int
	waitErr     error

	cleanups  int
	waitCalls int
	sizeCalls int
}

var _ batch.Monitor = (*fakeMonitor)(nil)

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{batchSize: 10, concurrency: 2}
}

func (f *fakeMonitor) IsOverloaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overloaded
}

func (f *fakeMonitor) ShouldThrottle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.throttle
}

func (f *fakeMonitor) ThrottleDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delay
}

func (f *fakeMonitor) OptimalBatchSize(base, minSize, maxSize int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizeCalls++
	// Vary the answer per call so chunk sizes change mid-run.
	size := f.batchSize + f.sizeCalls%3
	return max(minSize, min(size, maxSize))
}

func (f *fakeMonitor) OptimalConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.concurrency
}

func (f *fakeMonitor) ForceCleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
}

func (f *fakeMonitor) WaitForResources(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	if f.waitErr != nil {
		return f.waitErr
	}
	f.overloaded = false
	return nil
}

func (f *fakeMonitor) set(fn func(*fakeMonitor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func ints(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestRunCoversEveryItemExactlyOnce(t *testing.T) {
	mon := newFakeMonitor()
	p := batch.NewProcessor(mon).WithBaseDelay(0)

	var (
		mu   sync.Mutex
		seen = map[int]int{}
	)
	worker := func(_ context.Context, chunk []int) error {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range chunk {
			seen[v]++
		}
		return nil
	}

	items := ints(237)
	res, err := batch.Run(context.Background(), p, items, worker, "cover")
	require.NoError(t, err)

	require.Len(t, seen, len(items), "no drops")
	for v, count := range seen {
		require.Equal(t, 1, count, "item %d processed once", v)
	}
	require.EqualValues(t, len(items), res.Items.Load())
	require.Zero(t, res.FailedChunks.Load())
}

func TestRunEmptyItemsReturnsImmediately(t *testing.T) {
	mon := newFakeMonitor()
	p := batch.NewProcessor(mon).WithBaseDelay(time.Hour)

	start := time.Now()
	res, err := batch.Run(context.Background(), p, []int(nil), func(context.Context, []int) error {
		t.Fatal("worker must not run")
		return nil
	}, "empty")

	require.NoError(t, err)
	require.Zero(t, res.Chunks.Load())
	require.Less(t, time.Since(start), time.Second)
}

func TestRunToleratesChunkFailures(t *testing.T) {
	mon := newFakeMonitor()
	mon.set(func(f *fakeMonitor) { f.concurrency = 1; f.batchSize = 5 })
	p := batch.NewProcessor(mon).WithBaseDelay(0).WithChunkSizes(5, 2, 10)

	var (
		mu        sync.Mutex
		processed int
		calls     int
	)
	worker := func(_ context.Context, chunk []int) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return errors.New("malformed chunk")
		}
		processed += len(chunk)
		return nil
	}

	res, err := batch.Run(context.Background(), p, ints(40), worker, "partial")
	require.NoError(t, err, "one bad chunk never fails the run")
	require.EqualValues(t, 1, res.FailedChunks.Load())
	require.Positive(t, processed)
	require.EqualValues(t, 40, res.Items.Load(), "failed chunks still count as attempted")
}

func TestRunWaitsOutOverload(t *testing.T) {
	mon := newFakeMonitor()
	mon.set(func(f *fakeMonitor) { f.overloaded = true })
	p := batch.NewProcessor(mon).WithBaseDelay(0)

	_, err := batch.Run(context.Background(), p, ints(30), func(context.Context, []int) error { return nil }, "wait")
	require.NoError(t, err)
	require.Equal(t, 1, mon.waitCalls, "overload gate consulted the monitor")
}

func TestRunFailsWhenResourceWaitTimesOut(t *testing.T) {
	mon := newFakeMonitor()
	mon.set(func(f *fakeMonitor) {
		f.overloaded = true
		f.waitErr = monitor.ErrResourcesExhausted
	})
	p := batch.NewProcessor(mon).WithBaseDelay(0)

	_, err := batch.Run(context.Background(), p, ints(30), func(context.Context, []int) error { return nil }, "exhausted")
	require.ErrorIs(t, err, monitor.ErrResourcesExhausted)
}

func TestEmergencyBrakeExhaustionAbortsRun(t *testing.T) {
	mon := newFakeMonitor()
	mon.set(func(f *fakeMonitor) {
		f.throttle = true
		f.batchSize = 1
		f.concurrency = 1
	})
	p := batch.NewProcessor(mon).
		WithBaseDelay(0).
		WithChunkSizes(1, 1, 1).
		WithBrake(2, 2, time.Millisecond)

	res, err := batch.Run(context.Background(), p, ints(50), func(context.Context, []int) error { return nil }, "braked")
	require.ErrorIs(t, err, batch.ErrBrakeExhausted)
	require.EqualValues(t, 2, res.Brakes.Load())
}

func TestThrottleRecoveryResetsStreak(t *testing.T) {
	mon := newFakeMonitor()
	mon.set(func(f *fakeMonitor) {
		f.throttle = true
		f.batchSize = 1
		f.concurrency = 1
	})
	p := batch.NewProcessor(mon).
		WithBaseDelay(0).
		WithChunkSizes(1, 1, 1).
		WithBrake(3, 1, time.Millisecond)

	var groups int
	worker := func(context.Context, []int) error {
		groups++
		// Pressure clears before the brake threshold is reached.
		if groups == 2 {
			mon.set(func(f *fakeMonitor) { f.throttle = false })
		}
		return nil
	}

	res, err := batch.Run(context.Background(), p, ints(10), worker, "recovered")
	require.NoError(t, err)
	require.Zero(t, res.Brakes.Load())
}

func TestRunHonorsContextCancel(t *testing.T) {
	mon := newFakeMonitor()
	mon.set(func(f *fakeMonitor) { f.batchSize = 1; f.concurrency = 1 })
	p := batch.NewProcessor(mon).WithBaseDelay(50 * time.Millisecond).WithChunkSizes(1, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	worker := func(context.Context, []int) error {
		cancel()
		return nil
	}

	_, err := batch.Run(ctx, p, ints(100), worker, "cancelled")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCleanupCadence(t *testing.T) {
	mon := newFakeMonitor()
	mon.set(func(f *fakeMonitor) { f.batchSize = 1; f.concurrency = 1 })
	p := batch.NewProcessor(mon).
		WithBaseDelay(0).
		WithChunkSizes(1, 1, 1).
		WithCleanupEvery(4)

	_, err := batch.Run(context.Background(), p, ints(12), func(context.Context, []int) error { return nil }, "cleanup")
	require.NoError(t, err)
	require.Equal(t, 3, mon.cleanups, "cleanup every 4th group, 12 single-chunk groups")
}

func TestGroupByKeyPreservesFirstSeenOrder(t *testing.T) {
	type rec struct{ app string }
	items := []rec{{"slack"}, {"zoom"}, {"slack"}, {"figma"}, {"zoom"}}

	order, groups := batch.GroupByKey(items, func(r rec) string { return r.app })

	require.Equal(t, []string{"slack", "zoom", "figma"}, order)
	require.Len(t, groups["slack"], 2)
	require.Len(t, groups["zoom"], 2)
	require.Len(t, groups["figma"], 1)
}

func TestChunk(t *testing.T) {
	require.Nil(t, batch.Chunk([]int(nil), 3))
	require.Nil(t, batch.Chunk(ints(5), 0))

	chunks := batch.Chunk(ints(7), 3)
	require.Len(t, chunks, 3)
	require.Equal(t, []int{6}, chunks[2])
}

package monitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/monitor"
)

// fixedProbe returns the same reading on every sample.
func fixedProbe(cpu, mem float64) monitor.Probe {
	return func() (float64, float64, error) { return cpu, mem, nil }
}

func testThresholds() monitor.Thresholds {
	return monitor.Thresholds{WarnCPU: 70, MaxCPU: 80, WarnMemory: 70, MaxMemory: 80}
}

func sampled(m *monitor.Monitor) *monitor.Monitor {
	m.Start(time.Hour) // one immediate sample; the ticker never fires
	m.Stop()
	return m
}

func TestPressureClassification(t *testing.T) {
	m := sampled(monitor.New(testThresholds()).WithProbe(fixedProbe(85, 40)))

	require.True(t, m.IsOverloaded())
	require.True(t, m.ShouldThrottle())

	idle := sampled(monitor.New(testThresholds()).WithProbe(fixedProbe(20, 20)))
	require.False(t, idle.IsOverloaded())
	require.False(t, idle.ShouldThrottle())
}

func TestOptimalBatchSizeShrinksUnderPressure(t *testing.T) {
	hot := sampled(monitor.New(testThresholds()).WithProbe(fixedProbe(85, 40)))
	idle := sampled(monitor.New(testThresholds()).WithProbe(fixedProbe(20, 20)))

	hotSize := hot.OptimalBatchSize(100, 10, 400)
	idleSize := idle.OptimalBatchSize(100, 10, 400)

	require.Less(t, hotSize, idleSize)
	require.Equal(t, 10, hotSize, "past max pressure the floor applies")
	require.GreaterOrEqual(t, idleSize, 100)
	require.LessOrEqual(t, idleSize, 400)
}

func TestOptimalBatchSizeClamped(t *testing.T) {
	warm := sampled(monitor.New(testThresholds()).WithProbe(fixedProbe(75, 40)))

	size := warm.OptimalBatchSize(100, 25, 400)
	require.GreaterOrEqual(t, size, 25)
	require.Less(t, size, 100, "past warning the batch shrinks below base")
}

func TestOptimalConcurrency(t *testing.T) {
	idle := sampled(monitor.New(testThresholds()).WithMaxConcurrency(6).WithProbe(fixedProbe(10, 10)))
	require.Equal(t, 6, idle.OptimalConcurrency())

	hot := sampled(monitor.New(testThresholds()).WithMaxConcurrency(6).WithProbe(fixedProbe(95, 10)))
	require.Equal(t, 1, hot.OptimalConcurrency())

	warm := sampled(monitor.New(testThresholds()).WithMaxConcurrency(6).WithProbe(fixedProbe(75, 10)))
	n := warm.OptimalConcurrency()
	require.Greater(t, n, 1)
	require.Less(t, n, 6)
}

func TestThrottleDelay(t *testing.T) {
	idle := sampled(monitor.New(testThresholds()).WithMaxThrottleDelay(4 * time.Second).WithProbe(fixedProbe(30, 30)))
	require.Zero(t, idle.ThrottleDelay())

	mild := sampled(monitor.New(testThresholds()).WithMaxThrottleDelay(4 * time.Second).WithProbe(fixedProbe(75, 30)))
	hot := sampled(monitor.New(testThresholds()).WithMaxThrottleDelay(4 * time.Second).WithProbe(fixedProbe(95, 30)))

	require.Greater(t, mild.ThrottleDelay(), time.Duration(0))
	require.Greater(t, hot.ThrottleDelay(), mild.ThrottleDelay())
	require.LessOrEqual(t, hot.ThrottleDelay(), 4*time.Second)
}

func TestProbeFailureReusesLastSample(t *testing.T) {
	var (
		mu   sync.Mutex
		fail bool
	)
	probe := func() (float64, float64, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return 0, 0, errors.New("sysfs unreadable")
		}
		return 75, 20, nil
	}

	m := monitor.New(testThresholds()).WithProbe(probe)
	m.Start(5 * time.Millisecond)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.CurrentUsage().CPUPercent == 75
	}, time.Second, time.Millisecond)

	mu.Lock()
	fail = true
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 75.0, m.CurrentUsage().CPUPercent, "failed probe keeps last reading")
	require.True(t, m.ShouldThrottle())
}

func TestNotifyIsLevelTriggered(t *testing.T) {
	m := monitor.New(testThresholds()).WithProbe(fixedProbe(90, 20))

	var (
		mu     sync.Mutex
		events []monitor.Level
	)
	m.Notify(func(level monitor.Level, _ monitor.Sample) {
		mu.Lock()
		events = append(events, level)
		mu.Unlock()
	})

	m.Start(5 * time.Millisecond)
	defer m.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 3
	}, time.Second, time.Millisecond, "event repeats every sample while the level persists")

	mu.Lock()
	defer mu.Unlock()
	for _, lv := range events {
		require.Equal(t, monitor.LevelOverload, lv)
	}
}

func TestWaitForResourcesRecovers(t *testing.T) {
	var (
		mu  sync.Mutex
		cpu = 95.0
	)
	probe := func() (float64, float64, error) {
		mu.Lock()
		defer mu.Unlock()
		return cpu, 10, nil
	}

	m := monitor.New(testThresholds()).
		WithProbe(probe).
		WithWaitBudget(time.Second, time.Millisecond)
	sampled(m)

	go func() {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		cpu = 30
		mu.Unlock()
	}()

	require.NoError(t, m.WaitForResources(context.Background()))
}

func TestWaitForResourcesTimesOut(t *testing.T) {
	m := monitor.New(testThresholds()).
		WithProbe(fixedProbe(95, 95)).
		WithWaitBudget(30*time.Millisecond, 5*time.Millisecond)
	sampled(m)

	err := m.WaitForResources(context.Background())
	require.ErrorIs(t, err, monitor.ErrResourcesExhausted)
}

func TestWaitForResourcesHonorsContext(t *testing.T) {
	m := monitor.New(testThresholds()).
		WithProbe(fixedProbe(95, 95)).
		WithWaitBudget(10*time.Second, 5*time.Millisecond)
	sampled(m)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.WaitForResources(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartTwiceAndStopIdempotent(t *testing.T) {
	m := monitor.New(testThresholds()).WithProbe(fixedProbe(10, 10))
	m.Start(time.Millisecond)
	m.Start(time.Millisecond)
	m.Stop()
	m.Stop()
}

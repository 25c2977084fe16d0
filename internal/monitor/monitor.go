// Package monitor samples the worker process's own CPU and memory use and
// turns the readings into flow-control decisions: whether to throttle, how
// big the next batch should be, how many chunks may run concurrently, and
// how long to pause when pressure is high. One Monitor instance is
// constructed by the caller that owns the worker lifecycle and injected
// into everything that paces itself.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrResourcesExhausted is returned by WaitForResources when usage never
// dropped back under the max thresholds within the wait budget.
var ErrResourcesExhausted = errors.New("monitor: resources exhausted")

// Level classifies a sample against the configured thresholds.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelOverload
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelOverload:
		return "overload"
	default:
		return "normal"
	}
}

// Sample is one instantaneous usage reading. Only the most recent sample
// is retained; samples are never persisted.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	Timestamp     time.Time
}

// Thresholds are percentages. Warn marks the point where throttling
// starts; Max marks overload.
type Thresholds struct {
	WarnCPU    float64
	MaxCPU     float64
	WarnMemory float64
	MaxMemory  float64
}

// DefaultThresholds leave headroom before the worker starts shedding
// pace: throttle at 70% and treat 80% CPU / 85% memory as overload.
func DefaultThresholds() Thresholds {
	return Thresholds{WarnCPU: 70, MaxCPU: 80, WarnMemory: 70, MaxMemory: 85}
}

// Probe reads current process CPU and memory percentages. Injected so
// tests can drive the monitor to any pressure level.
type Probe func() (cpuPercent, memPercent float64, err error)

// Listener receives level-triggered pressure events. An event fires for
// every sample at warning or overload, not once per crossing, so
// consumers must tolerate repeats while the level persists.
type Listener func(level Level, s Sample)

// Monitor owns the sampling loop and derives pacing decisions from the
// latest sample. All methods are safe for concurrent use.
type Monitor struct {
	thresholds       Thresholds
	maxThrottleDelay time.Duration
	waitTimeout      time.Duration
	waitPoll         time.Duration
	cleanupMinGap    time.Duration
	maxConcurrency   int
	probe            Probe
	log              *slog.Logger

	mu          sync.RWMutex
	sample      Sample
	listeners   []Listener
	lastCleanup time.Time
	stop        chan struct{}
	done        chan struct{}
}

// New creates a Monitor with the given thresholds and default tunables.
// The default probe reads this process via gopsutil.
func New(t Thresholds) *Monitor {
	return &Monitor{
		thresholds:       t,
		maxThrottleDelay: 5 * time.Second,
		waitTimeout:      30 * time.Second,
		waitPoll:         500 * time.Millisecond,
		cleanupMinGap:    30 * time.Second,
		maxConcurrency:   8,
		probe:            processProbe(),
		log:              slog.Default().With("component", "monitor"),
	}
}

// WithProbe overrides the usage probe. Used by tests.
func (m *Monitor) WithProbe(p Probe) *Monitor {
	if p != nil {
		m.probe = p
	}
	return m
}

// WithMaxThrottleDelay caps ThrottleDelay. Values <= 0 are ignored.
func (m *Monitor) WithMaxThrottleDelay(d time.Duration) *Monitor {
	if d > 0 {
		m.maxThrottleDelay = d
	}
	return m
}

// WithWaitBudget overrides the WaitForResources timeout and poll
// interval. Values <= 0 are ignored.
func (m *Monitor) WithWaitBudget(timeout, poll time.Duration) *Monitor {
	if timeout > 0 {
		m.waitTimeout = timeout
	}
	if poll > 0 {
		m.waitPoll = poll
	}
	return m
}

// WithMaxConcurrency caps OptimalConcurrency. Values < 1 are ignored.
func (m *Monitor) WithMaxConcurrency(n int) *Monitor {
	if n >= 1 {
		m.maxConcurrency = n
	}
	return m
}

// WithLogger overrides the monitor logger.
func (m *Monitor) WithLogger(l *slog.Logger) *Monitor {
	if l != nil {
		m.log = l.With("component", "monitor")
	}
	return m
}

// processProbe builds the production probe: process CPU percent
// normalized by core count, and process RSS as a share of host memory.
func processProbe() Probe {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Self-lookup failing is unexpected; keep a probe that always
		// errors so sampling falls back to the last sample and logs.
		return func() (float64, float64, error) {
			return 0, 0, fmt.Errorf("monitor: open own process: %w", err)
		}
	}
	cores := float64(runtime.NumCPU())
	return func() (float64, float64, error) {
		cpu, err := proc.Percent(0)
		if err != nil {
			return 0, 0, err
		}
		mem, err := proc.MemoryPercent()
		if err != nil {
			return 0, 0, err
		}
		return cpu / cores, float64(mem), nil
	}
}

// Start begins periodic sampling on one goroutine. Calling Start on a
// running monitor is a no-op.
func (m *Monitor) Start(interval time.Duration) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.sampleOnce()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sampleOnce()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Notify registers a listener for warning/overload events.
func (m *Monitor) Notify(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// sampleOnce reads the probe and stores the result. A probe failure is
// logged and the previous sample is kept; sampling never fails outward.
func (m *Monitor) sampleOnce() {
	cpu, mem, err := m.probe()

	m.mu.Lock()
	if err != nil {
		m.sample.Timestamp = time.Now()
		sample := m.sample
		m.mu.Unlock()
		m.log.Warn("resource probe failed, reusing last sample",
			"error", err, "cpu", sample.CPUPercent, "memory", sample.MemoryPercent)
		return
	}
	m.sample = Sample{CPUPercent: cpu, MemoryPercent: mem, Timestamp: time.Now()}
	sample := m.sample
	listeners := m.listeners
	m.mu.Unlock()

	level := m.classify(sample)
	if level == LevelNormal {
		return
	}
	if level == LevelOverload {
		m.log.Warn("resource overload", "cpu", sample.CPUPercent, "memory", sample.MemoryPercent)
	}
	for _, l := range listeners {
		l(level, sample)
	}
}

// CurrentUsage returns the most recent sample.
func (m *Monitor) CurrentUsage() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sample
}

func (m *Monitor) classify(s Sample) Level {
	t := m.thresholds
	switch {
	case s.CPUPercent >= t.MaxCPU || s.MemoryPercent >= t.MaxMemory:
		return LevelOverload
	case s.CPUPercent >= t.WarnCPU || s.MemoryPercent >= t.WarnMemory:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// IsOverloaded reports whether CPU or memory is at or past its max.
func (m *Monitor) IsOverloaded() bool {
	return m.classify(m.CurrentUsage()) == LevelOverload
}

// ShouldThrottle reports whether CPU or memory is at or past its warning
// threshold.
func (m *Monitor) ShouldThrottle() bool {
	return m.classify(m.CurrentUsage()) != LevelNormal
}

// pressure returns how far the worst dimension is past its warning
// threshold, as a fraction of the warn-to-max span. 0 means at or below
// warning; values can exceed 1 when usage is past max.
func (m *Monitor) pressure() float64 {
	s := m.CurrentUsage()
	t := m.thresholds
	cpu := overageFraction(s.CPUPercent, t.WarnCPU, t.MaxCPU)
	mem := overageFraction(s.MemoryPercent, t.WarnMemory, t.MaxMemory)
	return max(cpu, mem)
}

func overageFraction(usage, warn, maxv float64) float64 {
	if usage <= warn {
		return 0
	}
	span := maxv - warn
	if span <= 0 {
		return 1
	}
	return (usage - warn) / span
}

// ThrottleDelay maps pressure to an extra inter-batch wait: zero below
// warning, growing linearly with the worst overage, capped at the
// configured maximum.
func (m *Monitor) ThrottleDelay() time.Duration {
	p := m.pressure()
	if p <= 0 {
		return 0
	}
	d := time.Duration(p * float64(m.maxThrottleDelay))
	return min(d, m.maxThrottleDelay)
}

// OptimalBatchSize shrinks the batch as pressure rises and grows it when
// the system is idle, clamped to [minSize, maxSize].
func (m *Monitor) OptimalBatchSize(base, minSize, maxSize int) int {
	if base < minSize {
		base = minSize
	}
	if base > maxSize {
		base = maxSize
	}

	switch p := m.pressure(); {
	case p >= 1:
		return minSize
	case p > 0:
		size := base - int(p*float64(base-minSize))
		return max(size, minSize)
	default:
		s := m.CurrentUsage()
		t := m.thresholds
		// Well under warning on both dimensions: take bigger bites.
		if s.CPUPercent < t.WarnCPU/2 && s.MemoryPercent < t.WarnMemory/2 {
			return min(base*2, maxSize)
		}
		return base
	}
}

// OptimalConcurrency returns how many chunks may be in flight at once:
// the configured maximum when idle, scaled down with pressure, never
// below 1.
func (m *Monitor) OptimalConcurrency() int {
	switch p := m.pressure(); {
	case p >= 1:
		return 1
	case p > 0:
		n := m.maxConcurrency - int(p*float64(m.maxConcurrency-1))
		return max(n, 1)
	default:
		return m.maxConcurrency
	}
}

// ForceCleanup requests an immediate best-effort memory reclaim. Calls
// closer together than the configured minimum gap are dropped, so a
// tight batch loop cannot turn GC into the bottleneck.
func (m *Monitor) ForceCleanup() {
	m.mu.Lock()
	if time.Since(m.lastCleanup) < m.cleanupMinGap {
		m.mu.Unlock()
		return
	}
	m.lastCleanup = time.Now()
	m.mu.Unlock()

	runtime.GC()
	debug.FreeOSMemory()
	m.log.Debug("forced memory cleanup")
}

// WaitForResources blocks, polling, until usage drops back under the max
// thresholds. It fails with ErrResourcesExhausted once the wait budget
// elapses, and with the context error if ctx is done first.
func (m *Monitor) WaitForResources(ctx context.Context) error {
	deadline := time.Now().Add(m.waitTimeout)
	for {
		m.sampleOnce()
		if !m.IsOverloaded() {
			return nil
		}
		if time.Now().After(deadline) {
			s := m.CurrentUsage()
			return fmt.Errorf("%w: cpu=%.1f%% memory=%.1f%% after %v",
				ErrResourcesExhausted, s.CPUPercent, s.MemoryPercent, m.waitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.waitPoll):
		}
	}
}

// Package batch runs large item sets through a worker function in
// resource-paced chunks. Chunk sizes and the concurrency degree are
// re-read from the injected monitor as the run progresses, so pressure
// changes mid-run take effect; chunk failures are independent and do not
// abort the run. Sustained throttling escalates to an emergency brake
// and, past a small budget, to a hard failure.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrBrakeExhausted is returned when the emergency brake fired more times
// than the run's budget allows. It signals structural overload, not a
// transient spike.
var ErrBrakeExhausted = errors.New("batch: emergency brake exhausted")

// Monitor is the consumer-side view of the resource monitor.
type Monitor interface {
	IsOverloaded() bool
	ShouldThrottle() bool
	ThrottleDelay() time.Duration
	OptimalBatchSize(base, minSize, maxSize int) int
	OptimalConcurrency() int
	ForceCleanup()
	WaitForResources(ctx context.Context) error
}

// WorkerFn processes one chunk. An error fails that chunk only.
type WorkerFn[T any] func(ctx context.Context, chunk []T) error

// Processor holds the pacing tunables shared by every Run call.
type Processor struct {
	mon Monitor
	log *slog.Logger

	baseChunkSize  int
	minChunkSize   int
	maxChunkSize   int
	maxConcurrency int
	baseDelay      time.Duration
	cleanupEvery   int
	brakeThreshold int
	brakeBudget    int
	brakePause     time.Duration
}

// NewProcessor creates a Processor with default tunables: chunks of 50
// items (10..200), at most 4 chunks in flight, 100ms between groups, a
// cleanup request every 5th group, and an emergency brake of 15s after 5
// consecutive throttled groups, aborting on the 3rd brake.
func NewProcessor(mon Monitor) *Processor {
	return &Processor{
		mon:            mon,
		log:            slog.Default().With("component", "batch"),
		baseChunkSize:  50,
		minChunkSize:   10,
		maxChunkSize:   200,
		maxConcurrency: 4,
		baseDelay:      100 * time.Millisecond,
		cleanupEvery:   5,
		brakeThreshold: 5,
		brakeBudget:    3,
		brakePause:     15 * time.Second,
	}
}

// WithChunkSizes overrides the base/min/max chunk sizes. Non-positive or
// inconsistent values are ignored.
func (p *Processor) WithChunkSizes(base, minSize, maxSize int) *Processor {
	if minSize >= 1 && base >= minSize && maxSize >= base {
		p.baseChunkSize, p.minChunkSize, p.maxChunkSize = base, minSize, maxSize
	}
	return p
}

// WithMaxConcurrency caps in-flight chunks per group. Values < 1 are ignored.
func (p *Processor) WithMaxConcurrency(n int) *Processor {
	if n >= 1 {
		p.maxConcurrency = n
	}
	return p
}

// WithBaseDelay overrides the inter-group delay. Negative values are ignored.
func (p *Processor) WithBaseDelay(d time.Duration) *Processor {
	if d >= 0 {
		p.baseDelay = d
	}
	return p
}

// WithBrake overrides the emergency-brake tunables: fire after threshold
// consecutive throttled groups, pause for the given duration, abort on
// the budget-th brake. Values < 1 (or a non-positive pause) are ignored.
func (p *Processor) WithBrake(threshold, budget int, pause time.Duration) *Processor {
	if threshold >= 1 && budget >= 1 && pause > 0 {
		p.brakeThreshold, p.brakeBudget, p.brakePause = threshold, budget, pause
	}
	return p
}

// WithCleanupEvery overrides the cleanup cadence in groups. Values < 1
// are ignored.
func (p *Processor) WithCleanupEvery(n int) *Processor {
	if n >= 1 {
		p.cleanupEvery = n
	}
	return p
}

// WithLogger overrides the processor logger.
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	if l != nil {
		p.log = l.With("component", "batch")
	}
	return p
}

// Result summarizes one Run for logging. Counters are atomic because
// chunks in a group complete concurrently.
type Result struct {
	Chunks       atomic.Int64
	FailedChunks atomic.Int64
	Items        atomic.Int64
	FailedItems  atomic.Int64
	Throttled    atomic.Int64
	Brakes       atomic.Int64
}

// LogValue implements slog.LogValuer so a whole result logs as one group.
func (r *Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("chunks", r.Chunks.Load()),
		slog.Int64("failed_chunks", r.FailedChunks.Load()),
		slog.Int64("items", r.Items.Load()),
		slog.Int64("failed_items", r.FailedItems.Load()),
		slog.Int64("throttled_groups", r.Throttled.Load()),
		slog.Int64("brakes", r.Brakes.Load()),
	)
}

// Run pushes items through fn. Chunks inside one group run concurrently
// and fail independently; groups are strictly ordered, group k+1 never
// starts before group k's inter-group wait has elapsed. Empty input
// returns immediately with a zero Result and no delay.
//
// Run fails as a whole only when the context is done, the monitor's
// overload wait times out, or the emergency brake budget is exhausted.
func Run[T any](ctx context.Context, p *Processor, items []T, fn WorkerFn[T], label string) (*Result, error) {
	res := &Result{}
	if len(items) == 0 {
		return res, nil
	}

	log := p.log.With("label", label)
	log.Info("batch run starting", "items", len(items))

	var (
		cursor          int
		group           int
		brakesApplied   int64
		throttledStreak int
	)

	for cursor < len(items) {
		// Pressure gate before every group. A timeout here means the
		// system never recovered inside the wait budget; the run fails
		// rather than hanging.
		if p.mon.IsOverloaded() {
			if err := p.mon.WaitForResources(ctx); err != nil {
				return res, fmt.Errorf("batch %s: group %d: %w", label, group, err)
			}
		}

		chunks, next := takeGroup(p, items, cursor)
		cursor = next
		group++

		runGroup(ctx, chunks, fn, log, res)

		if group%p.cleanupEvery == 0 {
			p.mon.ForceCleanup()
		}

		if cursor >= len(items) {
			break
		}

		delay := p.baseDelay
		if p.mon.ShouldThrottle() {
			delay += p.mon.ThrottleDelay()
			throttledStreak++
			res.Throttled.Add(1)
		} else {
			throttledStreak = 0
		}

		if throttledStreak >= p.brakeThreshold {
			throttledStreak = 0
			brakesApplied++
			res.Brakes.Add(1)
			if brakesApplied >= int64(p.brakeBudget) {
				return res, fmt.Errorf("batch %s: %d brakes applied: %w", label, brakesApplied, ErrBrakeExhausted)
			}
			log.Warn("emergency brake", "pause", p.brakePause, "brakes", brakesApplied)
			delay = p.brakePause
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return res, err
		}
	}

	log.Info("batch run finished", "result", res)
	return res, nil
}

// takeGroup slices the next group of chunks off items starting at cursor.
// Each chunk's size is read fresh from the monitor so a pressure change
// lands on the very next chunk, and the group width follows the current
// concurrency allowance.
func takeGroup[T any](p *Processor, items []T, cursor int) ([][]T, int) {
	width := min(p.mon.OptimalConcurrency(), p.maxConcurrency)
	if width < 1 {
		width = 1
	}

	var chunks [][]T
	for len(chunks) < width && cursor < len(items) {
		size := p.mon.OptimalBatchSize(p.baseChunkSize, p.minChunkSize, p.maxChunkSize)
		if size < 1 {
			size = 1
		}
		end := min(cursor+size, len(items))
		chunks = append(chunks, items[cursor:end])
		cursor = end
	}
	return chunks, cursor
}

// runGroup executes one group's chunks concurrently. Chunk errors are
// logged and counted, never propagated; a failed chunk does not stop the
// remaining chunks or groups.
func runGroup[T any](ctx context.Context, chunks [][]T, fn WorkerFn[T], log *slog.Logger, res *Result) {
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			res.Chunks.Add(1)
			res.Items.Add(int64(len(chunk)))
			if err := fn(gctx, chunk); err != nil {
				res.FailedChunks.Add(1)
				res.FailedItems.Add(int64(len(chunk)))
				log.Error("chunk failed", "chunk", i, "size", len(chunk), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

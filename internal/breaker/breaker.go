// Package breaker wraps one class of downstream call with a circuit
// breaker. A failure streak opens the circuit; while open, calls fail
// immediately with ErrOpen instead of touching the downstream, which the
// caller can tell apart from a real downstream failure. After a cool-down
// a single trial call decides whether the circuit closes again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit rejects a call without invoking
// the wrapped function. Check with errors.Is.
var ErrOpen = errors.New("breaker: circuit open")

// State of the circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker tracks a rolling window of failures for one downstream. The
// zero value is not usable; construct with New.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	trial    bool
}

// New creates a closed Breaker. threshold is the number of failures
// inside the rolling window that trips it; cooldown is how long it stays
// open before allowing a trial call; window bounds how long a failure
// counts against the threshold.
func New(threshold int, cooldown, window time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		window:    window,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	if now != nil {
		b.now = now
	}
	return b
}

// State returns the current circuit state, accounting for an elapsed
// cool-down (an open circuit whose cool-down has passed reports
// half-open).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs fn under the circuit's supervision.
//
// Closed: fn runs; success clears the failure record, failure appends to
// it and trips the circuit once the in-window count reaches the
// threshold. Open: before the cool-down elapses Do fails fast with
// ErrOpen; after it, exactly one caller gets a trial invocation whose
// success closes the circuit and whose failure reopens it. Concurrent
// callers while the trial is in flight get ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// admit decides whether a call may proceed, transitioning OPEN→HALF_OPEN
// when the cool-down has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		remaining := b.cooldown - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return fmt.Errorf("%w: retry in %v", ErrOpen, remaining.Round(time.Millisecond))
		}
		b.state = HalfOpen
		b.trial = true
		return nil
	default: // HalfOpen
		if b.trial {
			return fmt.Errorf("%w: trial call in flight", ErrOpen)
		}
		b.trial = true
		return nil
	}
}

// recordSuccess is called with the lock held.
func (b *Breaker) recordSuccess() {
	b.failures = b.failures[:0]
	b.state = Closed
	b.trial = false
}

// recordFailure is called with the lock held.
func (b *Breaker) recordFailure() {
	now := b.now()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = now
		b.trial = false
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.threshold {
		b.state = Open
		b.openedAt = now
		b.failures = b.failures[:0]
	}
}

// prune drops failures older than the rolling window.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

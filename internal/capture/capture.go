package capture

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrCapacityExceeded is returned when a cycle records more checkpoints or
// counters than the buffer was sized for.
var ErrCapacityExceeded = errors.New("capture buffer capacity exceeded")

// Spot is one labeled checkpoint within a cycle.
type Spot struct {
	Label uint32
	When  time.Time
}

// Counter is a named value recorded within a cycle.
type Counter struct {
	Label uint32
	N     uint64
}

// Timing is a drained checkpoint: the time elapsed since the previous
// checkpoint of the same cycle.
type Timing struct {
	Label    uint32
	Duration time.Duration
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock overrides the clock used to timestamp checkpoints.
func WithClock(now func() time.Time) Option { return func(b *Buffer) { b.nowFn = now } }

// Buffer holds the checkpoints and counters of one producer. Both sequences
// are allocated up front so Capture and Count never touch the heap.
//
// A Buffer is owned by a single goroutine and is not safe for concurrent use.
type Buffer struct {
	spots    []Spot
	counters []Counter

	spot    int
	counter int
	last    time.Time

	nowFn func() time.Time
}

// New returns a Buffer with room for maxSpots checkpoints and maxCounters
// counters per cycle. Negative sizes are treated as zero.
func New(maxSpots, maxCounters int, opts ...Option) *Buffer {
	if maxSpots < 0 {
		maxSpots = 0
	}

	if maxCounters < 0 {
		maxCounters = 0
	}

	b := &Buffer{
		spots:    make([]Spot, maxSpots),
		counters: make([]Counter, maxCounters),
		nowFn:    time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Capture timestamps the next checkpoint slot with label.
func (b *Buffer) Capture(label uint32) error {
	if b.spot >= len(b.spots) {
		return fmt.Errorf("checkpoint %d: %w (capacity %d)", label, ErrCapacityExceeded, len(b.spots))
	}

	b.spots[b.spot] = Spot{Label: label, When: b.nowFn()}
	b.spot++

	return nil
}

// Count records n under label in the next counter slot.
func (b *Buffer) Count(label uint32, n uint64) error {
	if b.counter >= len(b.counters) {
		return fmt.Errorf("counter %d: %w (capacity %d)", label, ErrCapacityExceeded, len(b.counters))
	}

	b.counters[b.counter] = Counter{Label: label, N: n}
	b.counter++

	return nil
}

// Checkpoints drains the cycle's checkpoints in capture order. The first
// entry always has a zero duration.
func (b *Buffer) Checkpoints() []Timing {
	out := make([]Timing, 0, b.spot)

	for _, s := range b.spots[:b.spot] {
		var d time.Duration
		if !b.last.IsZero() {
			d = s.When.Sub(b.last)
		}

		out = append(out, Timing{Label: s.Label, Duration: d})
		b.last = s.When
	}

	b.spot = 0
	b.last = time.Time{}

	return out
}

// Counters drains the cycle's counters in call order.
func (b *Buffer) Counters() []Counter {
	out := make([]Counter, b.counter)
	copy(out, b.counters[:b.counter])
	b.counter = 0

	return out
}

// Reset discards the current cycle without producing readings.
func (b *Buffer) Reset() {
	b.spot = 0
	b.counter = 0
	b.last = time.Time{}
}

// Len returns the number of checkpoints captured in the current cycle.
func (b *Buffer) Len() int { return b.spot }

// CounterLen returns the number of counters recorded in the current cycle.
func (b *Buffer) CounterLen() int { return b.counter }

// Cap returns the configured checkpoint capacity.
func (b *Buffer) Cap() int { return len(b.spots) }

// CounterCap returns the configured counter capacity.
func (b *Buffer) CounterCap() int { return len(b.counters) }

// Line returns the source line of its caller, for use as a checkpoint label.
func Line() uint32 {
	_, _, line, ok := runtime.Caller(1)
	if !ok || line < 0 {
		return 0
	}

	return uint32(line)
}

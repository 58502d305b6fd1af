package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"dash0.com/fn-time/internal/sink"
	"dash0.com/fn-time/internal/transport"
)

// DefaultTopN is the number of slowest durations kept per label when no
// positive size is configured.
const DefaultTopN = 10

// Source is the consumer side of the transport.
type Source interface {
	Recv(ctx context.Context) (transport.Reading, error)
	TryRecv() (transport.Reading, error)
	Len() int
	Shutdown() int
}

// State is the lifecycle state of the aggregation loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Aggregator keeps running averages and top-N slowest durations per label and
// publishes batched snapshots every time the cycle counter crosses resetAt.
type Aggregator struct {
	src     Source
	sink    sink.Sink
	logger  *slog.Logger
	topN    int
	resetAt uint64

	// Owned by the loop goroutine once started.
	tops      map[uint32][]time.Duration
	totals    map[uint32]time.Duration
	totalTime time.Duration
	visits    uint64
	count     uint64
	pending   []sink.Snapshot

	state     atomic.Int32
	startOnce sync.Once
	mu        sync.Mutex // guards cancel
	cancel    context.CancelFunc
	done      chan struct{}

	// Optional metric callbacks provided by the owner (e.g., orchestrator).
	incrFlushes       func(int64)
	incrPublishFailed func(int64)
	incrProcessed     func(int64)
}

func New(src Source, s sink.Sink, logger *slog.Logger, topN int, resetAt uint64) *Aggregator {
	if topN <= 0 {
		topN = DefaultTopN
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{
		src:     src,
		sink:    s,
		logger:  logger,
		topN:    topN,
		resetAt: resetAt,
		tops:    make(map[uint32][]time.Duration, 32),
		totals:  make(map[uint32]time.Duration, 32),
		done:    make(chan struct{}),
	}
}

// SetMetricsCallbacks installs optional callbacks for metrics updates.
// If not provided, metrics are not recorded by the aggregator.
func (a *Aggregator) SetMetricsCallbacks(incrFlushes, incrPublishFailed, incrProcessed func(int64)) {
	a.incrFlushes = incrFlushes
	a.incrPublishFailed = incrPublishFailed
	a.incrProcessed = incrProcessed
}

// Start begins the aggregation loop. Only the first call has an effect.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.mu.Lock()
		ctx, a.cancel = context.WithCancel(ctx)
		a.state.Store(int32(StateRunning))
		a.mu.Unlock()

		go a.run(ctx)
	})
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)
	defer a.state.Store(int32(StateStopped))

	for {
		r, err := a.src.Recv(ctx)
		if err != nil {
			a.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested))

			switch {
			case errors.Is(err, transport.ErrDisconnected):
				a.logger.Debug("aggregator: all senders released")
			case ctx.Err() != nil:
				a.drainQueued()
			default:
				a.logger.Warn("aggregator: receive failed", slog.String("err", err.Error()))
			}

			a.flush(context.WithoutCancel(ctx))

			if n := a.src.Shutdown(); n > 0 {
				a.logger.Warn("aggregator: discarded readings at shutdown", slog.Int("n", n))
			}

			return
		}

		a.Process(r)
	}
}

// drainQueued processes the readings already queued when the stop was
// requested. Readings sent afterwards are left for Shutdown to discard.
func (a *Aggregator) drainQueued() {
	for n := a.src.Len(); n > 0; n-- {
		r, err := a.src.TryRecv()
		if err != nil {
			return
		}

		a.Process(r)
	}
}

// Stop requests the loop to stop and waits for it to exit or for ctx to be done.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}

	a.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested))
	cancel()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (a *Aggregator) Done() <-chan struct{} { return a.done }

// State reports the lifecycle state.
func (a *Aggregator) State() State { return State(a.state.Load()) }

// Process folds one reading into the statistics and queues its snapshot.
// Once Start has been called it must only be invoked by the loop.
func (a *Aggregator) Process(r transport.Reading) {
	// Percentages are relative to the overall average before this reading.
	var overall time.Duration
	if a.visits > 0 {
		overall = a.totalTime / time.Duration(a.visits)
	}

	a.visits++

	snap := sink.Snapshot{
		Capture: make([]sink.LineTiming, 0, len(r.Timings)),
		Count:   make([]sink.Count, 0, len(r.Counters)),
	}

	for _, tm := range r.Timings {
		a.totalTime += tm.Duration
		a.totals[tm.Label] += tm.Duration
		lineAvg := a.totals[tm.Label] / time.Duration(a.visits)

		top := insertTop(a.tops[tm.Label], tm.Duration, a.topN)
		a.tops[tm.Label] = top

		measures := make([]sink.Measure, len(top))
		for i, d := range top {
			measures[i] = sink.Measure{Duration: d, Percent: percentOf(d, overall)}
		}

		snap.Capture = append(snap.Capture, sink.LineTiming{
			LineNumber:    tm.Label,
			TopDurations:  measures,
			AverageOfLine: sink.Measure{Duration: lineAvg, Percent: percentOf(lineAvg, overall)},
		})
	}

	for _, c := range r.Counters {
		snap.Count = append(snap.Count, sink.Count{Line: c.Label, N: c.N})
	}

	a.pending = append(a.pending, snap)

	if a.incrProcessed != nil {
		a.incrProcessed(1)
	}

	a.count++
	if a.count > a.resetAt {
		a.tops = make(map[uint32][]time.Duration, len(a.tops))
		a.count = 0
		a.flush(context.Background())
	}
}

// flush publishes the pending snapshots in arrival order. Records a sink
// cannot accept are dropped; a serialization fault panics.
func (a *Aggregator) flush(ctx context.Context) {
	if len(a.pending) == 0 {
		return
	}

	var failed int64

	for _, snap := range a.pending {
		err := a.sink.Publish(ctx, snap)
		if err == nil {
			continue
		}

		if errors.Is(err, sink.ErrSerialization) {
			panic(fmt.Errorf("aggregator: %w", err))
		}

		failed++

		a.logger.Error(
			"failed to publish snapshot",
			slog.String("err", err.Error()),
			slog.Int("lines", len(snap.Capture)),
			slog.Int("counters", len(snap.Count)),
			slog.String("sink", fmt.Sprintf("%T", a.sink)),
		)
	}

	if failed > 0 && a.incrPublishFailed != nil {
		a.incrPublishFailed(failed)
	}

	if a.incrFlushes != nil {
		a.incrFlushes(1)
	}

	clear(a.pending)
	a.pending = a.pending[:0]
}

// Average returns the running average of label over every visit so far.
func (a *Aggregator) Average(label uint32) time.Duration {
	if a.visits == 0 {
		return 0
	}

	return a.totals[label] / time.Duration(a.visits)
}

// Top returns a copy of the current top-N list of label, slowest first.
func (a *Aggregator) Top(label uint32) []time.Duration { return slices.Clone(a.tops[label]) }

// Visits returns the number of readings processed.
func (a *Aggregator) Visits() uint64 { return a.visits }

// Pending returns the number of snapshots waiting for the next flush.
func (a *Aggregator) Pending() int { return len(a.pending) }

// insertTop adds d to top, keeping it sorted descending and at most n long.
func insertTop(top []time.Duration, d time.Duration, n int) []time.Duration {
	top = append(top, d)
	slices.SortFunc(top, func(x, y time.Duration) int { return cmp.Compare(y, x) })

	if len(top) > n {
		top = top[:n]
	}

	return top
}

func percentOf(d, avg time.Duration) float64 {
	if avg <= 0 {
		return 0
	}

	return float64(d) / float64(avg) * 100
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"dash0.com/fn-time/internal/capture"
)

var (
	// ErrClosed is reported when a reading is sent after the consumer has shut down.
	ErrClosed = errors.New("transport closed")
	// ErrDisconnected is returned by Recv once every sender has been released
	// and the queue is empty.
	ErrDisconnected = errors.New("transport disconnected")
)

// Reading is the drained output of one producer cycle.
type Reading struct {
	Timings  []capture.Timing
	Counters []capture.Counter
}

// Drainer is the producer-side buffer a reading is drained from.
type Drainer interface {
	Checkpoints() []capture.Timing
	Counters() []capture.Counter
}

// Option configures a Transport.
type Option func(*Transport)

// WithDropCallback installs a callback invoked for every reading dropped
// because the consumer is gone.
func WithDropCallback(fn func(n int64)) Option { return func(t *Transport) { t.onDrop = fn } }

// WithSendCallback installs a callback invoked for every reading enqueued.
func WithSendCallback(fn func(n int64)) Option { return func(t *Transport) { t.onSend = fn } }

// Transport is an unbounded multi-producer, single-consumer queue of readings.
// Send never blocks; a slow consumer grows the queue instead.
type Transport struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Reading
	senders int
	issued  bool
	closed  bool

	// notify holds at most one pending wake-up for the consumer.
	notify chan struct{}

	onDrop func(int64)
	onSend func(int64)
}

// New returns an open Transport.
func New(logger *slog.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{
		logger: logger,
		notify: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Send drains both sequences of d into one Reading and enqueues it.
// It reports false, after logging, if the consumer has already shut down.
func (t *Transport) Send(d Drainer) bool {
	r := Reading{Timings: d.Checkpoints(), Counters: d.Counters()}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Warn("dropping reading",
			slog.String("err", ErrClosed.Error()),
			slog.Int("timings", len(r.Timings)),
			slog.Int("counters", len(r.Counters)),
		)

		if t.onDrop != nil {
			t.onDrop(1)
		}

		return false
	}

	t.queue = append(t.queue, r)
	t.mu.Unlock()

	t.wake()

	if t.onSend != nil {
		t.onSend(1)
	}

	return true
}

// NewSender issues a producer handle. The transport disconnects once every
// issued handle has been released.
func (t *Transport) NewSender() *Sender {
	t.mu.Lock()
	t.senders++
	t.issued = true
	t.mu.Unlock()

	return &Sender{t: t}
}

// Recv returns the next reading in arrival order. It waits until a reading
// is available, the transport disconnects, or ctx is done. A done ctx wins
// over queued readings; callers drain those with TryRecv.
func (t *Transport) Recv(ctx context.Context) (Reading, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}

		r, err := t.TryRecv()
		if err == nil || !errors.Is(err, errEmpty) {
			return r, err
		}

		select {
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		case <-t.notify:
		}
	}
}

var errEmpty = errors.New("transport empty")

// TryRecv returns the next reading without waiting. The error is
// ErrDisconnected, ErrClosed or an internal empty marker when nothing is queued.
func (t *Transport) TryRecv() (Reading, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Reading{}, ErrClosed
	}

	if len(t.queue) > 0 {
		r := t.queue[0]
		t.queue[0] = Reading{}
		t.queue = t.queue[1:]

		return r, nil
	}

	if t.issued && t.senders == 0 {
		return Reading{}, ErrDisconnected
	}

	return Reading{}, errEmpty
}

// IsEmpty reports whether err from TryRecv only means nothing was queued.
func IsEmpty(err error) bool { return errors.Is(err, errEmpty) }

// Shutdown marks the consumer as gone. Queued readings are discarded and
// later sends are dropped.
func (t *Transport) Shutdown() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.queue)
	t.closed = true
	t.queue = nil

	return n
}

// Len returns the number of queued readings.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.queue)
}

func (t *Transport) release() {
	t.mu.Lock()
	t.senders--
	t.mu.Unlock()

	t.wake()
}

func (t *Transport) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Sender is a producer handle on a Transport.
type Sender struct {
	t    *Transport
	once sync.Once
}

// Send drains d into the transport; see Transport.Send.
func (s *Sender) Send(d Drainer) bool { return s.t.Send(d) }

// Release gives the handle back. It is safe to call more than once.
func (s *Sender) Release() { s.once.Do(s.t.release) }

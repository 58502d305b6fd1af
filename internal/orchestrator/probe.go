package orchestrator

import (
	"log/slog"

	"dash0.com/fn-time/internal/capture"
	"dash0.com/fn-time/internal/transport"
)

// Probe is the per-producer handle: a capture buffer sized from the service
// configuration plus a sender on the service transport. Capacity errors are
// logged and the value dropped; they never reach the instrumented code.
type Probe struct {
	buf    *capture.Buffer
	sender *transport.Sender
	logger *slog.Logger
}

// NewProbe returns a Probe for one producer goroutine.
func (s *Service) NewProbe(opts ...capture.Option) *Probe {
	return &Probe{
		buf:    capture.New(s.Cfg.MaxCaptureSlots, s.Cfg.MaxCounterSlots, opts...),
		sender: s.Transport.NewSender(),
		logger: s.Logger,
	}
}

// Capture records a checkpoint.
func (p *Probe) Capture(label uint32) {
	if err := p.buf.Capture(label); err != nil {
		p.logger.Error("capture dropped", slog.String("err", err.Error()))
	}
}

// Count records a counter value.
func (p *Probe) Count(label uint32, n uint64) {
	if err := p.buf.Count(label, n); err != nil {
		p.logger.Error("counter dropped", slog.String("err", err.Error()))
	}
}

// Send ends the cycle and ships its reading to the aggregator.
func (p *Probe) Send() bool { return p.sender.Send(p.buf) }

// Release gives the transport handle back once the producer is done.
func (p *Probe) Release() { p.sender.Release() }

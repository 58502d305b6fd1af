package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"dash0.com/fn-time/internal/aggregator"
	cfgpkg "dash0.com/fn-time/internal/config"
	"dash0.com/fn-time/internal/otlp"
	"dash0.com/fn-time/internal/sink"
	"dash0.com/fn-time/internal/transport"
)

const instrumentationName = "dash0.com/fn-time"

// Service owns the transport and the aggregator and coordinates their
// lifecycle. It is the handle instrumented code obtains probes from.
type Service struct {
	Cfg    cfgpkg.Config
	Logger *slog.Logger
	Tracer oteltrace.Tracer
	Meter  otelmetric.Meter

	// Metrics
	ReadingsSent      otelmetric.Int64Counter
	ReadingsDropped   otelmetric.Int64Counter
	ReadingsProcessed otelmetric.Int64Counter
	Flushes           otelmetric.Int64Counter
	PublishFailed     otelmetric.Int64Counter

	Transport  *transport.Transport
	Aggregator *aggregator.Aggregator

	// keepalive keeps the transport connected between producer handles so
	// handles issued after an idle gap still reach the aggregator. Close
	// releases it.
	keepalive *transport.Sender

	outSink sink.Sink
	closers []io.Closer

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option customises a Service.
type Option func(*Service) error

// WithSink overrides the sink selected from the configuration (useful for tests).
func WithSink(s sink.Sink) Option {
	return func(svc *Service) error { svc.outSink = s; return nil }
}

func New(cfg cfgpkg.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		Cfg:    cfg,
		Logger: logger,
		Tracer: otel.Tracer(instrumentationName),
		Meter:  otel.Meter(instrumentationName),
	}

	counters := []struct {
		dst  *otelmetric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&s.ReadingsSent, "fntime.readings.sent", "The number of readings handed to the transport", "{reading}"},
		{&s.ReadingsDropped, "fntime.readings.dropped", "The number of readings dropped after the aggregator stopped", "{reading}"},
		{&s.ReadingsProcessed, "fntime.readings.processed", "The number of readings folded into the statistics", "{reading}"},
		{&s.Flushes, "fntime.flushes", "Number of snapshot flushes", "{flush}"},
		{&s.PublishFailed, "fntime.publish.failed", "Number of snapshot records the sink could not accept", "{record}"},
	}

	for _, c := range counters {
		ctr, err := s.Meter.Int64Counter(c.name, otelmetric.WithDescription(c.desc), otelmetric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}

		*c.dst = ctr
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.outSink == nil {
		out, closer, err := buildSink(cfg)
		if err != nil {
			return nil, err
		}

		s.outSink = out
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
	}

	s.Transport = transport.New(logger,
		transport.WithSendCallback(func(n int64) { s.IncrMetric(context.Background(), MetricReadingsSent, n) }),
		transport.WithDropCallback(func(n int64) { s.IncrMetric(context.Background(), MetricReadingsDropped, n) }),
	)
	s.keepalive = s.Transport.NewSender()

	s.Aggregator = aggregator.New(s.Transport, s.outSink, logger, cfg.TopN, cfg.ResetAt)
	// Wire aggregator metric callbacks
	s.Aggregator.SetMetricsCallbacks(
		func(n int64) { s.IncrMetric(context.Background(), MetricFlushes, n) },
		func(n int64) { s.IncrMetric(context.Background(), MetricPublishFailed, n) },
		func(n int64) { s.IncrMetric(context.Background(), MetricReadingsProcessed, n) },
	)

	return s, nil
}

// buildSink selects the output for cfg.Output. Several comma-separated modes
// fan out through sink.Multi; the returned closer closes all of them.
func buildSink(cfg cfgpkg.Config) (sink.Sink, io.Closer, error) {
	outs := cfg.Outputs()
	if len(outs) == 0 {
		return sink.NewStdoutPrint(), nil, nil
	}

	var (
		sinks   []sink.Sink
		closers multiCloser
	)

	for _, o := range outs {
		out, closer, err := buildOne(cfg, o)
		if err != nil {
			_ = closers.Close()
			return nil, nil, err
		}

		sinks = append(sinks, out)
		if closer != nil {
			closers = append(closers, closer)
		}
	}

	var closer io.Closer
	if len(closers) > 0 {
		closer = closers
	}

	if len(sinks) == 1 {
		return sinks[0], closer, nil
	}

	return sink.Multi(sinks...), closer, nil
}

func buildOne(cfg cfgpkg.Config, output string) (sink.Sink, io.Closer, error) {
	switch output {
	case cfgpkg.OutputPrint:
		return sink.NewStdoutPrint(), nil, nil
	case cfgpkg.OutputJSON:
		fs, err := sink.NewFileSink(cfg.OutputFile)
		if err != nil {
			return nil, nil, err
		}

		return fs, nil, nil
	case cfgpkg.OutputWS:
		ws := sink.NewWebSocketSink(cfg.WSURL)
		return ws, ws, nil
	case cfgpkg.OutputOTLP:
		conn, err := otlp.Dial(cfg.OTLPEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("dial otlp endpoint %q: %w", cfg.OTLPEndpoint, err)
		}

		return otlp.NewSink(conn, instrumentationName), conn, nil
	default:
		return nil, nil, fmt.Errorf("unknown output %q", output)
	}
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var err error
	for _, c := range m {
		err = errors.Join(err, c.Close())
	}

	return err
}

// Start starts the aggregator.
// It is safe to call more than once; subsequent calls are no-ops.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}

	ctx, span := s.Tracer.Start(ctx, "orchestrator.Start")
	defer span.End()

	s.Logger.DebugContext(ctx, "orchestrator.Start: begin")
	s.started = true
	s.Aggregator.Start(context.WithoutCancel(ctx))
	s.Logger.DebugContext(ctx, "orchestrator.Start: started aggregator", slog.Int("queue_len", s.Transport.Len()))
}

// Close stops the aggregator, waiting for it to flush and exit or for ctx to
// be done, then releases the sink. Subsequent calls are no-ops.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	ctx, span := s.Tracer.Start(ctx, "orchestrator.Close")
	defer span.End()

	s.Logger.DebugContext(ctx, "orchestrator.Close: begin", slog.String("state", s.Aggregator.State().String()))

	s.keepalive.Release()

	var err error
	if s.started {
		err = s.Aggregator.Stop(ctx)
	} else {
		s.Transport.Shutdown()
	}

	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}

	span.SetAttributes(attribute.String("aggregator.state", s.Aggregator.State().String()))
	s.Logger.DebugContext(ctx, "orchestrator.Close: end", slog.String("state", s.Aggregator.State().String()))

	return err
}

// MetricType enumerates orchestrator metric counters.
type MetricType int

const (
	MetricReadingsSent MetricType = iota
	MetricReadingsDropped
	MetricReadingsProcessed
	MetricFlushes
	MetricPublishFailed
)

// IncrMetric increments the selected metric by n (if n > 0).
func (s *Service) IncrMetric(ctx context.Context, mt MetricType, n int64) {
	if n <= 0 {
		return
	}

	switch mt {
	case MetricReadingsSent:
		s.ReadingsSent.Add(ctx, n)
	case MetricReadingsDropped:
		s.ReadingsDropped.Add(ctx, n)
	case MetricReadingsProcessed:
		s.ReadingsProcessed.Add(ctx, n)
	case MetricFlushes:
		s.Flushes.Add(ctx, n)
	case MetricPublishFailed:
		s.PublishFailed.Add(ctx, n)
	}
}

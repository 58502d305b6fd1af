package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"dash0.com/fn-time/internal/capture"
	cfgpkg "dash0.com/fn-time/internal/config"
	"dash0.com/fn-time/internal/orchestrator"
	otelsetup "dash0.com/fn-time/internal/otel"
)

const name = "dash0.com/fn-time"

func main() {
	if err := run(); err != nil {
		log.Fatalln(err)
	}
}

func run() (err error) {
	readFlags := cfgpkg.RegisterFlags()

	flag.Parse()

	cfg, err := readFlags()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return err
	}

	// Instance logger bridged to OTel.
	logger := slog.New(&levelHandler{level: level, next: otelslog.NewHandler(name)})
	slog.SetDefault(logger)
	logger.Info("Starting fn-time demo", slog.String("output", cfg.Output))

	otelShutdown, err := otelsetup.Setup(context.Background(), otelsetup.Options{ServiceName: "fn-time-demo"})
	if err != nil {
		return
	}

	defer func() { err = errors.Join(err, otelShutdown(context.Background())) }()

	svc, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}

	// Derive a context canceled on SIGINT/SIGTERM for graceful shutdown
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Start(sigCtx)

	runProducers(sigCtx, svc, cfg.Producers, cfg.Iterations, time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	return svc.Close(shutdownCtx)
}

// runProducers drives n concurrent producers through iterations timed cycles
// each, sleeping multiples of unit between checkpoints.
func runProducers(ctx context.Context, svc *orchestrator.Service, n, iterations int, unit time.Duration) {
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		p := svc.NewProbe()

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer p.Release()

			for j := 0; j < iterations && ctx.Err() == nil; j++ {
				timedWork(p, unit)
			}
		}()
	}

	wg.Wait()
}

func timedWork(p *orchestrator.Probe, unit time.Duration) {
	p.Capture(capture.Line())
	time.Sleep(2 * unit)
	p.Capture(capture.Line())
	time.Sleep(2 * unit)

	jitter := rand.IntN(4) + 1
	time.Sleep(time.Duration(jitter) * unit)
	p.Capture(capture.Line())
	p.Count(capture.Line(), uint64(jitter))
	time.Sleep(2 * unit)
	p.Capture(capture.Line())

	p.Send()
}

// levelHandler drops records below level before they reach next.
type levelHandler struct {
	level slog.Leveler
	next  slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.next.Enabled(ctx, l)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error { return h.next.Handle(ctx, r) }

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithGroup(name)}
}

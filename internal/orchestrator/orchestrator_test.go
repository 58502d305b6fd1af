package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"dash0.com/fn-time/internal/aggregator"
	"dash0.com/fn-time/internal/capture"
	cfgpkg "dash0.com/fn-time/internal/config"
	"dash0.com/fn-time/internal/sink"
	"dash0.com/fn-time/internal/sink/mocks"
)

func testConfig() cfgpkg.Config {
	cfg := cfgpkg.DefaultConfig()
	cfg.MaxCaptureSlots = 4
	cfg.MaxCounterSlots = 1
	cfg.ResetAt = 1
	cfg.TopN = 3
	cfg.GracefulTimeout = time.Second

	return cfg
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNew_LifecycleIsIdempotent(t *testing.T) {
	s, err := New(testConfig(), discardLogger(), WithSink(sink.NewJSONSink(io.Discard)))
	require.NoError(t, err)
	require.NotNil(t, s.Aggregator)

	ctx := context.Background()
	s.Start(ctx)
	// Idempotent start
	s.Start(ctx)
	require.NoError(t, s.Close(ctx))
	// Idempotent close
	require.NoError(t, s.Close(ctx))

	// Start after close is a no-op.
	s.Start(ctx)
}

func TestClose_WithoutStart(t *testing.T) {
	s, err := New(testConfig(), discardLogger(), WithSink(sink.NewJSONSink(io.Discard)))
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	p := s.NewProbe()
	p.Capture(1)
	require.False(t, p.Send())
}

func TestProbe_ReadingsReachSink(t *testing.T) {
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockSink(ctrl)

	var (
		mu  sync.Mutex
		got []sink.Snapshot
	)

	ms.EXPECT().Publish(gomock.Any(), gomock.AssignableToTypeOf(sink.Snapshot{})).DoAndReturn(
		func(_ context.Context, s sink.Snapshot) error {
			mu.Lock()
			defer mu.Unlock()

			got = append(got, s)

			return nil
		},
	).Times(3)

	s, err := New(testConfig(), discardLogger(), WithSink(ms))
	require.NoError(t, err)
	s.Start(context.Background())

	step := 0
	clock := func() time.Time {
		step++
		return time.Unix(0, 0).Add(time.Duration(step) * time.Millisecond)
	}

	p := s.NewProbe(capture.WithClock(clock))
	for i := 0; i < 3; i++ {
		p.Capture(10)
		p.Capture(20)
		p.Count(5, uint64(i))
		p.Count(6, 99) // beyond capacity: dropped, not surfaced
		require.True(t, p.Send())
	}
	p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, got, 3)

	for i, snap := range got {
		require.Len(t, snap.Capture, 2)
		require.EqualValues(t, 10, snap.Capture[0].LineNumber)
		require.Equal(t, time.Millisecond, snap.Capture[1].TopDurations[0].Duration)
		require.Equal(t, []sink.Count{{Line: 5, N: uint64(i)}}, snap.Count)
	}
}

func TestNewHandle_AfterIdleGapStillDelivers(t *testing.T) {
	var buf bytes.Buffer

	cfg := testConfig()
	cfg.ResetAt = 100

	s, err := New(cfg, discardLogger(), WithSink(sink.NewJSONSink(&buf)))
	require.NoError(t, err)
	s.Start(context.Background())

	first := s.NewProbe()
	first.Capture(1)
	first.Capture(2)
	require.True(t, first.Send())
	first.Release()

	// No producer handle is live; the aggregator must keep running.
	require.Never(t, func() bool {
		return s.Aggregator.State() != aggregator.StateRunning
	}, 50*time.Millisecond, 5*time.Millisecond)

	second := s.NewProbe()
	second.Capture(3)
	second.Capture(4)
	require.True(t, second.Send())
	second.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	require.Equal(t, aggregator.StateStopped, s.Aggregator.State())

	snaps, err := sink.ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.EqualValues(t, 1, snaps[0].Capture[0].LineNumber)
	require.EqualValues(t, 3, snaps[1].Capture[0].LineNumber)
}

func TestNew_JSONOutputTruncatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	cfg := testConfig()
	cfg.Output = cfgpkg.OutputJSON
	cfg.OutputFile = path

	s, err := New(cfg, discardLogger())
	require.NoError(t, err)
	s.Start(context.Background())

	p := s.NewProbe()
	p.Capture(1)
	p.Capture(2)
	p.Send()
	p.Release()

	require.NoError(t, s.Close(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	snaps, err := sink.ReadAll(f)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.EqualValues(t, 1, snaps[0].Capture[0].LineNumber)
	require.EqualValues(t, 2, snaps[0].Capture[1].LineNumber)
}

func TestBuildSink(t *testing.T) {
	cfg := testConfig()

	cfg.Output = cfgpkg.OutputPrint
	out, closer, err := buildSink(cfg)
	require.NoError(t, err)
	require.IsType(t, &sink.PrintSink{}, out)
	require.Nil(t, closer)

	cfg.Output = cfgpkg.OutputWS
	cfg.WSURL = "ws://127.0.0.1:1/live"
	out, closer, err = buildSink(cfg)
	require.NoError(t, err)
	require.IsType(t, &sink.WebSocketSink{}, out)
	require.NoError(t, closer.Close())

	cfg.Output = cfgpkg.OutputOTLP
	out, closer, err = buildSink(cfg)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NoError(t, closer.Close())

	cfg.Output = "csv"
	_, _, err = buildSink(cfg)
	require.Error(t, err)

	cfg.Output = cfgpkg.OutputJSON
	cfg.OutputFile = filepath.Join(t.TempDir(), "missing", "log.json")
	_, _, err = buildSink(cfg)
	require.Error(t, err)
}

func TestBuildSink_FansOutCommaSeparated(t *testing.T) {
	cfg := testConfig()
	cfg.Output = "json,ws"
	cfg.OutputFile = filepath.Join(t.TempDir(), "log.json")
	cfg.WSURL = "ws://127.0.0.1:1/live"

	out, closer, err := buildSink(cfg)
	require.NoError(t, err)
	require.NotNil(t, closer)

	// The websocket endpoint is unreachable; the json output still gets the record.
	snap := sink.Snapshot{Count: []sink.Count{{Line: 1, N: 2}}}
	require.ErrorIs(t, out.Publish(context.Background(), snap), sink.ErrSinkUnavailable)
	require.NoError(t, closer.Close())

	f, err := os.Open(cfg.OutputFile)
	require.NoError(t, err)
	defer f.Close()

	snaps, err := sink.ReadAll(f)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, snap.Count, snaps[0].Count)

	cfg.Output = "ws,csv"
	_, _, err = buildSink(cfg)
	require.ErrorContains(t, err, `unknown output "csv"`)
}

func TestIncrMetric_IgnoresNonPositive(t *testing.T) {
	s, err := New(testConfig(), discardLogger(), WithSink(sink.NewJSONSink(io.Discard)))
	require.NoError(t, err)

	for _, mt := range []MetricType{MetricReadingsSent, MetricReadingsDropped, MetricReadingsProcessed, MetricFlushes, MetricPublishFailed} {
		s.IncrMetric(context.Background(), mt, 0)
		s.IncrMetric(context.Background(), mt, 1)
	}
}

package otlp

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"dash0.com/fn-time/internal/sink"
)

type fakeLogsServer struct {
	collogspb.UnimplementedLogsServiceServer

	mu       sync.Mutex
	requests []*collogspb.ExportLogsServiceRequest
	reject   int64
	err      error
}

func (f *fakeLogsServer) Export(_ context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	f.requests = append(f.requests, req)

	resp := &collogspb.ExportLogsServiceResponse{}
	if f.reject > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{RejectedLogRecords: f.reject, ErrorMessage: "nope"}
	}

	return resp, nil
}

func startTestServer(t *testing.T, srv *fakeLogsServer) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	baseServer := grpc.NewServer()
	collogspb.RegisterLogsServiceServer(baseServer, srv)

	go func() { _ = baseServer.Serve(lis) }()

	conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		baseServer.Stop()
		_ = lis.Close()
	})

	return conn
}

func testSnapshot() sink.Snapshot {
	return sink.Snapshot{
		Capture: []sink.LineTiming{{
			LineNumber: 21,
			TopDurations: []sink.Measure{
				{Duration: 3 * time.Millisecond, Percent: 150},
				{Duration: time.Millisecond, Percent: 50},
			},
			AverageOfLine: sink.Measure{Duration: 2 * time.Millisecond, Percent: 100},
		}},
		Count: []sink.Count{{Line: 30, N: 7}},
	}
}

func TestSink_ExportsRecords(t *testing.T) {
	srv := &fakeLogsServer{}
	s := NewSink(startTestServer(t, srv), "demo")

	require.NoError(t, s.Publish(context.Background(), testSnapshot()))

	require.Len(t, srv.requests, 1)
	rl := srv.requests[0].GetResourceLogs()[0]

	svc, ok := FindAttr("service.name", rl.GetResource().GetAttributes())
	require.True(t, ok)
	require.Equal(t, "demo", svc.GetStringValue())

	recs := rl.GetScopeLogs()[0].GetLogRecords()
	require.Len(t, recs, 2)

	line, ok := FindAttr(AttrLineNumber, recs[0].GetAttributes())
	require.True(t, ok)
	require.EqualValues(t, 21, line.GetIntValue())

	avg, _ := FindAttr(AttrAverageNanos, recs[0].GetAttributes())
	require.EqualValues(t, 2*time.Millisecond, avg.GetIntValue())

	tops, _ := FindAttr(AttrTopNanos, recs[0].GetAttributes())
	require.Len(t, tops.GetArrayValue().GetValues(), 2)
	require.EqualValues(t, 3*time.Millisecond, tops.GetArrayValue().GetValues()[0].GetIntValue())
	require.Contains(t, recs[0].GetBody().GetStringValue(), "Line number: 21")

	n, ok := FindAttr(AttrCounterN, recs[1].GetAttributes())
	require.True(t, ok)
	require.EqualValues(t, 7, n.GetIntValue())
}

func TestSink_PartialSuccessIsUnavailable(t *testing.T) {
	srv := &fakeLogsServer{reject: 1}
	s := NewSink(startTestServer(t, srv), "demo")

	err := s.Publish(context.Background(), testSnapshot())
	require.ErrorIs(t, err, sink.ErrSinkUnavailable)
}

func TestSink_ExportErrorIsUnavailable(t *testing.T) {
	srv := &fakeLogsServer{err: errors.New("boom")}
	s := NewSink(startTestServer(t, srv), "demo")

	err := s.Publish(context.Background(), testSnapshot())
	require.ErrorIs(t, err, sink.ErrSinkUnavailable)
}

func TestToRequest_SerializationFaults(t *testing.T) {
	bad := sink.Snapshot{Capture: []sink.LineTiming{{AverageOfLine: sink.Measure{Duration: -1}}}}
	_, err := ToRequest(bad, "demo", time.Unix(0, 0))
	require.ErrorIs(t, err, sink.ErrSerialization)

	bad = sink.Snapshot{Count: []sink.Count{{Line: 1, N: 1 << 63}}}
	_, err = ToRequest(bad, "demo", time.Unix(0, 0))
	require.ErrorIs(t, err, sink.ErrSerialization)
}

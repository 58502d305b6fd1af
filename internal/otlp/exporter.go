package otlp

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	otellogs "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dash0.com/fn-time/internal/sink"
)

const scopeName = "dash0.com/fn-time"

// Attribute keys carried on exported log records.
const (
	AttrLineNumber   = "fntime.line_number"
	AttrAverageNanos = "fntime.average_ns"
	AttrAveragePct   = "fntime.average_pct"
	AttrTopNanos     = "fntime.top_ns"
	AttrTopPct       = "fntime.top_pct"
	AttrCounterLine  = "fntime.counter.line"
	AttrCounterN     = "fntime.counter.n"
)

// Sink exports snapshots to an OTLP/gRPC logs endpoint, one log record per
// line timing and per counter.
type Sink struct {
	client      collogspb.LogsServiceClient
	serviceName string
	nowFn       func() time.Time
}

// NewSink returns a Sink exporting over conn.
func NewSink(conn grpc.ClientConnInterface, serviceName string) *Sink {
	return &Sink{
		client:      collogspb.NewLogsServiceClient(conn),
		serviceName: serviceName,
		nowFn:       time.Now,
	}
}

// Dial opens an insecure, instrumented client connection to endpoint.
func Dial(endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	return grpc.NewClient(endpoint, opts...)
}

// Publish converts snap into one export request and sends it.
func (s *Sink) Publish(ctx context.Context, snap sink.Snapshot) error {
	req, err := ToRequest(snap, s.serviceName, s.nowFn())
	if err != nil {
		return err
	}

	resp, err := s.client.Export(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: otlp export: %w", sink.ErrSinkUnavailable, err)
	}

	if n := resp.GetPartialSuccess().GetRejectedLogRecords(); n > 0 {
		return fmt.Errorf("%w: otlp export rejected %d records: %s",
			sink.ErrSinkUnavailable, n, resp.GetPartialSuccess().GetErrorMessage())
	}

	return nil
}

// ToRequest builds the export request for snap.
func ToRequest(snap sink.Snapshot, serviceName string, now time.Time) (*collogspb.ExportLogsServiceRequest, error) {
	ts := uint64(now.UnixNano())
	records := make([]*otellogs.LogRecord, 0, len(snap.Capture)+len(snap.Count))

	for _, lt := range snap.Capture {
		if lt.AverageOfLine.Duration < 0 {
			return nil, fmt.Errorf("%w: line %d has negative average", sink.ErrSerialization, lt.LineNumber)
		}

		tops := make([]*commonpb.AnyValue, 0, len(lt.TopDurations))
		pcts := make([]*commonpb.AnyValue, 0, len(lt.TopDurations))

		for _, m := range lt.TopDurations {
			if math.IsNaN(m.Percent) || math.IsInf(m.Percent, 0) {
				return nil, fmt.Errorf("%w: line %d has invalid percentage", sink.ErrSerialization, lt.LineNumber)
			}

			tops = append(tops, intValue(int64(m.Duration)))
			pcts = append(pcts, doubleValue(m.Percent))
		}

		var body bytes.Buffer
		sink.Render(&body, sink.Snapshot{Capture: []sink.LineTiming{lt}})

		records = append(records, &otellogs.LogRecord{
			TimeUnixNano:         ts,
			ObservedTimeUnixNano: ts,
			SeverityNumber:       otellogs.SeverityNumber_SEVERITY_NUMBER_INFO,
			SeverityText:         "INFO",
			Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: body.String()}},
			Attributes: []*commonpb.KeyValue{
				kvInt(AttrLineNumber, int64(lt.LineNumber)),
				kvInt(AttrAverageNanos, int64(lt.AverageOfLine.Duration)),
				kvDouble(AttrAveragePct, lt.AverageOfLine.Percent),
				kvArray(AttrTopNanos, tops),
				kvArray(AttrTopPct, pcts),
			},
		})
	}

	for _, c := range snap.Count {
		if c.N > math.MaxInt64 {
			return nil, fmt.Errorf("%w: counter %d overflows int64", sink.ErrSerialization, c.Line)
		}

		records = append(records, &otellogs.LogRecord{
			TimeUnixNano:         ts,
			ObservedTimeUnixNano: ts,
			SeverityNumber:       otellogs.SeverityNumber_SEVERITY_NUMBER_INFO,
			SeverityText:         "INFO",
			Attributes: []*commonpb.KeyValue{
				kvInt(AttrCounterLine, int64(c.Line)),
				kvInt(AttrCounterN, int64(c.N)),
			},
		})
	}

	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*otellogs.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{kvStr("service.name", serviceName)}},
			ScopeLogs: []*otellogs.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: scopeName},
				LogRecords: records,
			}},
		}},
	}, nil
}

// Package otlpexport ships ended spans to an OTLP/gRPC trace collector.
package otlpexport

import (
	"context"
	"fmt"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	reqtrace "github.com/tracekit/reqtrace-go"
)

const DefaultExportTimeout = 5 * time.Second

// Options configures the exporter. Addr is the collector endpoint, e.g.
// "localhost:4317".
type Options struct {
	Addr        string
	ServiceName string
	Timeout     time.Duration
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

// Exporter implements reqtrace.Exporter over the OTLP trace service.
type Exporter struct {
	conn     *grpc.ClientConn
	client   coltracepb.TraceServiceClient
	resource *resourcepb.Resource
	timeout  time.Duration
	logger   *zap.Logger
}

var _ reqtrace.Exporter = (*Exporter)(nil)

func NewExporter(opts Options) (*Exporter, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("otlpexport: collector address must not be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExportTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	dialOpts := opts.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conn, err := grpc.NewClient(opts.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlpexport: cannot connect to %s: %w", opts.Addr, err)
	}

	var resource *resourcepb.Resource
	if opts.ServiceName != "" {
		resource = &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: opts.ServiceName}},
			}},
		}
	}

	return &Exporter{
		conn:     conn,
		client:   coltracepb.NewTraceServiceClient(conn),
		resource: resource,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}, nil
}

// Export converts the spans to OTLP and sends a single request.
func (e *Exporter) Export(ctx context.Context, spans []reqtrace.RawSpan) error {
	if len(spans) == 0 {
		return nil
	}

	protoSpans := make([]*tracepb.Span, 0, len(spans))
	for _, span := range spans {
		protoSpans = append(protoSpans, toProtoSpan(span))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	_, err := e.client.Export(ctx, &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: e.resource,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "reqtrace"},
				Spans: protoSpans,
			}},
		}},
	})
	if err != nil {
		e.logger.Warn("otlp export failed", zap.Int("spans", len(spans)), zap.Error(err))
		return fmt.Errorf("otlpexport: export failed: %w", err)
	}
	return nil
}

// Shutdown closes the collector connection.
func (e *Exporter) Shutdown(context.Context) error {
	return e.conn.Close()
}

package reqtrace

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tracekit/reqtrace-go/internal/randx"
)

// Tracer creates spans bound to its Manager's active context and hands ended
// spans to the configured Exporter, exactly once each.
type Tracer struct {
	cfg *tracerConfig
}

func NewTracer(opts ...Option) *Tracer {
	cfg := defaultTracerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Tracer{cfg: cfg}
}

// Manager returns the context manager spans are parented against.
func (t *Tracer) Manager() *Manager {
	return t.cfg.manager
}

// StartSpan creates a span. Without an explicit parent option the manager's
// active context is the parent; if that context carries no valid span, a new
// trace id is minted and the span becomes a trace root.
func (t *Tracer) StartSpan(operation string, opts ...StartSpanOption) *Span {
	var cfg startSpanConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	parent := cfg.remoteParent
	if !parent.IsValid() {
		parentCtx := cfg.parent
		if !cfg.parentSet {
			parentCtx = t.cfg.manager.Active()
		}
		if ps := SpanFromContext(parentCtx); ps != nil {
			parent = ps.SpanContext()
		}
	}

	sc := SpanContext{SpanID: randx.GenSpanID()}
	var parentSpanID uint64
	if parent.IsValid() {
		sc.TraceIDUpper = parent.TraceIDUpper
		sc.TraceID = parent.TraceID
		sc.Sampled = parent.Sampled
		parentSpanID = parent.SpanID
	} else {
		sc.TraceIDUpper, sc.TraceID = genTraceID()
		sc.Sampled = true
	}

	start := cfg.startTime
	if start.IsZero() {
		start = t.cfg.clock.Now()
	}

	return &Span{
		spanContext:  sc,
		parentSpanID: parentSpanID,
		operation:    operation,
		kind:         cfg.kind,
		start:        start,
		attributes:   NewAttributes(),
		clock:        t.cfg.clock,
		recorder:     t.record,
	}
}

// WithSpan runs fn with span active in the manager. It does not end the span.
func (t *Tracer) WithSpan(span *Span, fn func()) {
	ctx := ContextWithSpan(t.cfg.manager.Active(), span)
	t.cfg.manager.WithActive(ctx, fn)
}

// Close shuts the exporter down. The tracer itself holds no other resources.
func (t *Tracer) Close(ctx context.Context) error {
	return t.cfg.exporter.Shutdown(ctx)
}

// record hands one ended span downstream. Exporter failures are logged and
// not retried; retry policy belongs to the exporter.
func (t *Tracer) record(raw RawSpan) {
	if err := t.cfg.exporter.Export(context.Background(), []RawSpan{raw}); err != nil {
		t.cfg.logger.Warn("span export failed",
			zap.String("operation", raw.Operation),
			zap.String("trace_id", raw.Context.TraceIDString()),
			zap.Error(err),
		)
	}
}

// genTraceID mints a fresh 128-bit trace id.
func genTraceID() (upper, lower uint64) {
	id := uuid.New()
	upper = binary.BigEndian.Uint64(id[0:8])
	lower = binary.BigEndian.Uint64(id[8:16])
	if upper == 0 && lower == 0 {
		lower = randx.GenSpanID()
	}
	return upper, lower
}

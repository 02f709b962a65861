package reqtrace

import (
	"time"

	"go.uber.org/zap"

	"github.com/tracekit/reqtrace-go/internal/timex"
)

const (
	// DefaultMaxTimingWait bounds how long the reconciliation engine waits
	// for a network timing sample after a request completes.
	DefaultMaxTimingWait = 300 * time.Millisecond

	// DefaultPollInterval is the fixed interval at which the timing data
	// source is polled during that wait.
	DefaultPollInterval = 50 * time.Millisecond
)

type Option func(*tracerConfig)

func WithExporter(exporter Exporter) Option {
	return func(c *tracerConfig) {
		c.exporter = exporter
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *tracerConfig) {
		c.logger = logger
	}
}

func WithClock(clock timex.Clock) Option {
	return func(c *tracerConfig) {
		c.clock = clock
	}
}

func WithManager(manager *Manager) Option {
	return func(c *tracerConfig) {
		c.manager = manager
	}
}

type tracerConfig struct {
	exporter Exporter
	logger   *zap.Logger
	clock    timex.Clock
	manager  *Manager
}

func defaultTracerConfig() *tracerConfig {
	return &tracerConfig{
		exporter: NoopExporter{},
		logger:   zap.NewNop(),
		clock:    timex.NewClock(),
		manager:  NewManager(),
	}
}

type StartSpanOption func(*startSpanConfig)

// WithKind sets the span kind; the default is SpanKindInternal.
func WithKind(kind SpanKind) StartSpanOption {
	return func(c *startSpanConfig) {
		c.kind = kind
	}
}

// WithParent overrides the parent context; the default is the manager's
// active context.
func WithParent(ctx *Context) StartSpanOption {
	return func(c *startSpanConfig) {
		c.parent = ctx
		c.parentSet = true
	}
}

// WithRemoteParent parents the span on an extracted SpanContext, continuing
// an incoming trace.
func WithRemoteParent(sc SpanContext) StartSpanOption {
	return func(c *startSpanConfig) {
		c.remoteParent = sc
	}
}

// WithStartTime overrides the span start; the default is the clock's now.
func WithStartTime(t time.Time) StartSpanOption {
	return func(c *startSpanConfig) {
		c.startTime = t
	}
}

type startSpanConfig struct {
	kind         SpanKind
	parent       *Context
	parentSet    bool
	remoteParent SpanContext
	startTime    time.Time
}

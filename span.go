package reqtrace

import (
	"fmt"
	"sync"
	"time"

	"github.com/tracekit/reqtrace-go/internal/timex"
)

// SpanKind describes the relationship between a span and its trace.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindClient
	SpanKindServer
	SpanKindProducer
	SpanKindConsumer
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindClient:
		return "CLIENT"
	case SpanKindServer:
		return "SERVER"
	case SpanKindProducer:
		return "PRODUCER"
	case SpanKindConsumer:
		return "CONSUMER"
	default:
		return "INTERNAL"
	}
}

// StatusCode is the coarse outcome of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Status pairs a StatusCode with an optional human-readable message.
type Status struct {
	Code    StatusCode
	Message string
}

// SpanContext holds the identity a span propagates across process
// boundaries. It is an immutable value.
type SpanContext struct {
	// The upper and lower halves of the 128-bit trace identifier. Fixed for
	// an entire causal chain.
	TraceIDUpper uint64
	TraceID      uint64

	// A probabilistically unique identifier for a span.
	SpanID uint64

	// Whether the trace is sampled.
	Sampled bool

	// Remote marks contexts extracted from an incoming carrier rather than
	// created locally.
	Remote bool
}

// IsValid reports whether the context identifies a real span: a nonzero
// trace id and a nonzero span id.
func (c SpanContext) IsValid() bool {
	return (c.TraceID != 0 || c.TraceIDUpper != 0) && c.SpanID != 0
}

// TraceIDString renders the 128-bit trace id as 32 lowercase hex characters.
func (c SpanContext) TraceIDString() string {
	return fmt.Sprintf("%016x%016x", c.TraceIDUpper, c.TraceID)
}

// SpanIDString renders the span id as 16 lowercase hex characters.
func (c SpanContext) SpanIDString() string {
	return fmt.Sprintf("%016x", c.SpanID)
}

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string
	Timestamp  time.Time
	Attributes []KeyValue
}

// Span is a record of one causally bounded unit of traced work. It is
// mutable between start and end, and frozen once ended.
type Span struct {
	mu sync.Mutex

	spanContext  SpanContext
	parentSpanID uint64
	operation    string
	kind         SpanKind

	start      time.Time
	end        time.Time
	status     Status
	attributes *Attributes
	events     []Event

	ended bool

	clock    timex.Clock
	recorder func(RawSpan)
}

// RawSpan encapsulates all state associated with an ended span. Recorders
// receive it exactly once, on End.
type RawSpan struct {
	Context SpanContext

	// The SpanID of the span's parent, or 0 if it is a trace root.
	ParentSpanID uint64

	Operation string
	Kind      SpanKind

	Start time.Time
	End   time.Time

	Status     Status
	Attributes []KeyValue
	Events     []Event
}

func (s *Span) SpanContext() SpanContext {
	return s.spanContext
}

func (s *Span) ParentSpanID() uint64 {
	return s.parentSpanID
}

func (s *Span) Operation() string {
	return s.operation
}

func (s *Span) Kind() SpanKind {
	return s.kind
}

func (s *Span) Start() time.Time {
	return s.start
}

// SetAttribute records an attribute on an open span. Returns ErrSpanEnded
// after End, ErrInvalidAttribute for unsupported value types.
func (s *Span) SetAttribute(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return newErrSpanEnded(s.operation)
	}
	return s.attributes.Set(key, value)
}

// SetStatus overwrites the span status. Returns ErrSpanEnded after End.
func (s *Span) SetStatus(code StatusCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return newErrSpanEnded(s.operation)
	}
	s.status = Status{Code: code, Message: message}
	return nil
}

// AddEvent appends a timestamped event. A zero timestamp means "now". Event
// timestamps are non-decreasing within a span: a timestamp earlier than the
// previous event (or the span start) is clamped, never reordered.
func (s *Span) AddEvent(name string, attrs []KeyValue, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return newErrSpanEnded(s.operation)
	}

	var normalized []KeyValue
	if len(attrs) > 0 {
		normalized = make([]KeyValue, len(attrs))
		for i, kv := range attrs {
			v, err := normalizeAttributeValue(kv.Key, kv.Value)
			if err != nil {
				return err
			}
			normalized[i] = KeyValue{Key: kv.Key, Value: v}
		}
	}

	if timestamp.IsZero() {
		timestamp = s.clock.Now()
	}
	if floor := s.eventFloor(); timestamp.Before(floor) {
		timestamp = floor
	}

	s.events = append(s.events, Event{Name: name, Timestamp: timestamp, Attributes: normalized})
	return nil
}

// eventFloor is the earliest timestamp the next event may carry.
func (s *Span) eventFloor() time.Time {
	if n := len(s.events); n > 0 {
		return s.events[n-1].Timestamp
	}
	return s.start
}

// End freezes the span at the current clock time and hands it downstream.
// A second End returns ErrAlreadyEnded and does not re-export.
func (s *Span) End() error {
	return s.EndWithTimestamp(time.Time{})
}

// EndWithTimestamp is End with an explicit end time. A zero timestamp means
// "now"; an end time earlier than the span start or its last event is
// clamped so the frozen span stays internally ordered.
func (s *Span) EndWithTimestamp(timestamp time.Time) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return newErrAlreadyEnded(s.operation)
	}
	if timestamp.IsZero() {
		timestamp = s.clock.Now()
	}
	if floor := s.eventFloor(); timestamp.Before(floor) {
		timestamp = floor
	}
	s.ended = true
	s.end = timestamp
	raw := s.snapshotLocked()
	recorder := s.recorder
	s.mu.Unlock()

	if recorder != nil {
		recorder(raw)
	}
	return nil
}

func (s *Span) snapshotLocked() RawSpan {
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return RawSpan{
		Context:      s.spanContext,
		ParentSpanID: s.parentSpanID,
		Operation:    s.operation,
		Kind:         s.kind,
		Start:        s.start,
		End:          s.end,
		Status:       s.status,
		Attributes:   s.attributes.All(),
		Events:       events,
	}
}

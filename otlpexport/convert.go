package otlpexport

import (
	"encoding/binary"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	reqtrace "github.com/tracekit/reqtrace-go"
)

func toProtoSpan(span reqtrace.RawSpan) *tracepb.Span {
	out := &tracepb.Span{
		TraceId:           traceIDBytes(span.Context),
		SpanId:            spanIDBytes(span.Context.SpanID),
		Name:              span.Operation,
		Kind:              toProtoKind(span.Kind),
		StartTimeUnixNano: uint64(span.Start.UnixNano()),
		EndTimeUnixNano:   uint64(span.End.UnixNano()),
		Attributes:        toProtoAttributes(span.Attributes),
		Status:            toProtoStatus(span.Status),
	}
	if span.ParentSpanID != 0 {
		out.ParentSpanId = spanIDBytes(span.ParentSpanID)
	}
	for _, event := range span.Events {
		out.Events = append(out.Events, &tracepb.Span_Event{
			Name:         event.Name,
			TimeUnixNano: uint64(event.Timestamp.UnixNano()),
			Attributes:   toProtoAttributes(event.Attributes),
		})
	}
	return out
}

func traceIDBytes(sc reqtrace.SpanContext) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], sc.TraceIDUpper)
	binary.BigEndian.PutUint64(b[8:], sc.TraceID)
	return b
}

func spanIDBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func toProtoKind(kind reqtrace.SpanKind) tracepb.Span_SpanKind {
	switch kind {
	case reqtrace.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case reqtrace.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case reqtrace.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case reqtrace.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}

func toProtoStatus(status reqtrace.Status) *tracepb.Status {
	out := &tracepb.Status{Message: status.Message}
	switch status.Code {
	case reqtrace.StatusOK:
		out.Code = tracepb.Status_STATUS_CODE_OK
	case reqtrace.StatusError:
		out.Code = tracepb.Status_STATUS_CODE_ERROR
	default:
		out.Code = tracepb.Status_STATUS_CODE_UNSET
	}
	return out
}

func toProtoAttributes(attrs []reqtrace.KeyValue) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		value := &commonpb.AnyValue{}
		switch v := kv.Value.(type) {
		case string:
			value.Value = &commonpb.AnyValue_StringValue{StringValue: v}
		case bool:
			value.Value = &commonpb.AnyValue_BoolValue{BoolValue: v}
		case int64:
			value.Value = &commonpb.AnyValue_IntValue{IntValue: v}
		case float64:
			value.Value = &commonpb.AnyValue_DoubleValue{DoubleValue: v}
		default:
			// Attributes are validated at insertion, so this is unreachable
			// for spans produced by this module.
			continue
		}
		out = append(out, &commonpb.KeyValue{Key: kv.Key, Value: value})
	}
	return out
}

package reqtrace

import (
	"strconv"
	"strings"

	"github.com/opentracing/opentracing-go"
)

const (
	b3Prefix           = "x-b3-"
	B3FieldNameTraceID = b3Prefix + "traceid"
	B3FieldNameSpanID  = b3Prefix + "spanid"
	B3FieldNameSampled = b3Prefix + "sampled"
)

// B3Propagator serializes a SpanContext to and from the three B3 header
// fields: a 32-character lowercase hex trace id, a 16-character lowercase hex
// span id, and a "0"/"1" sampled flag. Carriers are the opentracing text map
// interfaces; opentracing.HTTPHeadersCarrier gives case-insensitive header
// semantics on top of net/http headers.
type B3Propagator struct{}

// Inject writes the three B3 fields into the carrier. The carrier must be an
// opentracing.TextMapWriter.
func (B3Propagator) Inject(sc SpanContext, opaqueCarrier interface{}) error {
	carrier, ok := opaqueCarrier.(opentracing.TextMapWriter)
	if !ok {
		return opentracing.ErrInvalidCarrier
	}

	sampled := "0"
	if sc.Sampled {
		sampled = "1"
	}

	carrier.Set(B3FieldNameTraceID, sc.TraceIDString())
	carrier.Set(B3FieldNameSpanID, sc.SpanIDString())
	carrier.Set(B3FieldNameSampled, sampled)
	return nil
}

// Extract parses the three B3 fields from the carrier. Extraction is
// all-or-nothing: a missing field, a wrong-length field or a non-hex field
// yields nil rather than a partially populated context. Callers treat nil as
// "no incoming trace, start a fresh root." The only error returned is
// opentracing.ErrInvalidCarrier for a carrier that is not a TextMapReader.
//
// Extracted contexts are marked Remote, so an Inject/Extract round trip
// matches on trace id, span id and sampled flag but not on the Remote bit.
func (B3Propagator) Extract(opaqueCarrier interface{}) (*SpanContext, error) {
	carrier, ok := opaqueCarrier.(opentracing.TextMapReader)
	if !ok {
		return nil, opentracing.ErrInvalidCarrier
	}

	var traceIDVal, spanIDVal, sampledVal string
	var haveTraceID, haveSpanID, haveSampled bool

	// ForeachKey only errors when the walker errors, and ours never does.
	_ = carrier.ForeachKey(func(k, v string) error {
		switch strings.ToLower(k) {
		case B3FieldNameTraceID:
			traceIDVal, haveTraceID = v, true
		case B3FieldNameSpanID:
			spanIDVal, haveSpanID = v, true
		case B3FieldNameSampled:
			sampledVal, haveSampled = v, true
		}
		return nil
	})

	if !haveTraceID || !haveSpanID || !haveSampled {
		return nil, nil
	}
	if len(traceIDVal) != 32 || len(spanIDVal) != 16 {
		return nil, nil
	}
	if sampledVal != "0" && sampledVal != "1" {
		return nil, nil
	}

	upper, err := strconv.ParseUint(traceIDVal[:16], 16, 64)
	if err != nil {
		return nil, nil
	}
	lower, err := strconv.ParseUint(traceIDVal[16:], 16, 64)
	if err != nil {
		return nil, nil
	}
	spanID, err := strconv.ParseUint(spanIDVal, 16, 64)
	if err != nil {
		return nil, nil
	}

	sc := SpanContext{
		TraceIDUpper: upper,
		TraceID:      lower,
		SpanID:       spanID,
		Sampled:      sampledVal == "1",
		Remote:       true,
	}
	if !sc.IsValid() {
		return nil, nil
	}
	return &sc, nil
}

package reqtrace

import "time"

// ResourceTiming is a vendor-neutral network timing sample, mirroring
// resource-timing data. All phase values are milliseconds relative to a
// shared monotonic time origin; zero means the phase was not observed.
type ResourceTiming struct {
	// Name identifies the resource, by URL.
	Name string

	FetchStart            float64
	DomainLookupStart     float64
	DomainLookupEnd       float64
	ConnectStart          float64
	SecureConnectionStart float64
	ConnectEnd            float64
	RequestStart          float64
	ResponseStart         float64
	ResponseEnd           float64

	EncodedBodySize int64
	DecodedBodySize int64
}

// TimingSource is the polled interface to the platform's timing data. It may
// return stale or unrelated entries; the reconciliation engine filters them.
type TimingSource interface {
	QueryRecentSamples() []ResourceTiming
}

// timingPhase names one network phase and knows how to read it off a sample.
// Order matters: it is the fixed order phase events appear on a span.
type timingPhase struct {
	name       string
	value      func(ResourceTiming) float64
	secureOnly bool
}

var timingPhases = []timingPhase{
	{name: "fetchStart", value: func(rt ResourceTiming) float64 { return rt.FetchStart }},
	{name: "domainLookupStart", value: func(rt ResourceTiming) float64 { return rt.DomainLookupStart }},
	{name: "domainLookupEnd", value: func(rt ResourceTiming) float64 { return rt.DomainLookupEnd }},
	{name: "connectStart", value: func(rt ResourceTiming) float64 { return rt.ConnectStart }},
	{name: "secureConnectionStart", value: func(rt ResourceTiming) float64 { return rt.SecureConnectionStart }, secureOnly: true},
	{name: "connectEnd", value: func(rt ResourceTiming) float64 { return rt.ConnectEnd }},
	{name: "requestStart", value: func(rt ResourceTiming) float64 { return rt.RequestStart }},
	{name: "responseStart", value: func(rt ResourceTiming) float64 { return rt.ResponseStart }},
	{name: "responseEnd", value: func(rt ResourceTiming) float64 { return rt.ResponseEnd }},
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// consistentlyAfter reports whether later reads as a second, causally
// distinct leg following earlier: every phase present in both samples is
// offset upward in later, and the smallest such offset is strictly positive.
// Mixed precedence across fields means the samples cannot be ordered and the
// caller falls back to single-span reconciliation.
func consistentlyAfter(earlier, later ResourceTiming) bool {
	shared := 0
	minOffset := 0.0
	for _, phase := range timingPhases {
		ev, lv := phase.value(earlier), phase.value(later)
		if ev == 0 || lv == 0 {
			continue
		}
		offset := lv - ev
		if offset < 0 {
			return false
		}
		if shared == 0 || offset < minOffset {
			minOffset = offset
		}
		shared++
	}
	return shared > 0 && minOffset > 0
}

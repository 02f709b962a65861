// Package reqtrace is the causal-correlation core of a request-level tracing
// instrumentation layer. It tracks which unit of work caused which other unit
// of work across asynchronous continuations, models each unit as a span,
// propagates trace identity across process boundaries in B3 headers, and
// reconciles asynchronously delivered network timing samples with in-flight
// requests, splitting a CORS preflight exchange into its own span when the
// timing data shows two distinct legs.
//
// The package deliberately stops at the Hook Contract boundary: wrapping a
// concrete networking API and delivering OnOpen/OnSend/OnLoad callbacks is an
// adapter's job, as is shipping finished spans anywhere (see the Exporter
// interface and the otlpexport subpackage).
package reqtrace

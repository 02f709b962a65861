package reqtrace

import (
	"sort"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"

	"github.com/tracekit/reqtrace-go/internal/timex"
)

const (
	eventNameOpen    = "open"
	eventNameSend    = "send"
	eventNameLoad    = "load"
	eventNameError   = "error"
	eventNameTimeout = "timeout"
	eventNameAbort   = "abort"

	attrHTTPMethod            = "http.method"
	attrHTTPURL               = "http.url"
	attrHTTPStatusCode        = "http.status_code"
	attrHTTPStatusText        = "http.status_text"
	attrRespContentLength     = "http.response_content_length"
	attrRespContentLengthFull = "http.response_content_length_uncompressed"

	preflightOperation = "CORS preflight"
)

// Engine reconciles asynchronously delivered network timing samples with
// in-flight requests reported through the hook contract, and decides whether
// a request is one span or a preflight leg plus an actual leg.
type Engine struct {
	tracer     *Tracer
	source     TimingSource
	propagator B3Propagator

	origin       Origin
	rule         AllowRule
	maxWait      time.Duration
	pollInterval time.Duration
	timeOrigin   time.Time

	clock  timex.Clock
	logger *zap.Logger
}

type EngineOption func(*Engine)

// WithCurrentOrigin sets the origin of the instrumented application, the
// reference point for the same-origin injection rule.
func WithCurrentOrigin(origin Origin) EngineOption {
	return func(e *Engine) {
		e.origin = origin
	}
}

// WithAllowRule permits header injection to matching cross-origin targets.
func WithAllowRule(rule AllowRule) EngineOption {
	return func(e *Engine) {
		e.rule = rule
	}
}

// WithMaxTimingWait bounds the wait for a timing sample after completion.
func WithMaxTimingWait(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.maxWait = d
	}
}

// WithPollInterval sets the fixed interval between timing source polls.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// WithTimeOrigin anchors the monotonic millisecond offsets of timing samples
// to wall time. Defaults to the clock's now at engine construction.
func WithTimeOrigin(t time.Time) EngineOption {
	return func(e *Engine) {
		e.timeOrigin = t
	}
}

func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

func NewEngine(tracer *Tracer, source TimingSource, opts ...EngineOption) *Engine {
	e := &Engine{
		tracer:       tracer,
		source:       source,
		maxWait:      DefaultMaxTimingWait,
		pollInterval: DefaultPollInterval,
		clock:        tracer.cfg.clock,
		logger:       tracer.cfg.logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.timeOrigin.IsZero() {
		e.timeOrigin = e.clock.Now()
	}
	return e
}

// requestState is the explicit lifecycle of a traced network operation.
type requestState int

const (
	stateOpened requestState = iota
	stateSent
	stateAwaitingTiming
	stateCompletedNoTiming
	stateClosed
)

func (s requestState) String() string {
	switch s {
	case stateSent:
		return "SENT"
	case stateAwaitingTiming:
		return "AWAITING_TIMING"
	case stateCompletedNoTiming:
		return "COMPLETED_NO_TIMING"
	case stateClosed:
		return "CLOSED"
	default:
		return "OPENED"
	}
}

// TrackedRequest is the per-request handle through which a wrapping adapter
// reports lifecycle hooks. Hooks are advisory inputs to the state machine;
// the engine never calls back into the adapter. Exactly one terminal hook
// (load, error, timeout, abort) is honored per request.
type TrackedRequest struct {
	mu sync.Mutex

	engine *Engine
	method string
	url    string
	secure bool

	span  *Span
	state requestState

	terminalFired  bool
	terminalName   string
	terminalTime   time.Time
	terminalAttrs  []KeyValue
	terminalStatus Status
}

// OnOpen starts tracking a request. The span is created as a child of the
// manager's active context and records the "open" event.
func (e *Engine) OnOpen(method, url string) *TrackedRequest {
	span := e.tracer.StartSpan(method+" "+url, WithKind(SpanKindClient))
	_ = span.SetAttribute(attrHTTPMethod, method)
	_ = span.SetAttribute(attrHTTPURL, url)
	_ = span.AddEvent(eventNameOpen, nil, time.Time{})

	secure := e.origin.Scheme == "https" || e.origin.Scheme == "wss"
	if target, err := ParseOrigin(url); err == nil && !target.IsZero() {
		secure = target.Scheme == "https" || target.Scheme == "wss"
	}

	e.logger.Debug("request opened",
		zap.String("method", method),
		zap.String("url", url),
		zap.String("trace_id", span.SpanContext().TraceIDString()),
	)

	return &TrackedRequest{
		engine: e,
		method: method,
		url:    url,
		secure: secure,
		span:   span,
		state:  stateOpened,
	}
}

// Span returns the primary span for the request.
func (r *TrackedRequest) Span() *Span {
	return r.span
}

// State returns the current lifecycle state, for observability.
func (r *TrackedRequest) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.String()
}

// OnHeadersPrepared gives the engine a chance to inject propagation headers
// before the request is sent, subject to the origin policy. The carrier is
// returned so adapters can chain it.
func (r *TrackedRequest) OnHeadersPrepared(carrier opentracing.TextMapWriter) opentracing.TextMapWriter {
	if ShouldInject(r.url, r.engine.origin, r.engine.rule) {
		if err := r.engine.propagator.Inject(r.span.SpanContext(), carrier); err != nil {
			r.engine.logger.Warn("header injection failed",
				zap.String("url", r.url),
				zap.Error(err),
			)
		}
	}
	return carrier
}

// OnSend records the "send" event and moves the request to SENT.
func (r *TrackedRequest) OnSend() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateOpened {
		return
	}
	r.state = stateSent
	_ = r.span.AddEvent(eventNameSend, nil, time.Time{})
}

// OnLoad reports successful completion. The span stays open while the engine
// awaits timing data; an HTTP status of 400 or above marks the span errored.
func (r *TrackedRequest) OnLoad(statusCode int, statusText string) {
	status := Status{Code: StatusOK}
	if statusCode >= 400 {
		status = Status{Code: StatusError, Message: statusText}
	}
	attrs := []KeyValue{
		{Key: attrHTTPStatusCode, Value: int64(statusCode)},
		{Key: attrHTTPStatusText, Value: statusText},
	}
	r.terminal(eventNameLoad, attrs, status, false)
}

// OnError reports a network-level failure.
func (r *TrackedRequest) OnError() {
	r.terminal(eventNameError, nil, Status{Code: StatusError, Message: "network error"}, false)
}

// OnTimeout reports that the request timed out.
func (r *TrackedRequest) OnTimeout() {
	r.terminal(eventNameTimeout, nil, Status{Code: StatusError, Message: "timeout"}, false)
}

// OnAbort reports cancellation. Abort short-circuits the timing wait: the
// span closes immediately with no network-phase events.
func (r *TrackedRequest) OnAbort() {
	r.terminal(eventNameAbort, nil, Status{Code: StatusError, Message: "aborted"}, true)
}

// terminal applies the single-terminal-transition guarantee: the first
// terminal hook wins, later ones are logged and ignored. Except on abort,
// the request enters AWAITING_TIMING and the timing wait begins.
func (r *TrackedRequest) terminal(name string, attrs []KeyValue, status Status, immediate bool) {
	r.mu.Lock()
	if r.terminalFired {
		r.mu.Unlock()
		r.engine.logger.Warn("duplicate terminal hook ignored",
			zap.String("url", r.url),
			zap.String("event", name),
		)
		return
	}
	r.terminalFired = true
	r.terminalName = name
	r.terminalAttrs = attrs
	r.terminalStatus = status
	r.terminalTime = r.engine.clock.Now()

	if immediate {
		r.state = stateCompletedNoTiming
		r.mu.Unlock()
		r.close(nil)
		return
	}

	r.state = stateAwaitingTiming
	r.mu.Unlock()
	go r.engine.await(r)
}

// await polls the timing source at fixed intervals until a matching sample
// appears or the bounded wait elapses. Deadline expiry is a degraded but
// valid outcome: the span closes with only its open/send/terminal events.
func (e *Engine) await(r *TrackedRequest) {
	deadline := e.clock.Now().Add(e.maxWait)
	for {
		if candidates := e.matchingSamples(r.url); len(candidates) > 0 {
			e.reconcile(r, candidates)
			return
		}
		if !e.clock.Now().Before(deadline) {
			r.mu.Lock()
			r.state = stateCompletedNoTiming
			r.mu.Unlock()
			e.logger.Debug("no timing sample before deadline, closing degraded",
				zap.String("url", r.url),
				zap.Duration("waited", e.maxWait),
			)
			r.close(nil)
			return
		}
		e.clock.Sleep(e.pollInterval)
	}
}

func (e *Engine) matchingSamples(url string) []ResourceTiming {
	var matched []ResourceTiming
	for _, sample := range e.source.QueryRecentSamples() {
		if sample.Name == url {
			matched = append(matched, sample)
		}
	}
	return matched
}

// reconcile decides whether the candidates describe one transaction or a
// preflight leg plus an actual leg. Candidates that cannot be ordered by a
// consistent positive offset, and pile-ups of three or more, fall back to
// the earliest candidate on a single span.
func (e *Engine) reconcile(r *TrackedRequest, candidates []ResourceTiming) {
	if len(candidates) == 1 {
		r.close(&candidates[0])
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].FetchStart < candidates[j].FetchStart
	})

	if len(candidates) == 2 && consistentlyAfter(candidates[0], candidates[1]) {
		e.closeSplit(r, candidates[0], candidates[1])
		return
	}

	e.logger.Warn("ambiguous timing candidates, falling back to earliest",
		zap.String("url", r.url),
		zap.Int("candidates", len(candidates)),
	)
	r.close(&candidates[0])
}

// closeSplit materializes the two-leg outcome: a synthetic INTERNAL span for
// the preflight exchange, parented to the primary span and bounded by its own
// fetchStart/responseEnd, then the primary span carrying the actual leg's
// network phases.
func (e *Engine) closeSplit(r *TrackedRequest, preflight, actual ResourceTiming) {
	pre := e.tracer.StartSpan(preflightOperation,
		WithKind(SpanKindInternal),
		WithParent(ContextWithSpan(Background(), r.span)),
		WithStartTime(e.at(preflight.FetchStart)),
	)
	_ = pre.SetAttribute(attrHTTPURL, r.url)
	e.applyPhaseEvents(pre, preflight, r.secure)
	if err := pre.EndWithTimestamp(e.at(preflight.ResponseEnd)); err != nil {
		e.logger.Warn("preflight span close failed", zap.Error(err))
	}

	e.logger.Debug("split preflight leg from request",
		zap.String("url", r.url),
		zap.String("preflight_span", pre.SpanContext().SpanIDString()),
	)

	r.close(&actual)
}

// close finishes the primary span: network-phase events when a sample is
// available, then the terminal event, then End. The span is closed exactly
// once regardless of which path got here.
func (r *TrackedRequest) close(sample *ResourceTiming) {
	e := r.engine

	if sample != nil {
		e.applyPhaseEvents(r.span, *sample, r.secure)
		if sample.EncodedBodySize > 0 {
			_ = r.span.SetAttribute(attrRespContentLength, sample.EncodedBodySize)
		}
		if sample.DecodedBodySize > 0 {
			_ = r.span.SetAttribute(attrRespContentLengthFull, sample.DecodedBodySize)
		}
	}

	_ = r.span.SetStatus(r.terminalStatus.Code, r.terminalStatus.Message)
	_ = r.span.AddEvent(r.terminalName, r.terminalAttrs, r.terminalTime)

	if err := r.span.End(); err != nil {
		e.logger.Warn("span close failed",
			zap.String("url", r.url),
			zap.Error(err),
		)
	}

	r.mu.Lock()
	r.state = stateClosed
	r.mu.Unlock()
}

// applyPhaseEvents emits the sample's phases as ordered events, each only if
// present, with secureConnectionStart only for secure targets.
func (e *Engine) applyPhaseEvents(span *Span, sample ResourceTiming, secure bool) {
	for _, phase := range timingPhases {
		v := phase.value(sample)
		if v == 0 {
			continue
		}
		if phase.secureOnly && !secure {
			continue
		}
		_ = span.AddEvent(phase.name, nil, e.at(v))
	}
}

// at converts a sample's millisecond offset to wall time.
func (e *Engine) at(ms float64) time.Time {
	return e.timeOrigin.Add(msToDuration(ms))
}

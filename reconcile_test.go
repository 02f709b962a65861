package reqtrace_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/opentracing/opentracing-go"

	reqtrace "github.com/tracekit/reqtrace-go"
	"github.com/tracekit/reqtrace-go/internal/timex"
	"github.com/tracekit/reqtrace-go/internal/timex/testtimex"
)

// fakeSource is a settable timing data source. delayQueries makes the first
// N polls come back empty, to exercise the polling wait.
type fakeSource struct {
	mu           sync.Mutex
	samples      []reqtrace.ResourceTiming
	delayQueries int
	queries      int
}

func (s *fakeSource) QueryRecentSamples() []reqtrace.ResourceTiming {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries++
	if s.queries <= s.delayQueries {
		return nil
	}
	out := make([]reqtrace.ResourceTiming, len(s.samples))
	copy(out, s.samples)
	return out
}

func (s *fakeSource) add(samples ...reqtrace.ResourceTiming) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
}

func eventNames(raw reqtrace.RawSpan) []string {
	names := make([]string, 0, len(raw.Events))
	for _, e := range raw.Events {
		names = append(names, e.Name)
	}
	return names
}

var _ = Describe("Engine", func() {
	const (
		secureURL = "https://api.example.com/v1/items"
		plainURL  = "http://api.example.com/v1/items"
	)

	securePhases := []string{
		"fetchStart", "domainLookupStart", "domainLookupEnd", "connectStart",
		"secureConnectionStart", "connectEnd", "requestStart", "responseStart", "responseEnd",
	}

	sampleFor := func(url string, offset float64) reqtrace.ResourceTiming {
		return reqtrace.ResourceTiming{
			Name:                  url,
			FetchStart:            10 + offset,
			DomainLookupStart:     12 + offset,
			DomainLookupEnd:       14 + offset,
			ConnectStart:          15 + offset,
			SecureConnectionStart: 16 + offset,
			ConnectEnd:            18 + offset,
			RequestStart:          20 + offset,
			ResponseStart:         25 + offset,
			ResponseEnd:           30 + offset,
			EncodedBodySize:       512,
			DecodedBodySize:       2048,
		}
	}

	var (
		start    time.Time
		clock    timex.Clock
		source   *fakeSource
		exported <-chan reqtrace.RawSpan
		tracer   *reqtrace.Tracer
		engine   *reqtrace.Engine
	)

	newEngine := func(extra ...reqtrace.EngineOption) *reqtrace.Engine {
		origin, err := reqtrace.ParseOrigin("https://app.example.com")
		Expect(err).ToNot(HaveOccurred())

		opts := append([]reqtrace.EngineOption{
			reqtrace.WithCurrentOrigin(origin),
			reqtrace.WithTimeOrigin(start),
			reqtrace.WithMaxTimingWait(300 * time.Millisecond),
			reqtrace.WithPollInterval(50 * time.Millisecond),
		}, extra...)
		return reqtrace.NewEngine(tracer, source, opts...)
	}

	BeforeEach(func() {
		start = time.Unix(1700000000, 0).UTC()
		clock = testtimex.NewClock(start)
		source = &fakeSource{}

		exporter, spanChan := reqtrace.NewExporterChannel(16)
		exported = spanChan
		tracer = reqtrace.NewTracer(
			reqtrace.WithExporter(exporter),
			reqtrace.WithClock(clock),
		)
		engine = newEngine()
	})

	Describe("state machine", func() {
		It("moves OPENED -> SENT as hooks arrive", func() {
			r := engine.OnOpen("GET", secureURL)
			Expect(r.State()).To(Equal("OPENED"))

			r.OnSend()
			Expect(r.State()).To(Equal("SENT"))
		})
	})

	Describe("single matching sample", func() {
		It("closes one span with phase events in fixed order, terminal last", func() {
			source.add(sampleFor(secureURL, 0))

			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(200, "OK")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))

			Expect(raw.Kind).To(Equal(reqtrace.SpanKindClient))
			Expect(raw.Operation).To(Equal("GET " + secureURL))
			Expect(eventNames(raw)).To(Equal(append([]string{"open", "send"}, append(securePhases, "load")...)))
			Expect(raw.Status.Code).To(Equal(reqtrace.StatusOK))

			Expect(raw.Events[2].Name).To(Equal("fetchStart"))
			Expect(raw.Events[2].Timestamp).To(Equal(start.Add(10 * time.Millisecond)))

			for i := 1; i < len(raw.Events); i++ {
				Expect(raw.Events[i].Timestamp).ToNot(BeTemporally("<", raw.Events[i-1].Timestamp))
			}

			Eventually(r.State).Should(Equal("CLOSED"))
		})

		It("skips the secure connection phase for plain http targets", func() {
			source.add(sampleFor(plainURL, 0))

			r := engine.OnOpen("GET", plainURL)
			r.OnSend()
			r.OnLoad(200, "OK")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(eventNames(raw)).ToNot(ContainElement("secureConnectionStart"))
			Expect(raw.Events).To(HaveLen(11))
		})

		It("records response size attributes from the sample", func() {
			source.add(sampleFor(secureURL, 0))

			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(200, "OK")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(raw.Attributes).To(ContainElement(reqtrace.KeyValue{Key: "http.response_content_length", Value: int64(512)}))
			Expect(raw.Attributes).To(ContainElement(reqtrace.KeyValue{Key: "http.response_content_length_uncompressed", Value: int64(2048)}))
		})

		It("ignores samples for unrelated URLs", func() {
			source.add(sampleFor("https://cdn.example.com/logo.png", 0), sampleFor(secureURL, 0))

			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(200, "OK")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(raw.Events[2].Timestamp).To(Equal(start.Add(10 * time.Millisecond)))
			Consistently(exported).ShouldNot(Receive())
		})

		It("matches a sample that only appears after a few polls", func() {
			source.add(sampleFor(secureURL, 0))
			source.delayQueries = 3

			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(200, "OK")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(eventNames(raw)).To(ContainElement("responseEnd"))
		})
	})

	Describe("no sample within the deadline", func() {
		It("closes degraded with only open, send and terminal events", func() {
			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(200, "OK")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))

			Expect(eventNames(raw)).To(Equal([]string{"open", "send", "load"}))
			Expect(raw.Status.Code).To(Equal(reqtrace.StatusOK))
			Expect(clock.Now()).ToNot(BeTemporally("<", start.Add(300*time.Millisecond)))
			Eventually(r.State).Should(Equal("CLOSED"))
		})

		It("marks an error completion errored even without timing", func() {
			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnError()

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(eventNames(raw)).To(Equal([]string{"open", "send", "error"}))
			Expect(raw.Status.Code).To(Equal(reqtrace.StatusError))
		})
	})

	Describe("two samples offset by a constant", func() {
		It("splits the request into a preflight leg and an actual leg", func() {
			source.add(sampleFor(secureURL, 0), sampleFor(secureURL, 100))

			root := tracer.StartSpan("page load")
			var r *reqtrace.TrackedRequest
			tracer.WithSpan(root, func() {
				r = engine.OnOpen("GET", secureURL)
			})
			r.OnSend()
			r.OnLoad(200, "OK")

			var first, second reqtrace.RawSpan
			Eventually(exported).Should(Receive(&first))
			Eventually(exported).Should(Receive(&second))

			preflight, primary := first, second
			if preflight.Kind != reqtrace.SpanKindInternal {
				preflight, primary = second, first
			}

			Expect(primary.Kind).To(Equal(reqtrace.SpanKindClient))
			Expect(primary.ParentSpanID).To(Equal(root.SpanContext().SpanID))
			Expect(eventNames(primary)).To(Equal(append([]string{"open", "send"}, append(securePhases, "load")...)))
			Expect(primary.Events).To(HaveLen(12))
			// The later candidate's timing becomes the primary's phases.
			Expect(primary.Events[2].Name).To(Equal("fetchStart"))
			Expect(primary.Events[2].Timestamp).To(Equal(start.Add(110 * time.Millisecond)))

			Expect(preflight.Kind).To(Equal(reqtrace.SpanKindInternal))
			Expect(preflight.Operation).To(Equal("CORS preflight"))
			Expect(preflight.ParentSpanID).To(Equal(primary.Context.SpanID))
			Expect(preflight.Context.TraceIDString()).To(Equal(primary.Context.TraceIDString()))
			Expect(eventNames(preflight)).To(Equal(securePhases))
			Expect(preflight.Events).To(HaveLen(9))
			Expect(preflight.Start).To(Equal(start.Add(10 * time.Millisecond)))
			Expect(preflight.End).To(Equal(start.Add(30 * time.Millisecond)))
		})
	})

	Describe("two samples with mixed precedence", func() {
		It("falls back to a single span built from the earliest candidate", func() {
			later := sampleFor(secureURL, 100)
			later.ResponseStart = 20 // earlier than the first candidate's 25
			source.add(sampleFor(secureURL, 0), later)

			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(200, "OK")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(raw.Events[2].Name).To(Equal("fetchStart"))
			Expect(raw.Events[2].Timestamp).To(Equal(start.Add(10 * time.Millisecond)))
			Consistently(exported).ShouldNot(Receive())
		})
	})

	Describe("three or more matching samples", func() {
		It("falls back to a single span built from the earliest candidate", func() {
			source.add(
				sampleFor(secureURL, 0),
				sampleFor(secureURL, 100),
				sampleFor(secureURL, 200),
			)

			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(200, "OK")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(raw.Operation).To(Equal("GET " + secureURL))
			Expect(raw.Events[2].Name).To(Equal("fetchStart"))
			Expect(raw.Events[2].Timestamp).To(Equal(start.Add(10 * time.Millisecond)))
			Consistently(exported).ShouldNot(Receive())
		})
	})

	Describe("abort", func() {
		It("short-circuits the timing wait and closes immediately", func() {
			source.add(sampleFor(secureURL, 0))

			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnAbort()

			Expect(r.State()).To(Equal("CLOSED"))

			var raw reqtrace.RawSpan
			Expect(exported).To(Receive(&raw))
			Expect(eventNames(raw)).To(Equal([]string{"open", "send", "abort"}))
			Expect(raw.Status.Code).To(Equal(reqtrace.StatusError))
		})
	})

	Describe("terminal hooks", func() {
		It("honors only the first terminal hook and closes the span once", func() {
			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(200, "OK")
			r.OnError()
			r.OnAbort()

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(eventNames(raw)[len(raw.Events)-1]).To(Equal("load"))
			Consistently(exported).ShouldNot(Receive())
		})

		It("marks HTTP failures errored on load", func() {
			r := engine.OnOpen("GET", secureURL)
			r.OnSend()
			r.OnLoad(503, "Service Unavailable")

			var raw reqtrace.RawSpan
			Eventually(exported).Should(Receive(&raw))
			Expect(raw.Status.Code).To(Equal(reqtrace.StatusError))
			Expect(raw.Attributes).To(ContainElement(reqtrace.KeyValue{Key: "http.status_code", Value: int64(503)}))
		})
	})

	Describe("#OnHeadersPrepared", func() {
		It("injects B3 headers on same-origin requests", func() {
			r := engine.OnOpen("GET", "https://app.example.com/api/items")
			carrier := opentracing.TextMapCarrier{}

			r.OnHeadersPrepared(carrier)

			sc := r.Span().SpanContext()
			Expect(carrier["x-b3-traceid"]).To(Equal(sc.TraceIDString()))
			Expect(carrier["x-b3-spanid"]).To(Equal(sc.SpanIDString()))
			Expect(carrier["x-b3-sampled"]).To(Equal("1"))
		})

		It("leaves cross-origin requests untouched without an allow rule", func() {
			r := engine.OnOpen("GET", secureURL)
			carrier := opentracing.TextMapCarrier{}

			r.OnHeadersPrepared(carrier)

			Expect(carrier).To(BeEmpty())
		})

		It("injects cross-origin when the allow rule matches", func() {
			engine = newEngine(reqtrace.WithAllowRule(reqtrace.AllowedOrigins{"https://api.example.com"}))

			r := engine.OnOpen("GET", secureURL)
			carrier := opentracing.TextMapCarrier{}

			r.OnHeadersPrepared(carrier)

			Expect(carrier).To(HaveKey("x-b3-traceid"))
		})
	})
})

package reqtrace

import "context"

// Exporter receives ended spans. The core calls Export exactly once per
// ended span; batching and retries are the exporter's concern.
type Exporter interface {
	Export(ctx context.Context, spans []RawSpan) error
	Shutdown(ctx context.Context) error
}

// NoopExporter drops everything. It is the default.
type NoopExporter struct{}

func (NoopExporter) Export(context.Context, []RawSpan) error {
	return nil
}

func (NoopExporter) Shutdown(context.Context) error {
	return nil
}

// NewExporterChannel returns an Exporter and a channel that produces the
// spans it receives. When the channel buffer is full, subsequent spans are
// dropped. A buffer size of less than one is adjusted to one.
func NewExporterChannel(buffer int) (Exporter, <-chan RawSpan) {
	if buffer < 1 {
		buffer = 1
	}

	spanChan := make(chan RawSpan, buffer)

	return channelExporter{c: spanChan}, spanChan
}

type channelExporter struct {
	c chan RawSpan
}

func (e channelExporter) Export(_ context.Context, spans []RawSpan) error {
	for _, span := range spans {
		select {
		case e.c <- span:
		default:
		}
	}
	return nil
}

func (e channelExporter) Shutdown(context.Context) error {
	return nil
}

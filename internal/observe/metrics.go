// Package observe provides the observability primitives for voxloop:
// OpenTelemetry metrics and tracing, context-scoped structured logging, and
// the HTTP middleware used by the local debug server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. [DefaultMetrics] returns a process-wide
// instance bound to the global provider; tests should build their own with
// [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every voxloop instrument.
const meterName = "github.com/MrWong99/voxloop"

// Metrics holds the client's metric instruments. The OTel types are safe for
// concurrent use.
type Metrics struct {
	// ── Capture / uplink ──

	// FramesSent counts PCM frames handed to the websocket writer.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded before sending. Attribute:
	//   attribute.String("reason", "not_ready" | "backpressure")
	FramesDropped metric.Int64Counter

	// ActiveCapture is 1 while the microphone is open.
	ActiveCapture metric.Int64UpDownCounter

	// ── Transport ──

	// RequestDuration tracks HTTP round trips to the agent. Attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	RequestDuration metric.Float64Histogram

	// TransportErrors counts transport failures. Attribute:
	//   attribute.String("kind", "dial" | "read" | "write" | "http" | "server" | "breaker")
	TransportErrors metric.Int64Counter

	// ── Playback ──

	// FragmentsPlayed counts fragments that reached the output device.
	FragmentsPlayed metric.Int64Counter

	// FragmentsSkipped counts fragments dropped by the queue. Attribute:
	//   attribute.String("reason", "undersized" | "decode" | "fetch" | "budget")
	FragmentsSkipped metric.Int64Counter

	// DecoderFallbacks counts fragments that needed a decoder other than the
	// first. Attribute: attribute.String("decoder", ...)
	DecoderFallbacks metric.Int64Counter

	// ── Conversation ──

	// StateTransitions counts state machine transitions. Attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ReplyLatency is the time from end of utterance to the first reply
	// audio starting to play.
	ReplyLatency metric.Float64Histogram

	// ── HTTP middleware ──

	// HTTPRequestDuration tracks debug server request latency. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds sized for conversational
// round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("voxloop.capture.frames_sent",
		metric.WithDescription("PCM frames queued for the streaming transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxloop.capture.frames_dropped",
		metric.WithDescription("PCM frames dropped before sending, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCapture, err = m.Int64UpDownCounter("voxloop.capture.active",
		metric.WithDescription("Whether the microphone is currently open."),
	); err != nil {
		return nil, err
	}

	if met.RequestDuration, err = m.Float64Histogram("voxloop.transport.request.duration",
		metric.WithDescription("Latency of HTTP requests to the agent by endpoint and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voxloop.transport.errors",
		metric.WithDescription("Transport failures by kind."),
	); err != nil {
		return nil, err
	}

	if met.FragmentsPlayed, err = m.Int64Counter("voxloop.playback.fragments_played",
		metric.WithDescription("Audio fragments played to completion or interruption."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsSkipped, err = m.Int64Counter("voxloop.playback.fragments_skipped",
		metric.WithDescription("Audio fragments skipped by reason."),
	); err != nil {
		return nil, err
	}
	if met.DecoderFallbacks, err = m.Int64Counter("voxloop.playback.decoder_fallbacks",
		metric.WithDescription("Fragments decoded by a fallback decoder."),
	); err != nil {
		return nil, err
	}

	if met.StateTransitions, err = m.Int64Counter("voxloop.conversation.transitions",
		metric.WithDescription("Conversation state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ReplyLatency, err = m.Float64Histogram("voxloop.conversation.reply_latency",
		metric.WithDescription("Time from end of utterance until reply audio starts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxloop.http.request.duration",
		metric.WithDescription("Debug server request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to
// [otel.GetMeterProvider], creating it on first use. It panics if instrument
// creation fails, which does not happen with a valid global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped increments FramesDropped for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRequest records one agent HTTP round trip.
func (m *Metrics) RecordRequest(ctx context.Context, endpoint, status string, d time.Duration) {
	m.RequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordTransportError increments TransportErrors for kind.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSkip increments FragmentsSkipped for reason.
func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	m.FragmentsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDecoderFallback increments DecoderFallbacks for the decoder that
// succeeded.
func (m *Metrics) RecordDecoderFallback(ctx context.Context, decoder string) {
	m.DecoderFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("decoder", decoder)))
}

// RecordTransition increments StateTransitions.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

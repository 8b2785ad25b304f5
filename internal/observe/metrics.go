// Package observe provides application-wide observability primitives for
// Aria: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName is the instrumentation scope for all Aria telemetry. The meter
// and the tracer share it so metrics and spans attribute to the same scope.
const scopeName = "github.com/MrWong99/aria"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio pipeline ---

	// CallbackDuration tracks time spent inside a device callback. Use with
	// attribute: attribute.String("direction", "playback"|"capture")
	CallbackDuration metric.Float64Histogram

	// PlaybackChunks counts inbound audio chunks accepted for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackBytes counts inbound playback bytes.
	PlaybackBytes metric.Int64Counter

	// PlaybackSamples counts output samples rendered from real data.
	PlaybackSamples metric.Int64Counter

	// PlaybackUnderruns counts device callbacks that ran out of buffered
	// data partway through a block.
	PlaybackUnderruns metric.Int64Counter

	// PlaybackQueueDepth tracks the source-rate sample backlog buffered
	// ahead of the output device.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// CaptureFrames counts outbound microphone frames.
	CaptureFrames metric.Int64Counter

	// CaptureBytes counts outbound microphone bytes.
	CaptureBytes metric.Int64Counter

	// --- Server session ---

	// ConnectDuration tracks session dial and handshake latency. Use with
	// attribute: attribute.String("status", "ok"|"error")
	ConnectDuration metric.Float64Histogram

	// SessionMessages counts WebSocket messages. Use with attributes:
	//   attribute.String("direction", "in"|"out"), attribute.String("kind", "audio"|"text")
	SessionMessages metric.Int64Counter

	// SessionReconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	SessionReconnects metric.Int64Counter

	// TextEvents counts inbound text events by type. Use with attribute:
	//   attribute.String("type", ...)
	TextEvents metric.Int64Counter

	// ActiveSessions tracks the number of live server sessions (0 or 1 in
	// normal operation; the instrument allows more for future multi-session
	// use).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	// The route attribute holds the matched mux pattern, not the raw URL
	// path, so its cardinality stays bounded.
	HTTPRequestDuration metric.Float64Histogram
}

// callbackBuckets defines histogram bucket boundaries (in seconds) for device
// callback processing. A 512-sample block at 48 kHz allows roughly 10 ms.
var callbackBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// operations such as the session dial.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	// Audio pipeline.
	if met.CallbackDuration, err = m.Float64Histogram("aria.audio.callback.duration",
		metric.WithDescription("Time spent inside a device callback by direction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callbackBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("aria.playback.chunks",
		metric.WithDescription("Total inbound audio chunks accepted for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBytes, err = m.Int64Counter("aria.playback.bytes",
		metric.WithDescription("Total inbound playback bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSamples, err = m.Int64Counter("aria.playback.samples",
		metric.WithDescription("Total output samples rendered from real data."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("aria.playback.underruns",
		metric.WithDescription("Total device callbacks that ran out of buffered data."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("aria.playback.queue_depth",
		metric.WithDescription("Source-rate sample backlog buffered ahead of the output device."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("aria.capture.frames",
		metric.WithDescription("Total outbound microphone frames."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBytes, err = m.Int64Counter("aria.capture.bytes",
		metric.WithDescription("Total outbound microphone bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Server session.
	if met.ConnectDuration, err = m.Float64Histogram("aria.session.connect.duration",
		metric.WithDescription("Session dial and handshake latency by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionMessages, err = m.Int64Counter("aria.session.messages",
		metric.WithDescription("Total WebSocket messages by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionReconnects, err = m.Int64Counter("aria.session.reconnects",
		metric.WithDescription("Total reconnect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.TextEvents, err = m.Int64Counter("aria.session.text_events",
		metric.WithDescription("Total inbound text events by type."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("aria.active_sessions",
		metric.WithDescription("Number of live server sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aria.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordSessionMessage is a convenience method that records a session message
// counter increment with the standard attribute set.
func (m *Metrics) RecordSessionMessage(ctx context.Context, direction, kind string) {
	m.SessionMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		),
	)
}

// RecordTextEvent is a convenience method that records a text event counter
// increment.
func (m *Metrics) RecordTextEvent(ctx context.Context, eventType string) {
	m.TextEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordReconnect is a convenience method that records a reconnect attempt
// counter increment.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.SessionReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordConnect is a convenience method that records a session dial duration
// observation.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

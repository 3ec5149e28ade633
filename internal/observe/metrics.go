// Package observe provides application-wide observability primitives for
// Mira: OpenTelemetry metrics, tracing helpers, and HTTP middleware that ties
// them together.
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

// meterName is the instrumentation scope name used for all Mira metrics.
const meterName = "github.com/miravoice/mira"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// HandshakeDuration tracks time from dialing the live endpoint until the
	// setup acknowledgement arrives.
	HandshakeDuration metric.Float64Histogram

	// BurstDuration tracks the audio duration of assembled playback bursts.
	BurstDuration metric.Float64Histogram

	// TurnLatency tracks time from the last captured speech frame of a user
	// turn until the first model audio chunk of the reply.
	TurnLatency metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames forwarded to the live session.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames never sent. Use with attribute:
	//   attribute.String("reason", ...) ("silence", "session_closed")
	FramesDropped metric.Int64Counter

	// DecodeErrors counts inbound messages the session could not decode.
	// Use with attribute: attribute.String("stage", ...)
	DecodeErrors metric.Int64Counter

	// TurnsPersisted counts conversation turns written to the store. Use with
	// attribute: attribute.String("role", ...)
	TurnsPersisted metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("mira.transport.handshake.duration",
		metric.WithDescription("Time from dial until the setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BurstDuration, err = m.Float64Histogram("mira.playback.burst.duration",
		metric.WithDescription("Audio duration of assembled playback bursts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("mira.session.turn.latency",
		metric.WithDescription("Time from end of user speech until the first reply audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("mira.capture.frames.sent",
		metric.WithDescription("Capture frames forwarded to the live session."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("mira.capture.frames.dropped",
		metric.WithDescription("Capture frames dropped before sending, by reason."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("mira.transport.decode.errors",
		metric.WithDescription("Inbound live messages that failed to decode, by stage."),
	); err != nil {
		return nil, err
	}
	if met.TurnsPersisted, err = m.Int64Counter("mira.persist.turns",
		metric.WithDescription("Conversation turns written to the store, by role."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("mira.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mira.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped records a dropped capture frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordDecodeError records an inbound message that failed to decode at the
// given pipeline stage.
func (m *Metrics) RecordDecodeError(ctx context.Context, stage string) {
	m.DecodeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordTurn records a conversation turn written to the store.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.TurnsPersisted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

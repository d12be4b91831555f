// Package observe provides application-wide observability primitives for
// coachlive: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all coachlive metrics.
const meterName = "github.com/MrWong99/coachlive"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Connect to a running session:
	// device open plus transport handshake.
	ConnectDuration metric.Float64Histogram

	// RecordingDuration tracks the length of exported session recordings.
	RecordingDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts transport connect attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CaptureFrames counts microphone frames forwarded to the transport.
	CaptureFrames metric.Int64Counter

	// PlaybackBuffers counts decoded speech buffers scheduled for playback.
	PlaybackBuffers metric.Int64Counter

	// Interruptions counts barge-in interruptions of model speech.
	Interruptions metric.Int64Counter

	// ProtocolEvents counts decoded side-channel markers. Use with attribute:
	//   attribute.String("kind", ...)
	ProtocolEvents metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts transport errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// DecodeErrors counts inbound audio payloads dropped because they could
	// not be decoded.
	DecodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connect and handshake latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// recordingBuckets defines histogram bucket boundaries (in seconds) for
// session recording lengths.
var recordingBuckets = []float64{
	10, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("coachlive.session.connect.duration",
		metric.WithDescription("Latency of opening devices and completing the transport handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = m.Float64Histogram("coachlive.recording.duration",
		metric.WithDescription("Length of exported session recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(recordingBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("coachlive.provider.requests",
		metric.WithDescription("Total transport connect attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("coachlive.capture.frames",
		metric.WithDescription("Total microphone frames forwarded to the transport."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBuffers, err = m.Int64Counter("coachlive.playback.buffers",
		metric.WithDescription("Total speech buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("coachlive.playback.interruptions",
		metric.WithDescription("Total barge-in interruptions of model speech."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolEvents, err = m.Int64Counter("coachlive.protocol.events",
		metric.WithDescription("Total decoded side-channel markers by kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("coachlive.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("coachlive.provider.errors",
		metric.WithDescription("Total transport errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("coachlive.decode.errors",
		metric.WithDescription("Total inbound audio payloads dropped as undecodable."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("coachlive.active_sessions",
		metric.WithDescription("Number of connected live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("coachlive.http.request.duration",
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

// RecordProviderRequest records a transport connect attempt.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a transport error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProtocolEvent records one decoded side-channel marker.
func (m *Metrics) RecordProtocolEvent(ctx context.Context, kind string) {
	m.ProtocolEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBreakerTransition records a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}

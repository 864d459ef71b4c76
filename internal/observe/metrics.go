// Package observe provides application-wide observability primitives for
// voicerelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voicerelay metrics.
const meterName = "github.com/MrWong99/voicerelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DialogueDuration tracks dialogue provider latency (full answer, or time
	// to open a stream).
	DialogueDuration metric.Float64Histogram

	// SynthesisDuration tracks speech provider latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ModelLoads counts local synthesis model loads by outcome.
	ModelLoads metric.Int64Counter

	// VoiceFallbacks counts syntheses that fell back to the default voice.
	VoiceFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks relayed token and audio streams in flight. Use
	// with attribute.String("kind", ...).
	ActiveStreams metric.Int64UpDownCounter

	// BreakerState reports each circuit breaker's state (0 closed, 1 open,
	// 2 half-open). Use with attribute.String("breaker", ...).
	BreakerState metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Hosted
// vendors answer in seconds, local synthesis on CPU can take tens of them.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DialogueDuration, err = m.Float64Histogram("voicerelay.dialogue.duration",
		metric.WithDescription("Latency of dialogue provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("voicerelay.synthesis.duration",
		metric.WithDescription("Latency of speech provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicerelay.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicerelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoads, err = m.Int64Counter("voicerelay.model.loads",
		metric.WithDescription("Local synthesis model loads by status."),
	); err != nil {
		return nil, err
	}
	if met.VoiceFallbacks, err = m.Int64Counter("voicerelay.voice.fallbacks",
		metric.WithDescription("Syntheses rendered with the default voice because the reference audio was unusable."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveStreams, err = m.Int64UpDownCounter("voicerelay.active_streams",
		metric.WithDescription("Number of streams currently relayed to clients."),
	); err != nil {
		return nil, err
	}
	if met.BreakerState, err = m.Int64Gauge("voicerelay.breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 open, 2 half-open."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicerelay.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordModelLoad records a local model load attempt.
func (m *Metrics) RecordModelLoad(ctx context.Context, status string) {
	m.ModelLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordVoiceFallback records a synthesis that used the default voice.
func (m *Metrics) RecordVoiceFallback(ctx context.Context, provider string) {
	m.VoiceFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordBreakerState records the current state of the named breaker.
func (m *Metrics) RecordBreakerState(ctx context.Context, breaker string, state int64) {
	m.BreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker", breaker)))
}

// StreamStarted increments the active stream gauge and returns a function
// that decrements it. The returned function is safe to call more than once.
func (m *Metrics) StreamStarted(ctx context.Context, kind string) (done func()) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.ActiveStreams.Add(ctx, 1, attrs)
	var once sync.Once
	return func() {
		once.Do(func() { m.ActiveStreams.Add(context.WithoutCancel(ctx), -1, attrs) })
	}
}

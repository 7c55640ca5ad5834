// Package observe provides application-wide observability primitives for
// Kapell: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
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

// meterName is the instrumentation scope name used for all Kapell metrics.
const meterName = "github.com/kapellhq/kapell"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks one complete conductor turn, from final
	// transcript to the closing idle state, including tool bridging.
	TurnDuration metric.Float64Histogram

	// ProviderDuration tracks a single model-provider invocation.
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// EventsIn counts inbound envelopes. Use with attribute:
	//   attribute.String("type", ...)
	EventsIn metric.Int64Counter

	// EventsOut counts outbound envelopes. Use with attribute:
	//   attribute.String("type", ...)
	EventsOut metric.Int64Counter

	// ProviderRequests counts provider invocations. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts bridged tool.call emissions. Use with attribute:
	//   attribute.String("tool", ...)
	ToolCalls metric.Int64Counter

	// RateLimitRejections counts envelopes refused by the per-connection
	// limiter.
	RateLimitRejections metric.Int64Counter

	// DedupDrops counts inbound envelopes dropped as duplicates.
	DedupDrops metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider failures. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open websocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("kapell.turn.duration",
		metric.WithDescription("Latency of one complete conductor turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("kapell.provider.duration",
		metric.WithDescription("Latency of a single model-provider invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsIn, err = m.Int64Counter("kapell.events.in",
		metric.WithDescription("Total inbound envelopes by event type."),
	); err != nil {
		return nil, err
	}
	if met.EventsOut, err = m.Int64Counter("kapell.events.out",
		metric.WithDescription("Total outbound envelopes by event type."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("kapell.provider.requests",
		metric.WithDescription("Total model-provider invocations by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("kapell.tool.calls",
		metric.WithDescription("Total outbound tool.call emissions by tool name."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitRejections, err = m.Int64Counter("kapell.ratelimit.rejections",
		metric.WithDescription("Total envelopes refused by the per-connection limiter."),
	); err != nil {
		return nil, err
	}
	if met.DedupDrops, err = m.Int64Counter("kapell.dedup.drops",
		metric.WithDescription("Total inbound envelopes dropped as duplicates."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("kapell.provider.errors",
		metric.WithDescription("Total model-provider failures by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kapell.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("kapell.active_connections",
		metric.WithDescription("Number of open websocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kapell.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordEventIn records one inbound envelope.
func (m *Metrics) RecordEventIn(ctx context.Context, eventType string) {
	m.EventsIn.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordEventOut records one outbound envelope.
func (m *Metrics) RecordEventOut(ctx context.Context, eventType string) {
	m.EventsOut.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordProviderRequest records one provider invocation with its outcome.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordToolCall records one outbound tool.call.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

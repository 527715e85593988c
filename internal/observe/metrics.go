// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parley-voice/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BargeInLatency tracks the time from an interrupt request to silence on
	// the playback sink. This is the number the whole engine is tuned around.
	BargeInLatency metric.Float64Histogram

	// TurnDuration tracks the wall-clock length of a full conversation turn,
	// from listening start to the finished state.
	TurnDuration metric.Float64Histogram

	// ContextLookupDuration tracks how long the context bridge takes to
	// assemble a function-call payload from the store.
	ContextLookupDuration metric.Float64Histogram

	// --- Counters ---

	// RelayMessages counts websocket messages forwarded by the relay. Use
	// with attribute:
	//   attribute.String("direction", ...)
	RelayMessages metric.Int64Counter

	// RelayOverflows counts relay sessions dropped because a forwarding
	// buffer filled up. Use with attribute:
	//   attribute.String("direction", ...)
	RelayOverflows metric.Int64Counter

	// CacheHits and CacheMisses count speech cache lookups.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// ContextLookupErrors counts failed or degraded context bridge lookups.
	ContextLookupErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackQueueDepth tracks frames buffered but not yet written to the
	// playback sink, summed over live conversations.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime voice latencies. The low end is deliberately fine-grained:
// barge-in is expected to land well under 150ms.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1, 2.5, 5, 10,
}

// turnBuckets covers full conversational turns, which run seconds rather than
// milliseconds.
var turnBuckets = []float64{
	0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BargeInLatency, err = m.Float64Histogram("parley.barge_in.latency",
		metric.WithDescription("Time from interrupt request to silent playback sink."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Wall-clock length of a conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ContextLookupDuration, err = m.Float64Histogram("parley.context_lookup.duration",
		metric.WithDescription("Latency of context bridge lookups."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RelayMessages, err = m.Int64Counter("parley.relay.messages",
		metric.WithDescription("Total websocket messages forwarded by the relay, by direction."),
	); err != nil {
		return nil, err
	}
	if met.RelayOverflows, err = m.Int64Counter("parley.relay.overflows",
		metric.WithDescription("Relay sessions dropped due to a full forwarding buffer, by direction."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("parley.speech_cache.hits",
		metric.WithDescription("Speech cache lookups answered from the cache."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("parley.speech_cache.misses",
		metric.WithDescription("Speech cache lookups that required a fill."),
	); err != nil {
		return nil, err
	}
	if met.ContextLookupErrors, err = m.Int64Counter("parley.context_lookup.errors",
		metric.WithDescription("Context bridge lookups that failed or returned degraded payloads."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("parley.playback.queue_depth",
		metric.WithDescription("Frames buffered but not yet written to the playback sink."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordRelayMessage records one forwarded relay message.
func (m *Metrics) RecordRelayMessage(ctx context.Context, direction string) {
	m.RelayMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordRelayOverflow records a relay session dropped for backpressure.
func (m *Metrics) RecordRelayOverflow(ctx context.Context, direction string) {
	m.RelayOverflows.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordCacheLookup records one speech cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if hit {
		m.CacheHits.Add(ctx, 1)
	} else {
		m.CacheMisses.Add(ctx, 1)
	}
}

// RecordContextLookup records the duration of one context bridge lookup and,
// when failed is set, an error increment alongside it.
func (m *Metrics) RecordContextLookup(ctx context.Context, d time.Duration, failed bool) {
	m.ContextLookupDuration.Record(ctx, d.Seconds())
	if failed {
		m.ContextLookupErrors.Add(ctx, 1)
	}
}

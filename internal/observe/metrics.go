// Package observe provides the observability primitives shared by toolgate:
// OpenTelemetry metrics, distributed tracing, context-scoped logging and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter set up by [InitProvider]. A
// package-level [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all toolgate metrics.
const meterName = "github.com/MrWong99/toolgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// CallDuration tracks end-to-end tool call latency including retries.
	// Attributes: server, method, outcome.
	CallDuration metric.Float64Histogram

	// Calls counts finished calls. Attributes: server, method, outcome.
	// outcome is "ok" or the error kind name.
	Calls metric.Int64Counter

	// CallRetries counts attempts beyond the first. Attributes: server.
	CallRetries metric.Int64Counter

	// CircuitTransitions counts breaker state changes.
	// Attributes: server, from, to.
	CircuitTransitions metric.Int64Counter

	// PoolConnections tracks open physical connections. Attributes: server.
	PoolConnections metric.Int64UpDownCounter

	// PoolAcquires counts pool acquisitions. Attributes: server, result.
	PoolAcquires metric.Int64Counter

	// ActiveRequests tracks admitted in-flight calls. Attributes: server.
	ActiveRequests metric.Int64UpDownCounter

	// CacheLookups counts cache lookups. Attributes: server, tier.
	// tier is "l1", "l2" or "miss".
	CacheLookups metric.Int64Counter

	// ShutdownServers counts servers closed during shutdown.
	// Attributes: mode ("graceful" or "forced").
	ShutdownServers metric.Int64Counter

	// HTTPRequestDuration tracks gateway request processing time.
	// Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for tool
// calls, from sub-millisecond local servers to the 30s tool timeout.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("toolgate.call.duration",
		metric.WithDescription("Latency of tool calls including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Calls, err = m.Int64Counter("toolgate.calls",
		metric.WithDescription("Finished tool calls by server, method and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallRetries, err = m.Int64Counter("toolgate.call.retries",
		metric.WithDescription("Retry attempts by server."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("toolgate.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes by server."),
	); err != nil {
		return nil, err
	}
	if met.PoolAcquires, err = m.Int64Counter("toolgate.pool.acquires",
		metric.WithDescription("Connection pool acquisitions by server and result."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("toolgate.cache.lookups",
		metric.WithDescription("Result cache lookups by server and tier."),
	); err != nil {
		return nil, err
	}
	if met.ShutdownServers, err = m.Int64Counter("toolgate.shutdown.servers",
		metric.WithDescription("Servers closed during shutdown by mode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PoolConnections, err = m.Int64UpDownCounter("toolgate.pool.connections",
		metric.WithDescription("Open connections per server."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRequests, err = m.Int64UpDownCounter("toolgate.requests.active",
		metric.WithDescription("Admitted in-flight calls per server."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCall records one finished call: its latency and its outcome.
func (m *Metrics) RecordCall(ctx context.Context, server, method, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	m.CallDuration.Record(ctx, d.Seconds(), attrs)
	m.Calls.Add(ctx, 1, attrs)
}

// RecordRetry records one retry attempt.
func (m *Metrics) RecordRetry(ctx context.Context, server string) {
	m.CallRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, server, from, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordAcquire records a pool acquisition with result "ok", "exhausted",
// "connect_error" or "limit".
func (m *Metrics) RecordAcquire(ctx context.Context, server, result string) {
	m.PoolAcquires.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("result", result),
		),
	)
}

// AddConnections adjusts the open-connection gauge by delta.
func (m *Metrics) AddConnections(ctx context.Context, server string, delta int64) {
	m.PoolConnections.Add(ctx, delta, metric.WithAttributes(attribute.String("server", server)))
}

// AddActiveRequests adjusts the in-flight call gauge by delta.
func (m *Metrics) AddActiveRequests(ctx context.Context, server string, delta int64) {
	m.ActiveRequests.Add(ctx, delta, metric.WithAttributes(attribute.String("server", server)))
}

// RecordCacheLookup records a cache lookup answered by tier.
func (m *Metrics) RecordCacheLookup(ctx context.Context, server, tier string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("tier", tier),
		),
	)
}

// RecordShutdown records how n servers were closed.
func (m *Metrics) RecordShutdown(ctx context.Context, mode string, n int) {
	if n == 0 {
		return
	}
	m.ShutdownServers.Add(ctx, int64(n), metric.WithAttributes(attribute.String("mode", mode)))
}

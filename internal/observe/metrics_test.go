package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumPoint returns the value of the data point of a Sum[int64] metric whose
// attributes include every key/value in want.
func sumPoint(t *testing.T, rm metricdata.ResourceMetrics, name string, want ...attribute.KeyValue) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range want {
			v, ok := dp.Attributes.Value(kv.Key)
			if !ok || v != kv.Value {
				match = false
				break
			}
		}
		if match {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestRecordCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCall(ctx, "fs", "tools/call", "ok", 20*time.Millisecond)
	m.RecordCall(ctx, "fs", "tools/call", "ok", 40*time.Millisecond)
	m.RecordCall(ctx, "fs", "tools/call", "timeout", time.Second)

	rm := collect(t, reader)

	met := findMetric(rm, "toolgate.call.duration")
	if met == nil {
		t.Fatal("toolgate.call.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("toolgate.call.duration is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("sample count = %d, want 3", total)
	}

	if v, ok := sumPoint(t, rm, "toolgate.calls", Attr("server", "fs"), Attr("outcome", "ok")); !ok || v != 2 {
		t.Errorf("ok calls = %d (found %v), want 2", v, ok)
	}
	if v, ok := sumPoint(t, rm, "toolgate.calls", Attr("outcome", "timeout")); !ok || v != 1 {
		t.Errorf("timeout calls = %d (found %v), want 1", v, ok)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRetry(ctx, "fs")
	m.RecordRetry(ctx, "fs")
	m.RecordCircuitTransition(ctx, "fs", "closed", "open")
	m.RecordAcquire(ctx, "fs", "ok")
	m.RecordAcquire(ctx, "fs", "exhausted")
	m.RecordCacheLookup(ctx, "fs", "l1")
	m.RecordCacheLookup(ctx, "fs", "miss")
	m.RecordCacheLookup(ctx, "fs", "miss")
	m.RecordShutdown(ctx, "graceful", 3)
	m.RecordShutdown(ctx, "forced", 0)

	rm := collect(t, reader)

	tests := []struct {
		name   string
		metric string
		attrs  []attribute.KeyValue
		want   int64
	}{
		{"retries", "toolgate.call.retries", []attribute.KeyValue{Attr("server", "fs")}, 2},
		{"transition", "toolgate.circuit.transitions", []attribute.KeyValue{Attr("from", "closed"), Attr("to", "open")}, 1},
		{"acquire exhausted", "toolgate.pool.acquires", []attribute.KeyValue{Attr("result", "exhausted")}, 1},
		{"cache miss", "toolgate.cache.lookups", []attribute.KeyValue{Attr("tier", "miss")}, 2},
		{"cache l1", "toolgate.cache.lookups", []attribute.KeyValue{Attr("tier", "l1")}, 1},
		{"shutdown graceful", "toolgate.shutdown.servers", []attribute.KeyValue{Attr("mode", "graceful")}, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, ok := sumPoint(t, rm, tc.metric, tc.attrs...)
			if !ok {
				t.Fatalf("no data point for %v", tc.attrs)
			}
			if v != tc.want {
				t.Errorf("value = %d, want %d", v, tc.want)
			}
		})
	}

	if _, ok := sumPoint(t, rm, "toolgate.shutdown.servers", Attr("mode", "forced")); ok {
		t.Error("RecordShutdown with n=0 should not create a data point")
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AddConnections(ctx, "fs", 1)
	m.AddConnections(ctx, "fs", 1)
	m.AddConnections(ctx, "fs", -1)
	m.AddActiveRequests(ctx, "fs", 3)

	rm := collect(t, reader)

	if v, _ := sumPoint(t, rm, "toolgate.pool.connections", Attr("server", "fs")); v != 1 {
		t.Errorf("connections = %d, want 1", v)
	}
	if v, _ := sumPoint(t, rm, "toolgate.requests.active", Attr("server", "fs")); v != 3 {
		t.Errorf("active requests = %d, want 3", v)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

package observe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// initTestProvider runs InitProvider against a private Prometheus registry and
// restores the global providers afterwards. Not safe for parallel tests.
func initTestProvider(t *testing.T, cfg ProviderConfig) *prometheus.Registry {
	t.Helper()
	prevMP, prevTP, prevProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()

	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	shutdown, err := InitProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return reg
}

func flushTraces(t *testing.T) {
	t.Helper()
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	if !ok {
		t.Fatalf("global tracer provider is %T, want the SDK provider", otel.GetTracerProvider())
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
}

func TestInitProvider_ExportsMetricsToPrometheus(t *testing.T) {
	reg := initTestProvider(t, ProviderConfig{ServiceVersion: "test"})

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordCall(context.Background(), "fs", "tools/call", "ok", 15*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "toolgate_calls") {
			found = true
		}
	}
	if !found {
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		t.Errorf("no toolgate_calls family in %v", names)
	}
}

func TestInitProvider_ExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	initTestProvider(t, ProviderConfig{TraceExporter: exp})

	_, span := StartSpan(context.Background(), "invoker.call")
	span.End()
	flushTraces(t)

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "invoker.call" {
		t.Fatalf("exported spans = %v, want one invoker.call", spans)
	}
	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "toolgate" {
		t.Errorf("service.name = %q, want toolgate", service)
	}
}

func TestInitProvider_SampleRatio(t *testing.T) {
	tests := []struct {
		name    string
		ratio   float64
		sampled bool
	}{
		{"zero samples everything", 0, true},
		{"one samples everything", 1, true},
		{"tiny ratio drops root spans", 1e-12, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initTestProvider(t, ProviderConfig{TraceSampleRatio: tt.ratio})

			_, span := StartSpan(context.Background(), "probe")
			defer span.End()
			if got := span.SpanContext().IsSampled(); got != tt.sampled {
				t.Errorf("sampled = %v, want %v", got, tt.sampled)
			}
		})
	}
}

func TestInitProvider_InstallsTraceContextPropagator(t *testing.T) {
	initTestProvider(t, ProviderConfig{})

	fields := otel.GetTextMapPropagator().Fields()
	if len(fields) == 0 || fields[0] != "traceparent" {
		t.Errorf("propagator fields = %v, want traceparent first", fields)
	}
}

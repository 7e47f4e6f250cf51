package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the toolgate tracer.
const tracerName = "github.com/MrWong99/toolgate"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Span attributes of a tool call.
const (
	AttrServer  = attribute.Key("toolgate.server")
	AttrMethod  = attribute.Key("rpc.method")
	AttrOutcome = attribute.Key("toolgate.outcome")
	AttrAttempt = attribute.Key("toolgate.attempt")
)

// callSpanName names the client span around one call to a tool server.
const callSpanName = "toolgate.call"

// StartCallSpan starts the client span for one call of method on server.
// Finish it with [EndCallSpan].
func StartCallSpan(ctx context.Context, server, method string) (context.Context, trace.Span) {
	return StartSpan(ctx, callSpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrServer.String(server), AttrMethod.String(method)),
	)
}

// EndCallSpan records outcome ("ok" or the error kind) on span, marks it
// failed when err is non-nil and ends it.
func EndCallSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}

// MarkRetry adds a retry event for attempt to the span in ctx.
func MarkRetry(ctx context.Context, attempt int) {
	trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(AttrAttempt.Int(attempt)))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. Without an active span it is the default
// logger.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/davidleathers/debt-comms-compliance"

// Tracer returns the tracer used by the compliance services. Exporters are
// owned by the host process; without one the global no-op provider is used.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartServiceSpan starts a span named service.operation
func StartServiceSpan(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, service+"."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// WithSpanError records err on span and marks it failed
func WithSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

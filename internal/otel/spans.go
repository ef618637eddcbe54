package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskdag spans.
var (
	AttrSessionID    = attribute.Key("taskdag.session.id")
	AttrTaskID       = attribute.Key("taskdag.task.id")
	AttrDependencyID = attribute.Key("taskdag.dependency.id")
	AttrRoute        = attribute.Key("taskdag.http.route")
	AttrStatusCode   = attribute.Key("taskdag.http.status_code")
	AttrOperation    = attribute.Key("taskdag.operation")
	AttrOutcome      = attribute.Key("taskdag.outcome")
	AttrReason       = attribute.Key("taskdag.reason")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

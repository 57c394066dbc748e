package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/backbone"

// Tracer provides OpenTelemetry spans for inbox processing, saga steps and publishing.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return NewTracerFrom(otel.GetTracerProvider())
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartInboxSpan starts a span for one inbox Process call.
func (t *Tracer) StartInboxSpan(ctx context.Context, eventID, eventType, correlationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "backbone.inbox.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("backbone.event_id", eventID),
			attribute.String("backbone.event_type", eventType),
			attribute.String("backbone.correlation_id", correlationID),
		),
	)
}

// StartSagaSpan starts a span for one saga step.
func (t *Tracer) StartSagaSpan(ctx context.Context, applicationID, step string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "backbone.saga.step",
		trace.WithAttributes(
			attribute.String("backbone.application_id", applicationID),
			attribute.String("backbone.saga_step", step),
		),
	)
}

// StartPublishSpan starts a span for one broker publish.
func (t *Tracer) StartPublishSpan(ctx context.Context, exchange, routingKey, eventID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "backbone.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("backbone.event_id", eventID),
		),
	)
}

// EndSpan records the outcome and error, if any, and ends span.
func (t *Tracer) EndSpan(span trace.Span, outcome string, err error) {
	if outcome != "" {
		span.SetAttributes(attribute.String("backbone.outcome", outcome))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

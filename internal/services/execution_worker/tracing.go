package executionworker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tims-exe/dex-order-engine/internal/ports/outbound"
)

// spanRecorder is the part of trace.Span the worker writes errors to.
type spanRecorder interface {
	RecordError(err error, options ...trace.EventOption)
	SetStatus(code codes.Code, description string)
}

func startJobSpan(ctx context.Context, orderID string, msg outbound.QueueMessage) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "worker.processJob",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("messaging.message.id", msg.MessageID),
			attribute.Int("messaging.receive_count", msg.ReceiveCount),
		),
	)
}

func startAttemptSpan(ctx context.Context, orderID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "worker.attempt",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.Int("order.attempt", attempt),
		),
	)
}

func dexAttribute(dex string) attribute.KeyValue {
	return attribute.String("order.dex", dex)
}

func recordSpanError(span spanRecorder, err error, description string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}

package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const protocolTracerName = "agentbridge-protocol"

func protocolTracer() trace.Tracer {
	return Tracer(protocolTracerName)
}

// TracePromptTurn starts a span covering one prompt-to-result turn.
// Caller must call span.End() when the turn completes.
func TracePromptTurn(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, "bridge.prompt",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TracePromptResult records the turn outcome on the prompt span.
func TracePromptResult(span trace.Span, stopReason string, numTurns int, err error) {
	span.SetAttributes(
		attribute.String("stop_reason", stopReason),
		attribute.Int("num_turns", numTurns),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceControlRequest starts a span for an outgoing control request to the child.
// Caller must call span.End() when the response arrives.
func TraceControlRequest(ctx context.Context, subtype, requestID string) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, "agent.control."+subtype,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("control.subtype", subtype),
		attribute.String("control.request_id", requestID),
	)
	return ctx, span
}

// TraceChildMessage creates a single span for a message received from the child.
// Notification spans become children of the prompt span for visual grouping.
func TraceChildMessage(ctx context.Context, msgType, sessionID string) {
	_, span := protocolTracer().Start(ctx, "agent.message."+msgType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("message_type", msgType),
		attribute.String("session_id", sessionID),
	)
}

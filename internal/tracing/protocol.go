package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cardev/car/internal/streams"
)

const (
	protocolTracerName = "car-protocol"
	maxAttrValueLen    = 8192 // 8KB truncation for span event payloads
)

// Protocol names attached to wire-level spans.
const (
	ProtocolAppServer = "app-server"
	ProtocolOpencode  = "opencode"
)

// protocolTracer returns the tracer for wire-level spans. These carry full
// message payloads, so they require the protocol switch in addition to an
// exporter endpoint. Returns a no-op tracer when the switch is off.
func protocolTracer() trace.Tracer {
	if !ProtocolEnabled() {
		return noop.NewTracerProvider().Tracer(protocolTracerName)
	}
	return Tracer(protocolTracerName)
}

// TraceTurn starts the parent span for one turn. Request, notification,
// and approval spans hang off the returned context. The caller must end
// the span through EndTurn.
func TraceTurn(ctx context.Context, flavor, sessionKey, agentID string) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, flavor+".turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("flavor", flavor),
		attribute.String("session_key", sessionKey),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// EndTurn records the turn's terminal state and ends the span.
func EndTurn(span trace.Span, threadID, status string, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("thread_id", threadID),
		attribute.String("turn_status", status),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceRequest starts a span for an outgoing protocol request, with the
// params payload attached truncated. The caller must end the span through
// EndRequest when the response arrives.
func TraceRequest(ctx context.Context, protocol, method string, params json.RawMessage) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, protocol+"."+method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("protocol", protocol),
		attribute.String("rpc_method", method),
	)
	if len(params) > 0 {
		span.AddEvent("params", trace.WithAttributes(
			attribute.String("data", truncate(string(params), maxAttrValueLen)),
		))
	}
	return ctx, span
}

// EndRequest records the response on the span and ends it.
func EndRequest(span trace.Span, result json.RawMessage, err error) {
	if span == nil {
		return
	}
	if len(result) > 0 {
		span.AddEvent("result", trace.WithAttributes(
			attribute.String("data", truncate(string(result), maxAttrValueLen)),
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceNotification creates a single span for one received protocol
// notification. Two events are attached: "raw" with the original wire JSON
// and "normalized" with the run events it produced, allowing side-by-side
// comparison in Jaeger/Tempo.
func TraceNotification(ctx context.Context, protocol, method, threadID, turnID string, raw json.RawMessage, normalized []streams.RunEvent) {
	_, span := protocolTracer().Start(ctx, protocol+"."+method,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("protocol", protocol),
		attribute.String("thread_id", threadID),
		attribute.String("turn_id", turnID),
		attribute.Int("event_count", len(normalized)),
	)

	if len(raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", truncate(string(raw), maxAttrValueLen)),
		))
	}

	if len(normalized) > 0 {
		if normJSON, err := json.Marshal(normalized); err == nil {
			span.AddEvent("normalized", trace.WithAttributes(
				attribute.String("data", truncate(string(normJSON), maxAttrValueLen)),
			))
		}
	}
}

// TraceApproval starts a span for one approval decision. The caller must
// end it through EndApproval.
func TraceApproval(ctx context.Context, method, threadID, turnID string) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, "approval.decide",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("approval_method", method),
		attribute.String("thread_id", threadID),
		attribute.String("turn_id", turnID),
	)
	return ctx, span
}

// EndApproval records the decision and ends the span.
func EndApproval(span trace.Span, approved bool, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Bool("approved", approved))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}

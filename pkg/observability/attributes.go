package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by the governance instruments and span events.
var (
	AttrEnvelopeHash  = attribute.Key("authority.envelope.hash")
	AttrSealOutcome   = attribute.Key("authority.seal.outcome")
	AttrGateDecision  = attribute.Key("authority.gate.decision")
	AttrViolationCode = attribute.Key("authority.gate.violation_code")
	AttrRequestSource = attribute.Key("authority.request.source")
	AttrReplayID      = attribute.Key("authority.replay.id")
	AttrReplayStatus  = attribute.Key("authority.replay.status")
	AttrDriftType     = attribute.Key("authority.replay.drift_type")
)

// SealOutcome labels a seal as "new" or "existing".
func SealOutcome(isNew bool) attribute.KeyValue {
	if isNew {
		return AttrSealOutcome.String("new")
	}
	return AttrSealOutcome.String("existing")
}

// GateOperation labels a gate decision. code is empty on pass.
func GateOperation(source string, passed bool, code string) []attribute.KeyValue {
	decision := "deny"
	if passed {
		decision = "allow"
	}
	return []attribute.KeyValue{
		AttrRequestSource.String(source),
		AttrGateDecision.String(decision),
		AttrViolationCode.String(code),
	}
}

// AddSpanEvent adds an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

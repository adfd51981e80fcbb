package tracing

import (
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys use the costgate.* namespace.
const (
	AttrTenantID  = "costgate.tenant_id"
	AttrActorID   = "costgate.actor_id"
	AttrEventKind = "costgate.event_kind"
	AttrChannel   = "costgate.channel"
	AttrOperation = "costgate.operation"

	AttrEstimate  = "costgate.cost.estimate"
	AttrCost      = "costgate.cost.actual"
	AttrRemaining = "costgate.budget.remaining"

	AttrAdmit       = "costgate.decision.admit"
	AttrCode        = "costgate.decision.code"
	AttrAbuseAction = "costgate.abuse.action"
	AttrAccepted    = "costgate.deduction.accepted"
	AttrPaused      = "costgate.deduction.paused"
)

// RequestAttributes describes an admission request. Empty values are
// omitted. Amounts are recorded as decimal strings.
func RequestAttributes(tenantID, actorID, eventKind, channel string, estimate decimal.Decimal) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrTenantID, tenantID)}
	if actorID != "" {
		attrs = append(attrs, attribute.String(AttrActorID, actorID))
	}
	if eventKind != "" {
		attrs = append(attrs, attribute.String(AttrEventKind, eventKind))
	}
	if channel != "" {
		attrs = append(attrs, attribute.String(AttrChannel, channel))
	}
	if !estimate.IsZero() {
		attrs = append(attrs, attribute.String(AttrEstimate, estimate.String()))
	}
	return attrs
}

// SetDecisionAttributes records an admission outcome.
func SetDecisionAttributes(span trace.Span, admit bool, code, abuseAction string) {
	span.SetAttributes(
		attribute.Bool(AttrAdmit, admit),
		attribute.String(AttrCode, code),
	)
	if abuseAction != "" {
		span.SetAttributes(attribute.String(AttrAbuseAction, abuseAction))
	}
}

// SetDeductionAttributes records a ledger deduction.
func SetDeductionAttributes(span trace.Span, accepted bool, code string, cost, remaining decimal.Decimal, paused bool) {
	span.SetAttributes(
		attribute.Bool(AttrAccepted, accepted),
		attribute.String(AttrCode, code),
		attribute.String(AttrCost, cost.String()),
		attribute.String(AttrRemaining, remaining.String()),
		attribute.Bool(AttrPaused, paused),
	)
}

package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"mercator-hq/costgate/pkg/limits/budget"
	"mercator-hq/costgate/pkg/limits/ratelimit"
	"mercator-hq/costgate/pkg/processing/costs"
)

// DefaultCallEstimateSeconds is the call length assumed when the caller
// gives none.
const DefaultCallEstimateSeconds = 300

// voiceEventKind scopes the cooldown for outbound calls.
const voiceEventKind = "call"

// CheckVoiceBudget reports whether vc.TenantID can afford a call of about
// vc.EstimatedSeconds and whether the caller is within its rate limits.
// Unlike Check it fails open: an unreachable ledger or limiter allows the
// call.
func (g *Gate) CheckVoiceBudget(ctx context.Context, vc VoiceCheck) (*VoiceBudget, error) {
	if vc.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id cannot be empty", ErrInvalidRequest)
	}
	if vc.EstimatedSeconds <= 0 {
		vc.EstimatedSeconds = DefaultCallEstimateSeconds
	}

	vb := &VoiceBudget{
		Allowed:       true,
		Code:          CodeOK,
		EstimatedCost: g.pricing.EstimateVoice(vc.Provider, vc.EstimatedSeconds),
	}

	ok, err := g.ledger.HasBudgetAvailable(ctx, vc.TenantID, vb.EstimatedCost)
	switch {
	case errors.Is(err, budget.ErrTenantNotFound):
		return nil, err
	case err != nil:
		g.logger.Warn("voice budget check failed, allowing call",
			"tenant_id", vc.TenantID,
			"provider", vc.Provider,
			"error", err,
		)
		g.metrics.RecordAdmission("voice_fail_open")
		vb.FailedOpen = true
	case !ok:
		vb.Allowed = false
		vb.Code = CodeBudgetExceeded
		vb.Reason = fmt.Sprintf("estimated call cost %s exceeds available budget", vb.EstimatedCost.StringFixed(4))
		g.metrics.RecordAdmission("voice_" + string(vb.Code))
		return vb, nil
	}

	if g.limiter == nil {
		return vb, nil
	}
	rd, err := g.limiter.Check(ctx, ratelimit.Request{
		TenantID:      vc.TenantID,
		ActorID:       vc.Caller,
		SourceAddress: vc.SourceAddress,
		Verified:      vc.Verified,
		EventKind:     voiceEventKind,
	})
	if err != nil {
		g.logger.Warn("voice rate limit check failed, allowing call",
			"tenant_id", vc.TenantID,
			"caller", vc.Caller,
			"error", err,
		)
		g.metrics.RecordAdmission("voice_fail_open")
		vb.FailedOpen = true
		return vb, nil
	}
	if !rd.Allowed {
		vb.Allowed = false
		vb.Code = CodeRateLimited
		vb.Reason = rd.Reason
		vb.RetryAfter = rd.RetryAfter
		g.metrics.RecordAdmission("voice_" + string(vb.Code))
		g.logger.Info("call refused",
			"tenant_id", vc.TenantID,
			"caller", vc.Caller,
			"reason", rd.Reason,
		)
	}
	return vb, nil
}

// ReportCallCost prices a completed call and deducts it. The call ID is
// recorded as the operation ID.
func (g *Gate) ReportCallCost(ctx context.Context, r CallReport) (*budget.DeductResult, error) {
	if r.TenantID == "" || r.CallID == "" {
		return nil, fmt.Errorf("%w: tenant id and call id are required", ErrInvalidRequest)
	}
	if r.DurationSeconds < 0 {
		return nil, fmt.Errorf("%w: negative call duration %d", budget.ErrInvalidAmount, r.DurationSeconds)
	}

	provider := r.Provider
	if provider == "" {
		provider = costs.DefaultProvider
	}
	cost := g.pricing.VoiceCallCost(provider, r.DurationSeconds)

	res, err := g.Commit(ctx, CommitRequest{
		TenantID:    r.TenantID,
		ActorID:     r.Actor,
		OperationID: r.CallID,
		ServiceKind: costs.ServiceVoice,
		Channel:     costs.ServiceVoice,
		Cost:        cost,
		Quantity:    decimal.NewFromInt(int64(r.DurationSeconds)),
		Metadata:    map[string]string{"provider": provider},
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("call cost recorded",
		"tenant_id", r.TenantID,
		"call_id", r.CallID,
		"duration_seconds", r.DurationSeconds,
		"cost", cost.String(),
		"accepted", res.Accepted,
	)
	return res, nil
}

package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/limits/abuse"
	"mercator-hq/costgate/pkg/limits/budget"
	"mercator-hq/costgate/pkg/limits/ratelimit"
	"mercator-hq/costgate/pkg/processing/costs"
	"mercator-hq/costgate/pkg/resilience/breaker"
	"mercator-hq/costgate/pkg/telemetry/metrics"
	"mercator-hq/costgate/pkg/telemetry/tracing"
)

// ErrInvalidRequest is returned for a request without a tenant.
var ErrInvalidRequest = errors.New("invalid admission request")

// Gate runs the admission checks in order and commits real costs.
//
// The budget pre-check runs first, then rate limits, then abuse detection.
// The first refusal wins. Only the budget check can fail closed: an
// unreachable ledger refuses the request, while the rate limiter and
// abuse detector degrade to allow.
//
// # Example
//
//	gate := admission.New(ledger,
//	    admission.WithLimiter(limiter),
//	    admission.WithDetector(detector),
//	    admission.WithBreakers(breakers),
//	)
//
//	out, err := gate.Run(ctx, "openai", req, func(ctx context.Context) (*admission.Usage, error) {
//	    resp, err := client.Complete(ctx, prompt)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return &admission.Usage{ServiceKind: costs.ServiceAI, Cost: resp.Cost}, nil
//	})
type Gate struct {
	ledger   *budget.Ledger
	limiter  *ratelimit.Limiter
	detector *abuse.Detector
	breakers *breaker.Registry
	pricing  *costs.Calculator

	metrics *metrics.Collector
	tracer  *tracing.Tracer
	logger  *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLimiter enables rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gate) {
		g.limiter = l
	}
}

// WithDetector enables abuse detection.
func WithDetector(d *abuse.Detector) Option {
	return func(g *Gate) {
		g.detector = d
	}
}

// WithBreakers sets the breaker registry used by Run.
func WithBreakers(r *breaker.Registry) Option {
	return func(g *Gate) {
		g.breakers = r
	}
}

// WithPricing sets the calculator used to price voice calls.
func WithPricing(c *costs.Calculator) Option {
	return func(g *Gate) {
		g.pricing = c
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithTracer records a span per check, commit and run.
func WithTracer(t *tracing.Tracer) Option {
	return func(g *Gate) {
		g.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger.With("component", "admission")
		}
	}
}

// New creates a gate around ledger.
func New(ledger *budget.Ledger, opts ...Option) *Gate {
	g := &Gate{
		ledger: ledger,
		logger: slog.Default().With("component", "admission"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breakers == nil {
		g.breakers = breaker.NewRegistry(breaker.DefaultConfig(), g.logger)
	}
	if g.pricing == nil {
		pricing := config.DefaultPricing()
		g.pricing = costs.NewCalculator(&pricing)
	}
	return g
}

// Check decides whether req may proceed. Ledger failures are reported as
// a refusal, not an error. The error is reserved for malformed requests.
func (g *Gate) Check(ctx context.Context, req Request) (*Decision, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id cannot be empty", ErrInvalidRequest)
	}

	ctx, span := g.tracer.Start(ctx, "admission.Check", trace.WithAttributes(
		tracing.RequestAttributes(req.TenantID, req.ActorID, req.EventKind, req.Channel, req.EstimatedCost)...,
	))
	defer span.End()

	d, err := g.check(ctx, req)
	if err != nil {
		tracing.SetStatus(span, err)
		return nil, err
	}
	tracing.SetDecisionAttributes(span, d.Admit, string(d.Code), d.Action)

	g.metrics.RecordAdmission(string(d.Code))
	if !d.Admit {
		g.logger.Info("request refused",
			"tenant_id", req.TenantID,
			"actor_id", req.ActorID,
			"code", d.Code,
			"message", d.Message,
			"trace_id", tracing.TraceID(ctx),
		)
	}
	return d, nil
}

func (g *Gate) check(ctx context.Context, req Request) (*Decision, error) {
	if d, err := g.checkBudget(ctx, req); d != nil || err != nil {
		return d, err
	}

	if g.limiter != nil {
		rd, err := g.limiter.Check(ctx, ratelimit.Request{
			TenantID:      req.TenantID,
			ActorID:       req.ActorID,
			SourceAddress: req.SourceAddress,
			Verified:      req.Verified,
			EventKind:     req.EventKind,
		})
		if err != nil {
			return nil, err
		}
		if !rd.Allowed {
			return &Decision{
				Code:       CodeRateLimited,
				Message:    rd.Reason,
				ResetAt:    rd.ResetAt,
				RetryAfter: rd.RetryAfter,
			}, nil
		}
	}

	d := &Decision{Admit: true, Code: CodeOK}
	if g.detector != nil {
		v := g.detector.Evaluate(ctx, abuse.Signal{
			TenantID:      req.TenantID,
			ActorID:       req.ActorID,
			SourceAddress: req.SourceAddress,
			Content:       req.Evidence,
		})
		e := g.detector.Enforce(v)
		d.Action = string(e.Action)
		if !e.Allowed {
			d.Admit = false
			d.Code = abuseCode(e.Action)
			d.Message = e.Reason
			d.RetryAfter = e.RetryAfter
		}
	}
	return d, nil
}

// checkBudget returns nil when the tenant has headroom for the estimate.
func (g *Gate) checkBudget(ctx context.Context, req Request) (*Decision, error) {
	ok, err := g.ledger.HasBudgetAvailable(ctx, req.TenantID, req.EstimatedCost)
	if err != nil {
		return g.ledgerFailure(req.TenantID, err)
	}
	if ok {
		return nil, nil
	}

	acct, err := g.ledger.Account(ctx, req.TenantID)
	if err != nil {
		return g.ledgerFailure(req.TenantID, err)
	}

	d := &Decision{
		Spend:     acct.CurrentMonthSpend,
		Limit:     acct.MonthlyBudget,
		Remaining: decimal.Max(acct.BudgetHeadroom(), decimal.Zero),
	}
	credits := acct.CreditHeadroom()
	switch {
	case acct.Paused:
		d.Code = CodeAccountPaused
		d.Message = "account paused"
		if acct.PausedReason != "" {
			d.Message += ": " + acct.PausedReason
		}
	case req.EstimatedCost.GreaterThan(credits):
		d.Code = CodeInsufficientCredits
		d.Message = fmt.Sprintf("insufficient credits: %s remaining, %s needed",
			credits.StringFixed(2), req.EstimatedCost.StringFixed(2))
	case req.EstimatedCost.GreaterThan(acct.BudgetHeadroom()):
		d.Code = CodeBudgetExceeded
		d.Message = fmt.Sprintf("monthly budget exceeded: %s of %s spent, %s needed",
			acct.CurrentMonthSpend.StringFixed(2), acct.MonthlyBudget.StringFixed(2), req.EstimatedCost.StringFixed(2))
	default:
		// The pause cache is ahead of this read.
		d.Code = CodeAccountPaused
		d.Message = "account paused"
	}
	return d, nil
}

func (g *Gate) ledgerFailure(tenantID string, err error) (*Decision, error) {
	switch {
	case errors.Is(err, budget.ErrTenantNotFound):
		return &Decision{
			Code:    CodeTenantNotFound,
			Message: fmt.Sprintf("no account for tenant %s", tenantID),
		}, nil
	case errors.Is(err, budget.ErrInvalidAmount):
		return nil, err
	}
	g.logger.Error("budget pre-check failed, refusing request",
		"tenant_id", tenantID,
		"error", err,
	)
	return &Decision{
		Code:    CodeLedgerUnavailable,
		Message: "budget ledger unavailable, try again later",
	}, nil
}

func abuseCode(a abuse.Action) Code {
	switch a {
	case abuse.ActionThrottle:
		return CodeAbuseThrottled
	case abuse.ActionBan:
		return CodeAbuseBanned
	default:
		return CodeAbuseBlocked
	}
}

// Commit deducts the real cost of a completed operation.
func (g *Gate) Commit(ctx context.Context, c CommitRequest) (*budget.DeductResult, error) {
	ctx, span := g.tracer.Start(ctx, "admission.Commit", trace.WithAttributes(
		tracing.RequestAttributes(c.TenantID, c.ActorID, c.ServiceKind, c.Channel, decimal.Zero)...,
	))
	defer span.End()

	res, err := g.ledger.CheckAndDeduct(ctx, c.deduct())
	if err != nil {
		tracing.SetStatus(span, err)
		return nil, err
	}
	tracing.SetDeductionAttributes(span, res.Accepted, string(res.Code), c.Cost, res.Remaining, res.Paused)
	return res, nil
}

// Run checks req, runs fn through the named breaker and commits the cost
// fn reports. A refusal is returned as a *RejectionError. An open circuit
// returns breaker.ErrCircuitOpen without calling fn.
func (g *Gate) Run(ctx context.Context, name string, req Request, fn func(ctx context.Context) (*Usage, error)) (out *Outcome, err error) {
	ctx, span := g.tracer.Start(ctx, "admission.Run", trace.WithAttributes(
		attribute.String(tracing.AttrOperation, name),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrNotAdmitted) {
			tracing.SetStatus(span, err)
		}
		span.End()
	}()

	d, err := g.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	out = &Outcome{Decision: d}
	if !d.Admit {
		return out, &RejectionError{TenantID: req.TenantID, Decision: d}
	}

	usage, err := breaker.Do(ctx, g.breakers, name, fn)
	if err != nil {
		return out, err
	}
	if usage == nil {
		return out, nil
	}

	serviceKind := usage.ServiceKind
	if serviceKind == "" {
		serviceKind = name
	}
	res, err := g.Commit(ctx, CommitRequest{
		TenantID:    req.TenantID,
		ActorID:     req.ActorID,
		OperationID: usage.OperationID,
		ServiceKind: serviceKind,
		Channel:     req.Channel,
		Cost:        usage.Cost,
		Quantity:    usage.Quantity,
		Metadata:    usage.Metadata,
	})
	out.Deduction = res
	if err != nil {
		return out, err
	}
	if !res.Accepted {
		g.logger.Warn("operation completed but its cost was rejected",
			"tenant_id", req.TenantID,
			"operation", name,
			"cost", usage.Cost.String(),
			"code", res.Code,
		)
	}
	return out, nil
}

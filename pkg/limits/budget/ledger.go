package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/limits/storage"
	"mercator-hq/costgate/pkg/telemetry/metrics"
)

// errRejected aborts a deduction transaction that must write nothing.
var errRejected = errors.New("deduction rejected")

// sharedReadTimeout bounds a precheck read shared by concurrent callers.
const sharedReadTimeout = 5 * time.Second

// AlertSink receives threshold alerts. Enqueue must not block.
type AlertSink interface {
	Enqueue(alert Alert) bool
}

// Ledger is the authoritative per-tenant spend ledger. CheckAndDeduct is
// the only path that commits spend; it runs inside the store's row lock so
// concurrent deductions for one tenant are serialized and the budget is
// never overspent.
type Ledger struct {
	store   storage.LedgerStore
	plans   atomic.Pointer[Plans]
	cache   PauseCache
	alerts  AlertSink
	metrics *metrics.Collector
	logger  *slog.Logger
	group   singleflight.Group
	now     func() time.Time

	mu              sync.RWMutex
	warnPercent     int
	criticalPercent int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPauseCache sets the paused-flag cache used by HasBudgetAvailable.
func WithPauseCache(cache PauseCache) Option {
	return func(l *Ledger) {
		l.cache = cache
	}
}

// WithAlertSink sets where threshold alerts are sent.
func WithAlertSink(sink AlertSink) Option {
	return func(l *Ledger) {
		l.alerts = sink
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger.With("component", "budget.ledger")
		}
	}
}

// WithThresholds sets the warning and critical alert percentages.
func WithThresholds(warn, critical int) Option {
	return func(l *Ledger) {
		l.warnPercent = warn
		l.criticalPercent = critical
	}
}

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a ledger over store. A nil plans uses the built-in tiers.
func NewLedger(store storage.LedgerStore, plans *Plans, opts ...Option) *Ledger {
	l := &Ledger{
		store:           store,
		logger:          slog.Default().With("component", "budget.ledger"),
		now:             time.Now,
		warnPercent:     config.DefaultWarnPercent,
		criticalPercent: config.DefaultCriticalPercent,
	}
	if plans == nil {
		plans = DefaultPlans()
	}
	l.plans.Store(plans)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplyConfig swaps in reloaded plans and alert thresholds.
func (l *Ledger) ApplyConfig(cfg config.BudgetConfig) {
	l.plans.Store(NewPlans(cfg))

	l.mu.Lock()
	l.warnPercent = cfg.WarnPercent
	l.criticalPercent = cfg.CriticalPercent
	l.mu.Unlock()
}

// Plans returns the current tier set.
func (l *Ledger) Plans() *Plans {
	return l.plans.Load()
}

// CheckAndDeduct atomically checks the tenant's account and commits the
// cost. Inside the lock the account is checked in order: paused, credits,
// monthly budget. A credit or budget overflow pauses the account in the
// same transaction. An accepted deduction increments spend and used credits
// and appends the cost entry in that transaction.
//
// Rejections are returned as a result with Accepted false. Errors mean the
// ledger could not decide and the caller must reject.
func (l *Ledger) CheckAndDeduct(ctx context.Context, req DeductRequest) (*DeductResult, error) {
	if req.TenantID == "" {
		return nil, &LedgerError{Op: "deduct", Err: fmt.Errorf("%w: tenant id is required", ErrTenantNotFound)}
	}
	if req.Cost.IsNegative() {
		return nil, &LedgerError{Op: "deduct", TenantID: req.TenantID, Err: fmt.Errorf("%w: cost %s is negative", ErrInvalidAmount, req.Cost)}
	}

	var (
		res    DeductResult
		alerts []Alert
	)
	start := time.Now()
	_, err := l.store.UpdateAccount(ctx, req.TenantID, func(a *storage.TenantAccount) (*storage.CostEntry, error) {
		// The store may retry the transaction; start each attempt clean.
		res = DeductResult{}
		alerts = nil

		entry, err := l.deduct(a, req, &res, &alerts)
		res.snapshot(a)
		return entry, err
	})
	l.metrics.ObserveLedgerTx("deduct", time.Since(start))

	if err != nil && !errors.Is(err, errRejected) {
		l.metrics.RecordDeduction("error")
		l.logger.Error("deduction failed",
			"tenant_id", req.TenantID,
			"operation_id", req.OperationID,
			"cost", req.Cost.String(),
			"error", err,
		)
		return nil, classify("deduct", req.TenantID, err)
	}

	l.metrics.RecordDeduction(string(res.Code))

	if res.Paused {
		l.setCache(ctx, req.TenantID, true)
	}

	if !res.Accepted {
		l.logger.Warn("deduction rejected",
			"tenant_id", req.TenantID,
			"operation_id", req.OperationID,
			"code", string(res.Code),
			"reason", res.Reason,
		)
		return &res, nil
	}

	l.metrics.SetTenantSpend(req.TenantID, res.NewSpend.InexactFloat64())
	for _, alert := range alerts {
		l.sendAlert(alert)
	}

	l.logger.Debug("deduction accepted",
		"tenant_id", req.TenantID,
		"operation_id", req.OperationID,
		"cost", req.Cost.String(),
		"new_spend", res.NewSpend.String(),
		"percent_used", res.PercentUsed.String(),
	)
	return &res, nil
}

// deduct applies the check order to a locked account.
func (l *Ledger) deduct(a *storage.TenantAccount, req DeductRequest, res *DeductResult, alerts *[]Alert) (*storage.CostEntry, error) {
	now := l.now()

	if a.Paused {
		res.Code = CodeAccountPaused
		res.Reason = "account paused"
		if a.PausedReason != "" {
			res.Reason += ": " + a.PausedReason
		}
		return nil, errRejected
	}

	if a.UsedCredits.Add(req.Cost).GreaterThan(a.TotalCredits) {
		res.Code = CodeInsufficientCredits
		res.Reason = fmt.Sprintf("insufficient credits: used %s + %s > total %s",
			money(a.UsedCredits), money(req.Cost), money(a.TotalCredits))
		pause(a, res.Reason, now)
		res.Paused = true
		return nil, nil
	}

	if a.CurrentMonthSpend.Add(req.Cost).GreaterThan(a.MonthlyBudget) {
		res.Code = CodeBudgetExceeded
		res.Reason = fmt.Sprintf("monthly budget exceeded: spend %s + %s > budget %s",
			money(a.CurrentMonthSpend), money(req.Cost), money(a.MonthlyBudget))
		pause(a, res.Reason, now)
		res.Paused = true
		return nil, nil
	}

	a.CurrentMonthSpend = a.CurrentMonthSpend.Add(req.Cost)
	a.UsedCredits = a.UsedCredits.Add(req.Cost)
	*alerts = l.markThresholds(a, now)

	entry := &storage.CostEntry{
		ID:          uuid.NewString(),
		TenantID:    a.ID,
		ActorID:     req.ActorID,
		OperationID: req.OperationID,
		ServiceKind: req.ServiceKind,
		Cost:        req.Cost,
		Quantity:    req.Quantity,
		Channel:     req.Channel,
		Timestamp:   now,
		Metadata:    req.Metadata,
	}
	res.Accepted = true
	res.Code = CodeOK
	res.EntryID = entry.ID
	return entry, nil
}

// markThresholds stamps each threshold the account has reached but not yet
// alerted on this period, and returns the alerts to send.
func (l *Ledger) markThresholds(a *storage.TenantAccount, now time.Time) []Alert {
	l.mu.RLock()
	warn, critical := l.warnPercent, l.criticalPercent
	l.mu.RUnlock()

	pct := a.PercentUsed()
	period := storage.PeriodStart(now)
	var out []Alert

	if pct.GreaterThanOrEqual(decimal.NewFromInt(int64(warn))) && !firedSince(a.Alert75At, period) {
		t := now
		a.Alert75At = &t
		out = append(out, newAlert(a, AlertWarning, warn, now))
	}
	if pct.GreaterThanOrEqual(decimal.NewFromInt(int64(critical))) && !firedSince(a.Alert90At, period) {
		t := now
		a.Alert90At = &t
		out = append(out, newAlert(a, AlertCritical, critical, now))
	}
	return out
}

func (l *Ledger) sendAlert(alert Alert) {
	if l.alerts == nil {
		l.logger.Warn("budget threshold reached",
			"tenant_id", alert.TenantID,
			"level", string(alert.Level),
			"percent_used", alert.PercentUsed.String(),
		)
		return
	}
	l.alerts.Enqueue(alert)
}

// HasBudgetAvailable is the non-locking advisory pre-check. It reports
// false for a paused tenant or when estimatedCost exceeds the budget or
// credit headroom. Concurrent misses for one tenant share a store read.
func (l *Ledger) HasBudgetAvailable(ctx context.Context, tenantID string, estimatedCost decimal.Decimal) (bool, error) {
	if estimatedCost.IsNegative() {
		return false, &LedgerError{Op: "precheck", TenantID: tenantID, Err: ErrInvalidAmount}
	}

	if l.cache != nil {
		paused, ok, err := l.cache.Get(ctx, tenantID)
		switch {
		case err != nil:
			l.logger.Warn("pause cache unavailable", "tenant_id", tenantID, "error", err)
		case ok && paused:
			return false, nil
		}
	}

	// The shared read outlives any single caller's cancellation; each
	// caller still stops waiting when its own context ends.
	ch := l.group.DoChan(tenantID, func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		return l.store.GetAccount(readCtx, tenantID)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return false, classify("precheck", tenantID, ctx.Err())
	}
	if res.Err != nil {
		return false, classify("precheck", tenantID, res.Err)
	}
	acct := res.Val.(*storage.TenantAccount)
	l.setCache(ctx, tenantID, acct.Paused)

	if acct.Paused {
		return false, nil
	}
	return !estimatedCost.GreaterThan(acct.BudgetHeadroom()) &&
		!estimatedCost.GreaterThan(acct.CreditHeadroom()), nil
}

// Pause pauses the account with reason.
func (l *Ledger) Pause(ctx context.Context, tenantID, reason string) (*storage.TenantAccount, error) {
	acct, err := l.update(ctx, "pause", tenantID, func(a *storage.TenantAccount) error {
		pause(a, reason, l.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("account paused", "tenant_id", tenantID, "reason", reason)
	return acct, nil
}

// Resume unpauses the account. It fails with ErrNoHeadroom unless both the
// budget and the credits have room left.
func (l *Ledger) Resume(ctx context.Context, tenantID string) (*storage.TenantAccount, error) {
	acct, err := l.update(ctx, "resume", tenantID, func(a *storage.TenantAccount) error {
		if !a.BudgetHeadroom().IsPositive() || !a.CreditHeadroom().IsPositive() {
			return ErrNoHeadroom
		}
		unpause(a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("account resumed", "tenant_id", tenantID)
	return acct, nil
}

// AddCredits tops up the tenant's credit allowance. amount must be positive.
func (l *Ledger) AddCredits(ctx context.Context, tenantID string, amount decimal.Decimal) (*storage.TenantAccount, error) {
	if !amount.IsPositive() {
		return nil, &LedgerError{Op: "add_credits", TenantID: tenantID, Err: fmt.Errorf("%w: credits %s must be positive", ErrInvalidAmount, amount)}
	}
	acct, err := l.update(ctx, "add_credits", tenantID, func(a *storage.TenantAccount) error {
		a.TotalCredits = a.TotalCredits.Add(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("credits added",
		"tenant_id", tenantID,
		"amount", amount.String(),
		"total_credits", acct.TotalCredits.String(),
	)
	return acct, nil
}

// UpdatePlan moves the tenant to tier. Budget and credits are reset to the
// tier's allowance. The account is unpaused when this period's spend fits
// the new budget; a downgrade below the spend pauses it instead.
func (l *Ledger) UpdatePlan(ctx context.Context, tenantID, tier string) (*storage.TenantAccount, error) {
	plan, err := l.Plans().Lookup(tier)
	if err != nil {
		return nil, &LedgerError{Op: "update_plan", TenantID: tenantID, Err: err}
	}
	acct, err := l.update(ctx, "update_plan", tenantID, func(a *storage.TenantAccount) error {
		a.Plan = plan.Name
		a.MonthlyBudget = plan.MonthlyBudget
		a.TotalCredits = plan.Credits
		a.UsedCredits = decimal.Zero
		if a.CurrentMonthSpend.GreaterThan(a.MonthlyBudget) {
			pause(a, fmt.Sprintf("plan downgraded to %s: spend %s exceeds budget %s",
				plan.Name, money(a.CurrentMonthSpend), money(a.MonthlyBudget)), l.now())
			return nil
		}
		unpause(a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("plan updated", "tenant_id", tenantID, "plan", plan.Name, "paused", acct.Paused)
	return acct, nil
}

// CreateAccount onboards a tenant on tier, or the default tier when empty.
func (l *Ledger) CreateAccount(ctx context.Context, tenantID, tier string) (*storage.TenantAccount, error) {
	plan, err := l.Plans().Lookup(tier)
	if err != nil {
		return nil, &LedgerError{Op: "create", TenantID: tenantID, Err: err}
	}

	now := l.now()
	acct := &storage.TenantAccount{
		ID:                tenantID,
		Plan:              plan.Name,
		MonthlyBudget:     plan.MonthlyBudget,
		TotalCredits:      plan.Credits,
		UsedCredits:       decimal.Zero,
		CurrentMonthSpend: decimal.Zero,
		LastResetAt:       &now,
		CreatedAt:         now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, classify("create", tenantID, err)
	}
	l.setCache(ctx, tenantID, false)
	l.logger.Info("account created", "tenant_id", tenantID, "plan", plan.Name)
	return acct, nil
}

// Account returns the tenant's account.
func (l *Ledger) Account(ctx context.Context, tenantID string) (*storage.TenantAccount, error) {
	acct, err := l.store.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, classify("get", tenantID, err)
	}
	return acct, nil
}

// Accounts returns every account.
func (l *Ledger) Accounts(ctx context.Context) ([]*storage.TenantAccount, error) {
	accts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, classify("list", "", err)
	}
	return accts, nil
}

// ResetMonth starts a new billing period for every account not yet reset
// since the start of now's calendar month (UTC). Spend and alert stamps
// are cleared and accounts are unpaused. Running it again in the same
// period resets nothing.
func (l *Ledger) ResetMonth(ctx context.Context, now time.Time) (int, error) {
	periodStart := storage.PeriodStart(now)

	start := time.Now()
	n, err := l.store.ResetPeriod(ctx, periodStart, now)
	l.metrics.ObserveLedgerTx("reset", time.Since(start))
	if err != nil {
		return n, classify("reset", "", err)
	}

	if n > 0 && l.cache != nil {
		accts, err := l.store.ListAccounts(ctx)
		if err != nil {
			l.logger.Warn("failed to refresh pause cache after reset", "error", err)
		}
		for _, a := range accts {
			l.setCache(ctx, a.ID, a.Paused)
		}
	}

	l.logger.Info("billing period reset",
		"period_start", periodStart,
		"accounts_reset", n,
	)
	return n, nil
}

// update runs a non-deduction mutation and refreshes the pause cache.
func (l *Ledger) update(ctx context.Context, op, tenantID string, fn func(a *storage.TenantAccount) error) (*storage.TenantAccount, error) {
	start := time.Now()
	acct, err := l.store.UpdateAccount(ctx, tenantID, func(a *storage.TenantAccount) (*storage.CostEntry, error) {
		return nil, fn(a)
	})
	l.metrics.ObserveLedgerTx(op, time.Since(start))
	if err != nil {
		return nil, classify(op, tenantID, err)
	}
	l.setCache(ctx, tenantID, acct.Paused)
	return acct, nil
}

func (l *Ledger) setCache(ctx context.Context, tenantID string, paused bool) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, tenantID, paused); err != nil {
		l.logger.Warn("failed to update pause cache", "tenant_id", tenantID, "error", err)
	}
}

func (r *DeductResult) snapshot(a *storage.TenantAccount) {
	r.NewSpend = a.CurrentMonthSpend
	r.Limit = a.MonthlyBudget
	r.Remaining = a.BudgetHeadroom()
	r.PercentUsed = a.PercentUsed()
}

func pause(a *storage.TenantAccount, reason string, now time.Time) {
	a.Paused = true
	a.PausedReason = reason
	t := now
	a.PausedAt = &t
}

func unpause(a *storage.TenantAccount) {
	a.Paused = false
	a.PausedReason = ""
	a.PausedAt = nil
}

func firedSince(at *time.Time, period time.Time) bool {
	return at != nil && !at.Before(period)
}

func newAlert(a *storage.TenantAccount, level AlertLevel, threshold int, now time.Time) Alert {
	return Alert{
		TenantID:    a.ID,
		Level:       level,
		Threshold:   threshold,
		PercentUsed: a.PercentUsed(),
		Spend:       a.CurrentMonthSpend,
		Budget:      a.MonthlyBudget,
		At:          now,
	}
}

// money formats amounts with at least two decimal places.
func money(d decimal.Decimal) string {
	if d.Exponent() >= -2 {
		return d.StringFixed(2)
	}
	return d.String()
}

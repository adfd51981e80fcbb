package costs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/costgate/pkg/limits/storage"
)

// AccountReader reads tenant accounts for reconciliation.
type AccountReader interface {
	GetAccount(ctx context.Context, tenantID string) (*storage.TenantAccount, error)
}

// Tracker reads and aggregates cost entries. It never writes: entries are
// committed only by the ledger, in the same transaction as the deduction,
// so every entry is reflected in the tenant's spend.
type Tracker struct {
	costs    storage.CostStore
	accounts AccountReader
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates a tracker. accounts may be nil when Reconcile is not
// used.
func NewTracker(costs storage.CostStore, accounts AccountReader, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		costs:    costs,
		accounts: accounts,
		logger:   logger.With("component", "costs.tracker"),
		now:      time.Now,
	}
}

// Summarize totals matching entries by service kind and channel.
func (t *Tracker) Summarize(ctx context.Context, q Query) (*Summary, error) {
	totals, err := t.costs.SumCosts(ctx, storage.CostQuery{
		TenantID:    q.TenantID,
		ServiceKind: q.ServiceKind,
		Channel:     q.Channel,
		From:        q.From,
		To:          q.To,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sum costs: %w", err)
	}

	s := &Summary{
		TenantID:  q.TenantID,
		From:      q.From,
		To:        q.To,
		Totals:    totals,
		TotalCost: decimal.Zero,
	}
	for _, tot := range totals {
		s.Count += tot.Count
		s.TotalCost = s.TotalCost.Add(tot.Cost)
	}
	return s, nil
}

// Recent returns the tenant's latest entries, newest first.
func (t *Tracker) Recent(ctx context.Context, tenantID string, limit int) ([]*storage.CostEntry, error) {
	entries, err := t.costs.QueryCosts(ctx, storage.CostQuery{TenantID: tenantID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to query costs: %w", err)
	}
	return entries, nil
}

// Reconcile compares the tenant's CurrentMonthSpend with the sum of its
// entries since the period began. The period begins at the later of the
// calendar month start and the account's last reset.
func (t *Tracker) Reconcile(ctx context.Context, tenantID string, now time.Time) (*Reconciliation, error) {
	if t.accounts == nil {
		return nil, fmt.Errorf("reconcile requires an account reader")
	}

	acct, err := t.accounts.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to read account %q: %w", tenantID, err)
	}

	from := storage.PeriodStart(now)
	if acct.LastResetAt != nil && acct.LastResetAt.After(from) {
		from = *acct.LastResetAt
	}

	summary, err := t.Summarize(ctx, Query{TenantID: tenantID, From: from})
	if err != nil {
		return nil, err
	}

	r := &Reconciliation{
		TenantID:    tenantID,
		PeriodStart: from,
		LedgerSpend: acct.CurrentMonthSpend,
		EntryTotal:  summary.TotalCost,
		EntryCount:  summary.Count,
		Drift:       acct.CurrentMonthSpend.Sub(summary.TotalCost),
	}
	if !r.Balanced() {
		t.logger.Warn("ledger drift detected",
			"tenant_id", tenantID,
			"ledger_spend", r.LedgerSpend.String(),
			"entry_total", r.EntryTotal.String(),
			"drift", r.Drift.String(),
		)
	}
	return r, nil
}

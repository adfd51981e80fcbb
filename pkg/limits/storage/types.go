package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a tenant account does not exist.
	ErrNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account that already exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrLockTimeout is returned when the tenant row lock or the transaction
	// deadline could not be met.
	ErrLockTimeout = errors.New("ledger lock timeout")

	// ErrConflict is returned when a serializable transaction kept failing
	// after its retries.
	ErrConflict = errors.New("ledger serialization conflict")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store closed")
)

// TenantAccount is the ledger row for one tenant.
type TenantAccount struct {
	// ID is the tenant identifier.
	ID string `json:"id"`

	// Plan is the plan tier name.
	Plan string `json:"plan"`

	// MonthlyBudget caps CurrentMonthSpend.
	MonthlyBudget decimal.Decimal `json:"monthly_budget"`

	// TotalCredits is the prepaid credit allowance.
	TotalCredits decimal.Decimal `json:"total_credits"`

	// UsedCredits never exceeds TotalCredits.
	UsedCredits decimal.Decimal `json:"used_credits"`

	// CurrentMonthSpend is the spend in the current billing period.
	CurrentMonthSpend decimal.Decimal `json:"current_month_spend"`

	Paused       bool       `json:"paused"`
	PausedReason string     `json:"paused_reason,omitempty"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`

	// Alert75At and Alert90At record when each threshold alert last fired.
	Alert75At *time.Time `json:"alert_75_at,omitempty"`
	Alert90At *time.Time `json:"alert_90_at,omitempty"`

	// LastResetAt is when the billing period was last reset.
	LastResetAt *time.Time `json:"last_reset_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (a *TenantAccount) Clone() *TenantAccount {
	c := *a
	c.PausedAt = cloneTime(a.PausedAt)
	c.Alert75At = cloneTime(a.Alert75At)
	c.Alert90At = cloneTime(a.Alert90At)
	c.LastResetAt = cloneTime(a.LastResetAt)
	return &c
}

// BudgetHeadroom returns MonthlyBudget - CurrentMonthSpend.
func (a *TenantAccount) BudgetHeadroom() decimal.Decimal {
	return a.MonthlyBudget.Sub(a.CurrentMonthSpend)
}

// CreditHeadroom returns TotalCredits - UsedCredits.
func (a *TenantAccount) CreditHeadroom() decimal.Decimal {
	return a.TotalCredits.Sub(a.UsedCredits)
}

// PercentUsed returns spend as a percentage of the monthly budget, rounded
// to two places. A zero budget reports 100.
func (a *TenantAccount) PercentUsed() decimal.Decimal {
	if !a.MonthlyBudget.IsPositive() {
		return decimal.NewFromInt(100)
	}
	return a.CurrentMonthSpend.Div(a.MonthlyBudget).Mul(decimal.NewFromInt(100)).Round(2)
}

// CostEntry is an immutable record of one accepted costed operation.
type CostEntry struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ActorID     string            `json:"actor_id,omitempty"`
	OperationID string            `json:"operation_id,omitempty"`
	ServiceKind string            `json:"service_kind"`
	Cost        decimal.Decimal   `json:"cost"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Channel     string            `json:"channel,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CostQuery filters cost entries. Empty fields match everything. From is
// inclusive and To is exclusive.
type CostQuery struct {
	TenantID    string
	ServiceKind string
	Channel     string
	From        time.Time
	To          time.Time

	// Limit caps QueryCosts results, newest first. Zero means 100.
	Limit int
}

// CostTotal aggregates entries sharing a service kind and channel.
type CostTotal struct {
	ServiceKind string          `json:"service_kind"`
	Channel     string          `json:"channel"`
	Count       int64           `json:"count"`
	Cost        decimal.Decimal `json:"cost"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// AbuseRecord is one persisted non-allow abuse verdict.
type AbuseRecord struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	SourceAddress string    `json:"source_address,omitempty"`
	Reasons       []string  `json:"reasons"`
	Severity      string    `json:"severity"`
	Action        string    `json:"action"`
	Evidence      string    `json:"evidence,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// IncidentQuery filters abuse records. Non-empty fields are combined with AND.
type IncidentQuery struct {
	TenantID      string
	ActorID       string
	SourceAddress string

	// Actions restricts matches to these actions when non-empty.
	Actions []string

	// Since is inclusive.
	Since time.Time

	// Limit caps ListIncidents results, newest first. Zero means 100.
	Limit int
}

// AccountMutation changes a locked account and optionally returns a cost
// entry to append in the same transaction. Returning an error aborts the
// transaction.
type AccountMutation func(acct *TenantAccount) (*CostEntry, error)

// LedgerStore persists tenant accounts.
type LedgerStore interface {
	// CreateAccount inserts a new account. Returns ErrAccountExists if the
	// tenant already has one.
	CreateAccount(ctx context.Context, acct *TenantAccount) error

	// GetAccount reads an account without locking. Returns ErrNotFound.
	GetAccount(ctx context.Context, tenantID string) (*TenantAccount, error)

	// UpdateAccount applies fn to the locked account and commits the result.
	UpdateAccount(ctx context.Context, tenantID string, fn AccountMutation) (*TenantAccount, error)

	// ListAccounts returns every account ordered by ID.
	ListAccounts(ctx context.Context) ([]*TenantAccount, error)

	// ResetPeriod zeroes spend, clears alerts and unpauses every account
	// whose last reset predates periodStart, stamping it with now. Returns
	// the number of accounts reset.
	ResetPeriod(ctx context.Context, periodStart, now time.Time) (int, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// CostStore persists and aggregates cost entries.
type CostStore interface {
	// AppendCost inserts an entry outside any account transaction.
	AppendCost(ctx context.Context, entry *CostEntry) error

	// QueryCosts returns matching entries, newest first.
	QueryCosts(ctx context.Context, q CostQuery) ([]*CostEntry, error)

	// SumCosts returns totals grouped by service kind and channel.
	SumCosts(ctx context.Context, q CostQuery) ([]CostTotal, error)
}

// Store is a ledger and cost log sharing one transactional backend.
type Store interface {
	LedgerStore
	CostStore
}

// IncidentLog persists abuse records.
type IncidentLog interface {
	RecordIncident(ctx context.Context, rec *AbuseRecord) error
	CountIncidents(ctx context.Context, q IncidentQuery) (int64, error)
	ListIncidents(ctx context.Context, q IncidentQuery) ([]*AbuseRecord, error)
	Close() error
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func queryLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// addTotal folds an entry into a grouped total slice.
func addTotal(totals map[[2]string]*CostTotal, e *CostEntry) {
	key := [2]string{e.ServiceKind, e.Channel}
	t, ok := totals[key]
	if !ok {
		t = &CostTotal{ServiceKind: e.ServiceKind, Channel: e.Channel}
		totals[key] = t
	}
	t.Count++
	t.Cost = t.Cost.Add(e.Cost)
	t.Quantity = t.Quantity.Add(e.Quantity)
}

func sortedTotals(totals map[[2]string]*CostTotal) []CostTotal {
	out := make([]CostTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceKind != out[j].ServiceKind {
			return out[i].ServiceKind < out[j].ServiceKind
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// prepareEntry fills the ID, tenant and timestamp of a new entry.
func prepareEntry(e *CostEntry, tenantID string, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TenantID == "" {
		e.TenantID = tenantID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
}

func prepareIncident(rec *AbuseRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
}

func (q CostQuery) matches(e *CostEntry) bool {
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.ServiceKind != "" && e.ServiceKind != q.ServiceKind {
		return false
	}
	if q.Channel != "" && e.Channel != q.Channel {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.Timestamp.Before(q.To) {
		return false
	}
	return true
}

func (q IncidentQuery) matches(r *AbuseRecord) bool {
	if q.TenantID != "" && r.TenantID != q.TenantID {
		return false
	}
	if q.ActorID != "" && r.ActorID != q.ActorID {
		return false
	}
	if q.SourceAddress != "" && r.SourceAddress != q.SourceAddress {
		return false
	}
	if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
		return false
	}
	if len(q.Actions) > 0 {
		found := false
		for _, a := range q.Actions {
			if a == r.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ErrConstraint is returned when a mutation would break an account invariant.
var ErrConstraint = errors.New("account constraint violated")

// checkAccount enforces the invariants the SQL backends declare as CHECK
// constraints.
func checkAccount(a *TenantAccount) error {
	if a.UsedCredits.GreaterThan(a.TotalCredits) {
		return fmt.Errorf("%w: used credits %s exceed total credits %s", ErrConstraint, a.UsedCredits, a.TotalCredits)
	}
	if a.CurrentMonthSpend.IsNegative() || a.UsedCredits.IsNegative() {
		return fmt.Errorf("%w: negative balance", ErrConstraint)
	}
	if !a.Paused && a.CurrentMonthSpend.GreaterThan(a.MonthlyBudget) {
		return fmt.Errorf("%w: spend %s exceeds budget %s on an active account", ErrConstraint, a.CurrentMonthSpend, a.MonthlyBudget)
	}
	return nil
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ IncidentLog = (*MemoryStore)(nil)
	_ Store       = (*SQLiteStore)(nil)
	_ Store       = (*PostgresStore)(nil)
	_ IncidentLog = (*PostgresStore)(nil)
	_ IncidentLog = (*IncidentSQLite)(nil)
)

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Shared Ledger Suite
// ============================================================================

func ledgerBackends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
			if err != nil {
				t.Fatalf("Failed to open sqlite store: %v", err)
			}
			return s
		},
	}
}

func newAccount(id string, budget, credits string) *TenantAccount {
	return &TenantAccount{
		ID:                id,
		Plan:              "starter",
		MonthlyBudget:     decimal.RequireFromString(budget),
		TotalCredits:      decimal.RequireFromString(credits),
		UsedCredits:       decimal.Zero,
		CurrentMonthSpend: decimal.Zero,
	}
}

func deduct(cost decimal.Decimal) AccountMutation {
	return func(a *TenantAccount) (*CostEntry, error) {
		a.CurrentMonthSpend = a.CurrentMonthSpend.Add(cost)
		a.UsedCredits = a.UsedCredits.Add(cost)
		return &CostEntry{ServiceKind: "ai", Channel: "chat", Cost: cost, Quantity: decimal.NewFromInt(1)}, nil
	}
}

func TestLedgerStores(t *testing.T) {
	for name, open := range ledgerBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, open(t)) })
			t.Run("UpdateAppendsEntry", func(t *testing.T) { testUpdateAppendsEntry(t, open(t)) })
			t.Run("MutationErrorRollsBack", func(t *testing.T) { testMutationErrorRollsBack(t, open(t)) })
			t.Run("ConstraintViolation", func(t *testing.T) { testConstraintViolation(t, open(t)) })
			t.Run("OverspendRequiresPause", func(t *testing.T) { testOverspendRequiresPause(t, open(t)) })
			t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, open(t)) })
			t.Run("ResetPeriod", func(t *testing.T) { testResetPeriod(t, open(t)) })
			t.Run("QueryAndSum", func(t *testing.T) { testQueryAndSum(t, open(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateAccount(ctx, newAccount("t1", "50.00", "100")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := s.CreateAccount(ctx, newAccount("t1", "50.00", "100")); !errors.Is(err, ErrAccountExists) {
		t.Errorf("Expected ErrAccountExists, got %v", err)
	}

	acct, err := s.GetAccount(ctx, "t1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !acct.MonthlyBudget.Equal(decimal.RequireFromString("50")) {
		t.Errorf("Expected budget 50, got %s", acct.MonthlyBudget)
	}
	if acct.Paused {
		t.Error("New account should not be paused")
	}
	if acct.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}

	if _, err := s.GetAccount(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpdateAccount(ctx, "missing", deduct(decimal.NewFromInt(1))); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from UpdateAccount, got %v", err)
	}
}

func testUpdateAppendsEntry(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	_ = s.CreateAccount(ctx, newAccount("t1", "50.00", "100"))

	acct, err := s.UpdateAccount(ctx, "t1", deduct(decimal.RequireFromString("0.02")))
	if err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}
	if !acct.CurrentMonthSpend.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("Expected spend 0.02, got %s", acct.CurrentMonthSpend)
	}

	entries, err := s.QueryCosts(ctx, CostQuery{TenantID: "t1"})
	if err != nil {
		t.Fatalf("QueryCosts failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID == "" || entries[0].TenantID != "t1" {
		t.Errorf("Entry not filled in: %+v", entries[0])
	}
	if !entries[0].Cost.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("Expected entry cost 0.02, got %s", entries[0].Cost)
	}
}

func testMutationErrorRollsBack(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	_ = s.CreateAccount(ctx, newAccount("t1", "50.00", "100"))

	boom := errors.New("rejected")
	_, err := s.UpdateAccount(ctx, "t1", func(a *TenantAccount) (*CostEntry, error) {
		a.CurrentMonthSpend = decimal.NewFromInt(10)
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected mutation error, got %v", err)
	}

	acct, _ := s.GetAccount(ctx, "t1")
	if !acct.CurrentMonthSpend.IsZero() {
		t.Errorf("Expected spend unchanged, got %s", acct.CurrentMonthSpend)
	}
}

func testConstraintViolation(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	_ = s.CreateAccount(ctx, newAccount("t1", "50.00", "1"))

	_, err := s.UpdateAccount(ctx, "t1", deduct(decimal.NewFromInt(2)))
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("Expected ErrConstraint, got %v", err)
	}

	entries, _ := s.QueryCosts(ctx, CostQuery{TenantID: "t1"})
	if len(entries) != 0 {
		t.Errorf("Expected no entries after rollback, got %d", len(entries))
	}
}

func testOverspendRequiresPause(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	_ = s.CreateAccount(ctx, newAccount("t1", "5", "100"))

	_, err := s.UpdateAccount(ctx, "t1", deduct(decimal.NewFromInt(6)))
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("Expected ErrConstraint for unpaused overspend, got %v", err)
	}

	_, err = s.UpdateAccount(ctx, "t1", func(a *TenantAccount) (*CostEntry, error) {
		now := time.Now()
		a.CurrentMonthSpend = decimal.NewFromInt(6)
		a.Paused = true
		a.PausedReason = "over budget"
		a.PausedAt = &now
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Expected paused overspend to be stored, got %v", err)
	}
}

func testConcurrentUpdates(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	_ = s.CreateAccount(ctx, newAccount("t1", "1000", "1000"))

	var wg sync.WaitGroup
	cost := decimal.RequireFromString("0.10")
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateAccount(ctx, "t1", deduct(cost)); err != nil {
				t.Errorf("UpdateAccount failed: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, _ := s.GetAccount(ctx, "t1")
	if !acct.CurrentMonthSpend.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("Expected spend 2.00, got %s", acct.CurrentMonthSpend)
	}

	totals, err := s.SumCosts(ctx, CostQuery{TenantID: "t1"})
	if err != nil {
		t.Fatalf("SumCosts failed: %v", err)
	}
	if len(totals) != 1 || !totals[0].Cost.Equal(acct.CurrentMonthSpend) {
		t.Errorf("Expected entry sum to equal spend, got %+v", totals)
	}
}

func testResetPeriod(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()
	_ = s.CreateAccount(ctx, newAccount("t1", "50", "100"))
	_ = s.CreateAccount(ctx, newAccount("t2", "50", "100"))

	_, _ = s.UpdateAccount(ctx, "t1", func(a *TenantAccount) (*CostEntry, error) {
		now := time.Now()
		a.CurrentMonthSpend = decimal.NewFromInt(40)
		a.Paused = true
		a.PausedReason = "budget exceeded"
		a.PausedAt = &now
		a.Alert75At = &now
		return nil, nil
	})

	periodStart := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	now := periodStart.Add(time.Minute)

	n, err := s.ResetPeriod(ctx, periodStart, now)
	if err != nil {
		t.Fatalf("ResetPeriod failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 accounts reset, got %d", n)
	}

	acct, _ := s.GetAccount(ctx, "t1")
	if !acct.CurrentMonthSpend.IsZero() || acct.Paused || acct.Alert75At != nil || acct.PausedReason != "" {
		t.Errorf("Account not reset: %+v", acct)
	}
	if acct.LastResetAt == nil || !acct.LastResetAt.Equal(now) {
		t.Errorf("Expected LastResetAt %v, got %v", now, acct.LastResetAt)
	}

	// Second run in the same period is a no-op.
	n, err = s.ResetPeriod(ctx, periodStart, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Second ResetPeriod failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected idempotent reset, got %d", n)
	}
}

func testQueryAndSum(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	entries := []*CostEntry{
		{TenantID: "t1", ServiceKind: "ai", Channel: "chat", Cost: decimal.RequireFromString("0.10"), Quantity: decimal.NewFromInt(1000), Timestamp: base},
		{TenantID: "t1", ServiceKind: "ai", Channel: "chat", Cost: decimal.RequireFromString("0.20"), Quantity: decimal.NewFromInt(2000), Timestamp: base.Add(time.Hour)},
		{TenantID: "t1", ServiceKind: "sms", Channel: "sms", Cost: decimal.RequireFromString("0.0079"), Quantity: decimal.NewFromInt(1), Timestamp: base.Add(2 * time.Hour), Metadata: map[string]string{"to": "+15551234"}},
		{TenantID: "t2", ServiceKind: "ai", Channel: "chat", Cost: decimal.RequireFromString("5"), Quantity: decimal.NewFromInt(1), Timestamp: base},
	}
	for _, e := range entries {
		if err := s.AppendCost(ctx, e); err != nil {
			t.Fatalf("AppendCost failed: %v", err)
		}
	}

	got, err := s.QueryCosts(ctx, CostQuery{TenantID: "t1"})
	if err != nil {
		t.Fatalf("QueryCosts failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	if got[0].ServiceKind != "sms" {
		t.Errorf("Expected newest first, got %s", got[0].ServiceKind)
	}
	if got[0].Metadata["to"] != "+15551234" {
		t.Errorf("Expected metadata round trip, got %v", got[0].Metadata)
	}

	// To is exclusive.
	got, _ = s.QueryCosts(ctx, CostQuery{TenantID: "t1", From: base, To: base.Add(time.Hour)})
	if len(got) != 1 {
		t.Errorf("Expected 1 entry in [base, base+1h), got %d", len(got))
	}

	got, _ = s.QueryCosts(ctx, CostQuery{TenantID: "t1", Limit: 2})
	if len(got) != 2 {
		t.Errorf("Expected limit 2, got %d", len(got))
	}

	totals, err := s.SumCosts(ctx, CostQuery{TenantID: "t1"})
	if err != nil {
		t.Fatalf("SumCosts failed: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(totals))
	}
	if totals[0].ServiceKind != "ai" || totals[0].Count != 2 || !totals[0].Cost.Equal(decimal.RequireFromString("0.30")) {
		t.Errorf("Unexpected ai total: %+v", totals[0])
	}
	if !totals[1].Cost.Equal(decimal.RequireFromString("0.0079")) {
		t.Errorf("Expected exact sms total 0.0079, got %s", totals[1].Cost)
	}
}

// ============================================================================
// Memory Store Tests
// ============================================================================

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	_ = s.CreateAccount(context.Background(), newAccount("t1", "50", "100"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.UpdateAccount(ctx, "t1", deduct(decimal.NewFromInt(1)))
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", err)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Close()

	if err := s.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := s.CreateAccount(context.Background(), newAccount("t1", "1", "1")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestMemoryStore_Incidents(t *testing.T) {
	testIncidentLog(t, NewMemoryStore())
}

func TestIncidentSQLite(t *testing.T) {
	log, err := NewIncidentSQLite(IncidentSQLiteConfig{Path: filepath.Join(t.TempDir(), "incidents.db")})
	if err != nil {
		t.Fatalf("Failed to open incident log: %v", err)
	}
	testIncidentLog(t, log)

	n, err := log.Prune(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 pruned, got %d", n)
	}
}

func testIncidentLog(t *testing.T, log IncidentLog) {
	ctx := context.Background()
	now := time.Now()

	records := []*AbuseRecord{
		{TenantID: "t1", ActorID: "a1", SourceAddress: "10.0.0.1", Reasons: []string{"BURST"}, Severity: "HIGH", Action: "BLOCK", Timestamp: now.Add(-48 * time.Hour)},
		{TenantID: "t1", ActorID: "a1", SourceAddress: "10.0.0.1", Reasons: []string{"REPETITION", "LOW_ENTROPY"}, Severity: "MEDIUM", Action: "THROTTLE", Timestamp: now.Add(-time.Hour)},
		{TenantID: "t1", ActorID: "a2", SourceAddress: "10.0.0.2", Reasons: []string{"BURST"}, Severity: "CRITICAL", Action: "BAN", Timestamp: now},
	}
	for _, r := range records {
		if err := log.RecordIncident(ctx, r); err != nil {
			t.Fatalf("RecordIncident failed: %v", err)
		}
		if r.ID == "" {
			t.Error("Expected ID to be assigned")
		}
	}

	n, err := log.CountIncidents(ctx, IncidentQuery{TenantID: "t1", ActorID: "a1"})
	if err != nil {
		t.Fatalf("CountIncidents failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 incidents for a1, got %d", n)
	}

	n, _ = log.CountIncidents(ctx, IncidentQuery{TenantID: "t1", Actions: []string{"BLOCK", "BAN"}})
	if n != 2 {
		t.Errorf("Expected 2 block/ban incidents, got %d", n)
	}

	n, _ = log.CountIncidents(ctx, IncidentQuery{SourceAddress: "10.0.0.1", Since: now.Add(-24 * time.Hour)})
	if n != 1 {
		t.Errorf("Expected 1 recent incident for address, got %d", n)
	}

	list, err := log.ListIncidents(ctx, IncidentQuery{TenantID: "t1"})
	if err != nil {
		t.Fatalf("ListIncidents failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 incidents, got %d", len(list))
	}
	if list[0].Action != "BAN" {
		t.Errorf("Expected newest first, got %s", list[0].Action)
	}
	if len(list[1].Reasons) != 2 {
		t.Errorf("Expected reasons round trip, got %v", list[1].Reasons)
	}
}

// ============================================================================
// Account Helper Tests
// ============================================================================

func TestTenantAccount_PercentUsed(t *testing.T) {
	tests := []struct {
		budget string
		spend  string
		want   string
	}{
		{"50", "37.5", "75"},
		{"50", "50.01", "100.02"},
		{"3", "1", "33.33"},
		{"0", "0", "100"},
	}

	for _, tt := range tests {
		a := newAccount("t", tt.budget, "0")
		a.CurrentMonthSpend = decimal.RequireFromString(tt.spend)
		if got := a.PercentUsed(); !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("PercentUsed(%s/%s) = %s, want %s", tt.spend, tt.budget, got, tt.want)
		}
	}
}

func TestTenantAccount_Clone(t *testing.T) {
	now := time.Now()
	a := newAccount("t", "1", "1")
	a.PausedAt = &now

	c := a.Clone()
	later := now.Add(time.Hour)
	*c.PausedAt = later

	if !a.PausedAt.Equal(now) {
		t.Error("Clone shares PausedAt with original")
	}
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore implements Store and IncidentLog in process. Account updates
// for one tenant are serialized by a per-tenant mutex; different tenants
// never contend.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*TenantAccount
	locks     map[string]*sync.Mutex
	entries   []*CostEntry
	incidents []*AbuseRecord
	closed    bool

	now func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithNow overrides the store clock.
func WithNow(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		accounts: make(map[string]*TenantAccount),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAccount inserts a new account.
func (s *MemoryStore) CreateAccount(ctx context.Context, acct *TenantAccount) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	if err := checkAccount(acct); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.accounts[acct.ID]; ok {
		return ErrAccountExists
	}

	now := s.now()
	c := acct.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.accounts[c.ID] = c
	s.locks[c.ID] = &sync.Mutex{}
	return nil
}

// GetAccount returns a copy of the account.
func (s *MemoryStore) GetAccount(ctx context.Context, tenantID string) (*TenantAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	acct, ok := s.accounts[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return acct.Clone(), nil
}

// UpdateAccount applies fn under the tenant lock.
func (s *MemoryStore) UpdateAccount(ctx context.Context, tenantID string, fn AccountMutation) (*TenantAccount, error) {
	s.mu.RLock()
	lock, ok := s.locks[tenantID]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}

	acct, err := s.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	entry, err := fn(acct)
	if err != nil {
		return nil, err
	}
	if err := checkAccount(acct); err != nil {
		return nil, err
	}

	now := s.now()
	acct.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[tenantID] = acct.Clone()
	if entry != nil {
		prepareEntry(entry, tenantID, now)
		e := *entry
		s.entries = append(s.entries, &e)
	}
	return acct, nil
}

// ListAccounts returns all accounts ordered by ID.
func (s *MemoryStore) ListAccounts(ctx context.Context) ([]*TenantAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TenantAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ResetPeriod resets accounts not yet reset in the period.
func (s *MemoryStore) ResetPeriod(ctx context.Context, periodStart, now time.Time) (int, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	reset := 0
	for _, id := range ids {
		done := false
		_, err := s.UpdateAccount(ctx, id, func(a *TenantAccount) (*CostEntry, error) {
			if a.LastResetAt != nil && !a.LastResetAt.Before(periodStart) {
				return nil, nil
			}
			resetAccount(a, now)
			done = true
			return nil, nil
		})
		if err != nil {
			return reset, err
		}
		if done {
			reset++
		}
	}
	return reset, nil
}

// AppendCost appends an entry.
func (s *MemoryStore) AppendCost(ctx context.Context, entry *CostEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	prepareEntry(entry, entry.TenantID, s.now())
	e := *entry
	s.entries = append(s.entries, &e)
	return nil
}

// QueryCosts returns matching entries newest first.
func (s *MemoryStore) QueryCosts(ctx context.Context, q CostQuery) ([]*CostEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CostEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if q.matches(s.entries[i]) {
			e := *s.entries[i]
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := queryLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SumCosts groups matching entries.
func (s *MemoryStore) SumCosts(ctx context.Context, q CostQuery) ([]CostTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[[2]string]*CostTotal)
	for _, e := range s.entries {
		if q.matches(e) {
			addTotal(totals, e)
		}
	}
	return sortedTotals(totals), nil
}

// RecordIncident appends an abuse record.
func (s *MemoryStore) RecordIncident(ctx context.Context, rec *AbuseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	prepareIncident(rec, s.now())
	r := *rec
	r.Reasons = append([]string(nil), rec.Reasons...)
	s.incidents = append(s.incidents, &r)
	return nil
}

// CountIncidents counts matching records.
func (s *MemoryStore) CountIncidents(ctx context.Context, q IncidentQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	for _, r := range s.incidents {
		if q.matches(r) {
			n++
		}
	}
	return n, nil
}

// ListIncidents returns matching records newest first.
func (s *MemoryStore) ListIncidents(ctx context.Context, q IncidentQuery) ([]*AbuseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AbuseRecord
	for i := len(s.incidents) - 1; i >= 0 && len(out) < queryLimit(q.Limit); i-- {
		if q.matches(s.incidents[i]) {
			r := *s.incidents[i]
			out = append(out, &r)
		}
	}
	return out, nil
}

// Ping reports ErrClosed after Close.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// resetAccount applies the start-of-period reset.
func resetAccount(a *TenantAccount, now time.Time) {
	a.CurrentMonthSpend = decimal.Zero
	a.Alert75At = nil
	a.Alert90At = nil
	a.Paused = false
	a.PausedReason = ""
	a.PausedAt = nil
	t := now
	a.LastResetAt = &t
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Postgres error codes the ledger reacts to.
const (
	pgSerializationFailure = "40001"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	// DSN is a lib/pq connection string.
	DSN string

	// MaxOpenConns caps the pool. Default: 20
	MaxOpenConns int

	// LockTimeout bounds the wait for a tenant row lock. Default: 2s
	LockTimeout time.Duration

	// StatementTimeout bounds each statement. Default: 5s
	StatementTimeout time.Duration

	// MaxRetries is how many times a serialization failure is retried.
	// Default: 5
	MaxRetries int

	// RetryBackoff is the base delay between retries. Default: 10ms
	RetryBackoff time.Duration

	// EnsureSchema creates tables on startup.
	EnsureSchema bool
}

// PostgresStore implements Store and IncidentLog on Postgres. Account
// mutations run in SERIALIZABLE transactions holding the tenant row with
// SELECT ... FOR UPDATE.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresConfig
	now func() time.Time
}

// NewPostgresStore opens a pool and optionally creates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	s := NewPostgresStoreFromDB(db, cfg)

	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sql.DB, cfg PostgresConfig) *PostgresStore {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresStore{db: db, cfg: cfg, now: time.Now}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tenant_accounts (
	tenant_id TEXT PRIMARY KEY,
	plan TEXT NOT NULL,
	monthly_budget NUMERIC(18,6) NOT NULL,
	total_credits NUMERIC(18,6) NOT NULL,
	used_credits NUMERIC(18,6) NOT NULL CHECK (used_credits >= 0),
	current_month_spend NUMERIC(18,6) NOT NULL CHECK (current_month_spend >= 0),
	paused BOOLEAN NOT NULL DEFAULT FALSE,
	paused_reason TEXT NOT NULL DEFAULT '',
	paused_at TIMESTAMPTZ,
	alert_75_at TIMESTAMPTZ,
	alert_90_at TIMESTAMPTZ,
	last_reset_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (used_credits <= total_credits),
	CHECK (paused OR current_month_spend <= monthly_budget)
);

CREATE TABLE IF NOT EXISTS cost_entries (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenant_accounts(tenant_id),
	actor_id TEXT NOT NULL DEFAULT '',
	operation_id TEXT NOT NULL DEFAULT '',
	service_kind TEXT NOT NULL,
	cost NUMERIC(18,6) NOT NULL,
	quantity NUMERIC(18,6) NOT NULL,
	channel TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	metadata JSONB
);

CREATE INDEX IF NOT EXISTS idx_cost_entries_tenant_time ON cost_entries(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS abuse_incidents (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	source_address TEXT NOT NULL DEFAULT '',
	reasons TEXT[] NOT NULL,
	severity TEXT NOT NULL,
	action TEXT NOT NULL,
	evidence TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_abuse_incidents_actor ON abuse_incidents(tenant_id, actor_id, created_at);
CREATE INDEX IF NOT EXISTS idx_abuse_incidents_address ON abuse_incidents(source_address, created_at);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const pgAccountColumns = `tenant_id, plan, monthly_budget, total_credits, used_credits, current_month_spend,
	paused, paused_reason, paused_at, alert_75_at, alert_90_at, last_reset_at, created_at, updated_at`

// CreateAccount inserts a new account.
func (s *PostgresStore) CreateAccount(ctx context.Context, acct *TenantAccount) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	if err := checkAccount(acct); err != nil {
		return err
	}
	now := s.now().UTC()
	created := acct.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO tenant_accounts (`+pgAccountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		acct.ID, acct.Plan, acct.MonthlyBudget, acct.TotalCredits, acct.UsedCredits, acct.CurrentMonthSpend,
		acct.Paused, acct.PausedReason, nullTime(acct.PausedAt), nullTime(acct.Alert75At), nullTime(acct.Alert90At),
		nullTime(acct.LastResetAt), created, now)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ErrAccountExists
		}
		return s.mapError("create account", err)
	}
	return nil
}

// GetAccount reads an account without locking.
func (s *PostgresStore) GetAccount(ctx context.Context, tenantID string) (*TenantAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgAccountColumns+` FROM tenant_accounts WHERE tenant_id = $1`, tenantID)
	acct, err := scanPgAccount(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, s.mapError("get account", err)
	}
	return acct, err
}

// UpdateAccount locks the tenant row, applies fn and commits. Serialization
// failures are retried with the mutation re-applied to a fresh read, so fn
// must depend only on the account it is given.
func (s *PostgresStore) UpdateAccount(ctx context.Context, tenantID string, fn AccountMutation) (*TenantAccount, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
			case <-time.After(delay):
			}
		}

		acct, err := s.updateOnce(ctx, tenantID, fn)
		if err == nil {
			return acct, nil
		}
		if pgCode(err) != pgSerializationFailure {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *PostgresStore) updateOnce(ctx context.Context, tenantID string, fn AccountMutation) (*TenantAccount, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, s.mapError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	// SET LOCAL does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.LockTimeout.Milliseconds())); err != nil {
		return nil, s.mapError("set lock timeout", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", s.cfg.StatementTimeout.Milliseconds())); err != nil {
		return nil, s.mapError("set statement timeout", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+pgAccountColumns+` FROM tenant_accounts WHERE tenant_id = $1 FOR UPDATE`, tenantID)
	acct, err := scanPgAccount(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, s.mapError("lock account", err)
	}

	entry, err := fn(acct)
	if err != nil {
		return nil, err
	}
	if err := checkAccount(acct); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	acct.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `UPDATE tenant_accounts SET
		plan = $1, monthly_budget = $2, total_credits = $3, used_credits = $4, current_month_spend = $5,
		paused = $6, paused_reason = $7, paused_at = $8, alert_75_at = $9, alert_90_at = $10, last_reset_at = $11,
		updated_at = $12
		WHERE tenant_id = $13`,
		acct.Plan, acct.MonthlyBudget, acct.TotalCredits, acct.UsedCredits, acct.CurrentMonthSpend,
		acct.Paused, acct.PausedReason, nullTime(acct.PausedAt), nullTime(acct.Alert75At), nullTime(acct.Alert90At),
		nullTime(acct.LastResetAt), now, tenantID)
	if err != nil {
		return nil, s.mapError("update account", err)
	}

	if entry != nil {
		prepareEntry(entry, tenantID, now)
		if err := insertPgCost(ctx, tx, entry); err != nil {
			return nil, s.mapError("append cost", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, s.mapError("commit", err)
	}
	return acct, nil
}

// ListAccounts returns every account ordered by ID.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*TenantAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pgAccountColumns+` FROM tenant_accounts ORDER BY tenant_id`)
	if err != nil {
		return nil, s.mapError("list accounts", err)
	}
	defer rows.Close()

	var out []*TenantAccount
	for rows.Next() {
		acct, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("list accounts", err)
	}
	return out, nil
}

// ResetPeriod resets every account whose last reset predates periodStart.
func (s *PostgresStore) ResetPeriod(ctx context.Context, periodStart, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE tenant_accounts SET
		current_month_spend = 0, alert_75_at = NULL, alert_90_at = NULL,
		paused = FALSE, paused_reason = '', paused_at = NULL,
		last_reset_at = $1, updated_at = $1
		WHERE last_reset_at IS NULL OR last_reset_at < $2`,
		now.UTC(), periodStart.UTC())
	if err != nil {
		return 0, s.mapError("reset period", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// AppendCost inserts an entry outside any account transaction.
func (s *PostgresStore) AppendCost(ctx context.Context, entry *CostEntry) error {
	prepareEntry(entry, entry.TenantID, s.now().UTC())
	if err := insertPgCost(ctx, s.db, entry); err != nil {
		return s.mapError("append cost", err)
	}
	return nil
}

// QueryCosts returns matching entries newest first.
func (s *PostgresStore) QueryCosts(ctx context.Context, q CostQuery) ([]*CostEntry, error) {
	where, args := pgCostFilter(q)
	args = append(args, queryLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, actor_id, operation_id, service_kind, cost, quantity,
		channel, created_at, metadata FROM cost_entries`+where+
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)), args...)
	if err != nil {
		return nil, s.mapError("query costs", err)
	}
	defer rows.Close()

	var out []*CostEntry
	for rows.Next() {
		var e CostEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.OperationID, &e.ServiceKind, &e.Cost, &e.Quantity,
			&e.Channel, &e.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan cost entry: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("query costs", err)
	}
	return out, nil
}

// SumCosts aggregates in SQL; NUMERIC sums are exact.
func (s *PostgresStore) SumCosts(ctx context.Context, q CostQuery) ([]CostTotal, error) {
	where, args := pgCostFilter(q)

	rows, err := s.db.QueryContext(ctx, `SELECT service_kind, channel, COUNT(*), SUM(cost), SUM(quantity)
		FROM cost_entries`+where+` GROUP BY service_kind, channel ORDER BY service_kind, channel`, args...)
	if err != nil {
		return nil, s.mapError("sum costs", err)
	}
	defer rows.Close()

	var out []CostTotal
	for rows.Next() {
		var t CostTotal
		if err := rows.Scan(&t.ServiceKind, &t.Channel, &t.Count, &t.Cost, &t.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan total: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("sum costs", err)
	}
	return out, nil
}

// RecordIncident inserts an abuse record.
func (s *PostgresStore) RecordIncident(ctx context.Context, rec *AbuseRecord) error {
	prepareIncident(rec, s.now().UTC())
	_, err := s.db.ExecContext(ctx, `INSERT INTO abuse_incidents
		(id, tenant_id, actor_id, source_address, reasons, severity, action, evidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TenantID, rec.ActorID, rec.SourceAddress, pq.Array(rec.Reasons), rec.Severity, rec.Action,
		rec.Evidence, rec.Timestamp)
	if err != nil {
		return s.mapError("record incident", err)
	}
	return nil
}

// CountIncidents counts matching records.
func (s *PostgresStore) CountIncidents(ctx context.Context, q IncidentQuery) (int64, error) {
	where, args := pgIncidentFilter(q)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM abuse_incidents`+where, args...).Scan(&n); err != nil {
		return 0, s.mapError("count incidents", err)
	}
	return n, nil
}

// ListIncidents returns matching records newest first.
func (s *PostgresStore) ListIncidents(ctx context.Context, q IncidentQuery) ([]*AbuseRecord, error) {
	where, args := pgIncidentFilter(q)
	args = append(args, queryLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, actor_id, source_address, reasons, severity, action,
		evidence, created_at FROM abuse_incidents`+where+
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)), args...)
	if err != nil {
		return nil, s.mapError("list incidents", err)
	}
	defer rows.Close()

	var out []*AbuseRecord
	for rows.Next() {
		var r AbuseRecord
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ActorID, &r.SourceAddress, pq.Array(&r.Reasons), &r.Severity,
			&r.Action, &r.Evidence, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("list incidents", err)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) mapError(op string, err error) error {
	switch pgCode(err) {
	case pgLockNotAvailable, pgQueryCanceled:
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, op, err)
	case pgCheckViolation:
		return fmt.Errorf("%w: %s: %v", ErrConstraint, op, err)
	case pgSerializationFailure:
		// Left unwrapped so UpdateAccount can retry.
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func scanPgAccount(row rowScanner) (*TenantAccount, error) {
	var a TenantAccount
	var pausedAt, alert75, alert90, lastReset sql.NullTime

	err := row.Scan(&a.ID, &a.Plan, &a.MonthlyBudget, &a.TotalCredits, &a.UsedCredits, &a.CurrentMonthSpend,
		&a.Paused, &a.PausedReason, &pausedAt, &alert75, &alert90, &lastReset, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.PausedAt = fromNullTime(pausedAt)
	a.Alert75At = fromNullTime(alert75)
	a.Alert90At = fromNullTime(alert90)
	a.LastResetAt = fromNullTime(lastReset)
	return &a, nil
}

func insertPgCost(ctx context.Context, db execer, e *CostEntry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO cost_entries
		(id, tenant_id, actor_id, operation_id, service_kind, cost, quantity, channel, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TenantID, e.ActorID, e.OperationID, e.ServiceKind, e.Cost, e.Quantity, e.Channel,
		e.Timestamp.UTC(), meta)
	return err
}

func pgCostFilter(q CostQuery) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.ServiceKind != "" {
		add("service_kind = $%d", q.ServiceKind)
	}
	if q.Channel != "" {
		add("channel = $%d", q.Channel)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From.UTC())
	}
	if !q.To.IsZero() {
		add("created_at < $%d", q.To.UTC())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func pgIncidentFilter(q IncidentQuery) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if q.SourceAddress != "" {
		add("source_address = $%d", q.SourceAddress)
	}
	if len(q.Actions) > 0 {
		add("action = ANY($%d)", pq.Array(q.Actions))
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since.UTC())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

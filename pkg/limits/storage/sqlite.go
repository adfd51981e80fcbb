package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store on a single SQLite file. It suits single-node
// deployments where the ledger must survive restarts.
//
// Writers are serialized: the pool holds one connection and transactions
// begin with BEGIN IMMEDIATE, so the account read and the balance write can
// never interleave with another writer.
type SQLiteStore struct {
	db                 *sql.DB
	path               string
	txTimeout          time.Duration
	checkpointInterval time.Duration
	done               chan struct{}
	closeOnce          sync.Once
	now                func() time.Time
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long SQLite waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// TxTimeout bounds each account transaction.
	// Default: 3 seconds
	TxTimeout time.Duration

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration
}

// NewSQLiteStore opens (and if needed creates) the database.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.TxTimeout == 0 {
		cfg.TxTimeout = 3 * time.Second
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:                 db,
		path:               cfg.Path,
		txTimeout:          cfg.TxTimeout,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
		now:                time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go s.checkpointLoop()

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenant_accounts (
		tenant_id TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		monthly_budget TEXT NOT NULL,
		total_credits TEXT NOT NULL,
		used_credits TEXT NOT NULL,
		current_month_spend TEXT NOT NULL,
		paused INTEGER NOT NULL DEFAULT 0,
		paused_reason TEXT NOT NULL DEFAULT '',
		paused_at INTEGER,
		alert_75_at INTEGER,
		alert_90_at INTEGER,
		last_reset_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cost_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		operation_id TEXT NOT NULL DEFAULT '',
		service_kind TEXT NOT NULL,
		cost TEXT NOT NULL,
		quantity TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cost_entries_tenant_time ON cost_entries(tenant_id, created_at);

	CREATE TRIGGER IF NOT EXISTS cost_entries_no_update
	BEFORE UPDATE ON cost_entries
	BEGIN
		SELECT RAISE(ABORT, 'cost entries are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS cost_entries_no_delete
	BEFORE DELETE ON cost_entries
	BEGIN
		SELECT RAISE(ABORT, 'cost entries are append-only');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

const sqliteAccountColumns = `tenant_id, plan, monthly_budget, total_credits, used_credits, current_month_spend,
	paused, paused_reason, paused_at, alert_75_at, alert_90_at, last_reset_at, created_at, updated_at`

// CreateAccount inserts a new account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *TenantAccount) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("account id cannot be empty")
	}
	if err := checkAccount(acct); err != nil {
		return err
	}

	now := s.now()
	created := acct.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO tenant_accounts (`+sqliteAccountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Plan, acct.MonthlyBudget, acct.TotalCredits, acct.UsedCredits, acct.CurrentMonthSpend,
		acct.Paused, acct.PausedReason, toMicros(acct.PausedAt), toMicros(acct.Alert75At), toMicros(acct.Alert90At),
		toMicros(acct.LastResetAt), created.UnixMicro(), now.UnixMicro())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount reads an account.
func (s *SQLiteStore) GetAccount(ctx context.Context, tenantID string) (*TenantAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM tenant_accounts WHERE tenant_id = ?`, tenantID)
	return scanSQLiteAccount(row)
}

// UpdateAccount applies fn inside an immediate transaction.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, tenantID string, fn AccountMutation) (*TenantAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.txError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM tenant_accounts WHERE tenant_id = ?`, tenantID)
	acct, err := scanSQLiteAccount(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, s.txError("lock account", err)
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

	_, err = tx.ExecContext(ctx, `UPDATE tenant_accounts SET
		plan = ?, monthly_budget = ?, total_credits = ?, used_credits = ?, current_month_spend = ?,
		paused = ?, paused_reason = ?, paused_at = ?, alert_75_at = ?, alert_90_at = ?, last_reset_at = ?,
		updated_at = ?
		WHERE tenant_id = ?`,
		acct.Plan, acct.MonthlyBudget, acct.TotalCredits, acct.UsedCredits, acct.CurrentMonthSpend,
		acct.Paused, acct.PausedReason, toMicros(acct.PausedAt), toMicros(acct.Alert75At), toMicros(acct.Alert90At),
		toMicros(acct.LastResetAt), now.UnixMicro(), tenantID)
	if err != nil {
		return nil, s.txError("update account", err)
	}

	if entry != nil {
		prepareEntry(entry, tenantID, now)
		if err := insertSQLiteCost(ctx, tx, entry); err != nil {
			return nil, s.txError("append cost", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, s.txError("commit", err)
	}
	return acct, nil
}

// ListAccounts returns all accounts ordered by ID.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*TenantAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAccountColumns+` FROM tenant_accounts ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*TenantAccount
	for rows.Next() {
		acct, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// ResetPeriod resets every account not yet reset in the period.
func (s *SQLiteStore) ResetPeriod(ctx context.Context, periodStart, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE tenant_accounts SET
		current_month_spend = '0', alert_75_at = NULL, alert_90_at = NULL,
		paused = 0, paused_reason = '', paused_at = NULL,
		last_reset_at = ?, updated_at = ?
		WHERE last_reset_at IS NULL OR last_reset_at < ?`,
		now.UnixMicro(), now.UnixMicro(), periodStart.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to reset period: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// AppendCost inserts an entry.
func (s *SQLiteStore) AppendCost(ctx context.Context, entry *CostEntry) error {
	prepareEntry(entry, entry.TenantID, s.now())
	if err := insertSQLiteCost(ctx, s.db, entry); err != nil {
		return fmt.Errorf("failed to append cost: %w", err)
	}
	return nil
}

// QueryCosts returns matching entries newest first.
func (s *SQLiteStore) QueryCosts(ctx context.Context, q CostQuery) ([]*CostEntry, error) {
	where, args := sqliteCostFilter(q)
	args = append(args, queryLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, actor_id, operation_id, service_kind, cost, quantity,
		channel, created_at, metadata FROM cost_entries`+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query costs: %w", err)
	}
	defer rows.Close()
	return scanSQLiteCosts(rows)
}

// SumCosts groups matching entries. Amounts are summed in decimal after
// reading because SQLite would sum TEXT columns as floating point.
func (s *SQLiteStore) SumCosts(ctx context.Context, q CostQuery) ([]CostTotal, error) {
	where, args := sqliteCostFilter(q)

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, actor_id, operation_id, service_kind, cost, quantity,
		channel, created_at, metadata FROM cost_entries`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sum costs: %w", err)
	}
	defer rows.Close()

	entries, err := scanSQLiteCosts(rows)
	if err != nil {
		return nil, err
	}
	totals := make(map[[2]string]*CostTotal)
	for _, e := range entries {
		addTotal(totals, e)
	}
	return sortedTotals(totals), nil
}

// Ping checks the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases any resources held by the store.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

func (s *SQLiteStore) txError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanSQLiteAccount(row rowScanner) (*TenantAccount, error) {
	var a TenantAccount
	var pausedAt, alert75, alert90, lastReset sql.NullInt64
	var created, updated int64

	err := row.Scan(&a.ID, &a.Plan, &a.MonthlyBudget, &a.TotalCredits, &a.UsedCredits, &a.CurrentMonthSpend,
		&a.Paused, &a.PausedReason, &pausedAt, &alert75, &alert90, &lastReset, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	a.PausedAt = fromMicros(pausedAt)
	a.Alert75At = fromMicros(alert75)
	a.Alert90At = fromMicros(alert90)
	a.LastResetAt = fromMicros(lastReset)
	a.CreatedAt = time.UnixMicro(created)
	a.UpdatedAt = time.UnixMicro(updated)
	return &a, nil
}

func insertSQLiteCost(ctx context.Context, db execer, e *CostEntry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO cost_entries
		(id, tenant_id, actor_id, operation_id, service_kind, cost, quantity, channel, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.ActorID, e.OperationID, e.ServiceKind, e.Cost, e.Quantity, e.Channel,
		e.Timestamp.UnixMicro(), meta)
	return err
}

func scanSQLiteCosts(rows *sql.Rows) ([]*CostEntry, error) {
	var out []*CostEntry
	for rows.Next() {
		var e CostEntry
		var created int64
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.OperationID, &e.ServiceKind, &e.Cost, &e.Quantity,
			&e.Channel, &created, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan cost entry: %w", err)
		}
		e.Timestamp = time.UnixMicro(created)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func sqliteCostFilter(q CostQuery) (string, []any) {
	var conds []string
	var args []any
	if q.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.ServiceKind != "" {
		conds = append(conds, "service_kind = ?")
		args = append(args, q.ServiceKind)
	}
	if q.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, q.Channel)
	}
	if !q.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.From.UnixMicro())
	}
	if !q.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, q.To.UnixMicro())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encodeMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func toMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64)
	return &t
}

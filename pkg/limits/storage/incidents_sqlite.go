package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// IncidentSQLiteConfig configures the abuse incident log.
type IncidentSQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 4
	MaxOpenConns int

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// IncidentSQLite persists abuse records in a SQLite file separate from the
// ledger, so a busy incident log never contends with ledger writers.
type IncidentSQLite struct {
	db     *sql.DB
	insert *sql.Stmt
	logger *slog.Logger
	now    func() time.Time

	closeOnce sync.Once
}

const incidentSchema = `
CREATE TABLE IF NOT EXISTS abuse_incidents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	source_address TEXT NOT NULL DEFAULT '',
	reasons TEXT NOT NULL,
	severity TEXT NOT NULL,
	action TEXT NOT NULL,
	evidence TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_abuse_incidents_actor ON abuse_incidents(tenant_id, actor_id, created_at);
CREATE INDEX IF NOT EXISTS idx_abuse_incidents_address ON abuse_incidents(source_address, created_at);
`

// NewIncidentSQLite opens the incident log.
func NewIncidentSQLite(cfg IncidentSQLiteConfig) (*IncidentSQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("incident db path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "limits.storage.incidents")

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to open incident database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	if _, err := db.Exec(incidentSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create incident schema: %w", err)
	}

	insert, err := db.Prepare(`INSERT INTO abuse_incidents
		(id, tenant_id, actor_id, source_address, reasons, severity, action, evidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	logger.Info("incident log initialized", "path", cfg.Path)

	return &IncidentSQLite{db: db, insert: insert, logger: logger, now: time.Now}, nil
}

// RecordIncident inserts an abuse record.
func (s *IncidentSQLite) RecordIncident(ctx context.Context, rec *AbuseRecord) error {
	prepareIncident(rec, s.now())

	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("failed to encode reasons: %w", err)
	}

	_, err = s.insert.ExecContext(ctx, rec.ID, rec.TenantID, rec.ActorID, rec.SourceAddress, string(reasons),
		rec.Severity, rec.Action, rec.Evidence, rec.Timestamp.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

// CountIncidents counts matching records.
func (s *IncidentSQLite) CountIncidents(ctx context.Context, q IncidentQuery) (int64, error) {
	where, args := sqliteIncidentFilter(q)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM abuse_incidents`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return n, nil
}

// ListIncidents returns matching records newest first.
func (s *IncidentSQLite) ListIncidents(ctx context.Context, q IncidentQuery) ([]*AbuseRecord, error) {
	where, args := sqliteIncidentFilter(q)
	args = append(args, queryLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, actor_id, source_address, reasons, severity, action,
		evidence, created_at FROM abuse_incidents`+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []*AbuseRecord
	for rows.Next() {
		var r AbuseRecord
		var reasons string
		var created int64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ActorID, &r.SourceAddress, &reasons, &r.Severity, &r.Action,
			&r.Evidence, &created); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &r.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons: %w", err)
		}
		r.Timestamp = time.UnixMicro(created)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Prune deletes records older than cutoff and returns how many were removed.
func (s *IncidentSQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM abuse_incidents WHERE created_at < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to prune incidents: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned abuse incidents", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Close closes the database.
func (s *IncidentSQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.insert.Close()
		err = s.db.Close()
	})
	return err
}

func sqliteIncidentFilter(q IncidentQuery) (string, []any) {
	var conds []string
	var args []any
	if q.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, q.ActorID)
	}
	if q.SourceAddress != "" {
		conds = append(conds, "source_address = ?")
		args = append(args, q.SourceAddress)
	}
	if len(q.Actions) > 0 {
		conds = append(conds, "action IN (?"+strings.Repeat(", ?", len(q.Actions)-1)+")")
		for _, a := range q.Actions {
			args = append(args, a)
		}
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since.UnixMicro())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

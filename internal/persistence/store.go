// Package persistence is the durable store for the task run scheduling core.
//
// Every exported mutating method is a single short transaction against
// SQLite. The store is the only shared mutable state in the system: claim,
// finalize, reclaim, deadline and notification transitions are all guarded
// by status-checked UPDATEs inside one transaction, so concurrent callers
// skip rows they lose instead of blocking on them.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/taskrun/internal/bus"
	"github.com/basket/taskrun/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tr-v1-2026-07-03-run-lease-quota-notify"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	// DefaultLeaseDuration bounds a claim when the caller passes zero.
	DefaultLeaseDuration = 30 * time.Second

	defaultMaxAttempts = 2

	// DefaultNotifyMaxAttempts bounds per-channel delivery retries.
	DefaultNotifyMaxAttempts = 3

	// claimScanLimit is the page size of the ClaimNext candidate scan;
	// the scan walks page by page until the queue is exhausted.
	claimScanLimit = 64
)

// RunStatus is the execution state of a task run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "QUEUED"
	RunStatusRunning    RunStatus = "RUNNING"
	RunStatusNeedsInput RunStatus = "NEEDS_INPUT"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusCancelled  RunStatus = "CANCELLED"
)

// IsTerminal reports whether s is a terminal execution status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// notifiable statuses are those that arm a NONE-state notification channel.
// needs_input counts: the user has to be told the run is waiting on them.
func (s RunStatus) notifiable() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusNeedsInput:
		return true
	}
	return false
}

var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusQueued: {
		RunStatusRunning:   {}, // atomic claim, the only way in
		RunStatusFailed:    {}, // deadline sweeper
		RunStatusCancelled: {},
	},
	RunStatusRunning: {
		RunStatusCompleted:  {},
		RunStatusFailed:     {},
		RunStatusNeedsInput: {},
		RunStatusQueued:     {}, // lease-expiry requeue
		RunStatusCancelled:  {},
	},
	RunStatusNeedsInput: {
		RunStatusQueued:    {}, // resume with user input
		RunStatusCancelled: {},
	},
}

func canTransition(from, to RunStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// RunEvent is one row of the append-only decision/transition ledger.
type RunEvent struct {
	EventID   int64     `json:"event_id"`
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom RunStatus `json:"state_from,omitempty"`
	StateTo   RunStatus `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrun", "taskrun.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest && maxVersion > 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if err := applySchemaV1(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema v1: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func applySchemaV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			tenant_id TEXT,
			status TEXT NOT NULL DEFAULT 'QUEUED',
			priority INTEGER NOT NULL DEFAULT 0,
			target_agent_name TEXT,
			required_capabilities TEXT NOT NULL DEFAULT '[]',
			model_ref TEXT,
			deadline_at DATETIME,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 2,
			started_at DATETIME,
			completed_at DATETIME,
			runtime_seconds INTEGER,
			result_summary TEXT,
			result_full TEXT,
			last_error TEXT,
			routing_failed_at DATETIME,
			routing_failure_reason TEXT,
			notify_email TEXT,
			webhook_url TEXT,
			email_notify_status TEXT NOT NULL DEFAULT 'NONE',
			email_notify_attempts INTEGER NOT NULL DEFAULT 0,
			email_notify_last_error TEXT,
			email_notify_next_retry_at DATETIME,
			email_notify_updated_at DATETIME,
			webhook_notify_status TEXT NOT NULL DEFAULT 'NONE',
			webhook_notify_attempts INTEGER NOT NULL DEFAULT 0,
			webhook_notify_last_error TEXT,
			webhook_notify_next_retry_at DATETIME,
			webhook_notify_updated_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs (status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_claim ON task_runs (status, priority DESC, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_user_status ON task_runs (user_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_lease ON task_runs (status, lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_deadline ON task_runs (status, deadline_at);`,
		`CREATE TABLE IF NOT EXISTS user_quotas (
			user_id TEXT PRIMARY KEY,
			tenant_id TEXT,
			concurrency_limit INTEGER NOT NULL DEFAULT 0,
			tasks_limit INTEGER NOT NULL DEFAULT 0,
			tasks_used_this_month INTEGER NOT NULL DEFAULT 0,
			agent_minutes_limit INTEGER NOT NULL DEFAULT 0,
			agent_minutes_used_this_month INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			user_id TEXT,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, event_id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	return nil
}

func (s *Store) appendRunEventTx(ctx context.Context, tx *sql.Tx, runID, userID string, from, to RunStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, user_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, runID, userID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert run_event: %w", err)
	}
	return nil
}

// transitionRunTx moves a run to a new status if its current status is in
// allowedFrom, recording the transition in run_events. Returns false without
// error when the row is gone or in an unexpected state — the caller lost a
// benign race, not hit a failure.
func (s *Store) transitionRunTx(
	ctx context.Context,
	tx *sql.Tx,
	runID string,
	allowedFrom []RunStatus,
	to RunStatus,
	eventType string,
	payload string,
	errMsg *string,
) (bool, error) {
	var current RunStatus
	var userID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, user_id
		FROM task_runs
		WHERE id = ?;
	`, runID).Scan(&current, &userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select run for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE task_runs
		SET status = ?,
			last_error = CASE WHEN ? THEN ? ELSE last_error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, errValue.Valid, errValue.String, runID, current)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	if err := s.appendRunEventTx(ctx, tx, runID, userID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// ListRunEvents returns the transition ledger for one run, oldest first.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, COALESCE(user_id, ''), COALESCE(trace_id, '-'), event_type, state_from, state_to, payload_json, created_at
		FROM run_events
		WHERE run_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var (
			event     RunEvent
			stateFrom sql.NullString
		)
		if err := rows.Scan(
			&event.EventID,
			&event.RunID,
			&event.UserID,
			&event.TraceID,
			&event.EventType,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = RunStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run event rows: %w", err)
	}
	return out, nil
}

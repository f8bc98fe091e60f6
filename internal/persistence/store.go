// Package persistence is the single authoritative mutable state of the
// runtime: queue tables, work-item table, nonce table, approval tokens and
// the audit log live in one SQLite database. Every field required to resume
// correctly after a crash is persisted before the operation depending on it
// is considered complete.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-warden/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "gw-v1-2026-08-18-core-schema"

	// v2 adds goal schedule columns (next_run_at/last_run_at) on work_items.
	schemaVersionV2  = 2
	schemaChecksumV2 = "gw-v2-2026-08-21-goal-schedules"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	defaultLeaseDuration = 30 * time.Second

	defaultRetryCap = 5
	retryBaseDelay  = 1 * time.Second
	retryMaxDelay   = 30 * time.Second
	poisonThreshold = 3
)

// Deterministic reason codes for requeue and terminal delivery states.
const (
	ReasonRetryConsumerNack    = "RETRY_CONSUMER_NACK"
	ReasonRequeueLeaseExpired  = "REQUEUE_LEASE_EXPIRED"
	ReasonRequeueStartup       = "REQUEUE_STARTUP_RECOVERY"
	ReasonDeadLetterPoisonPill = "DEAD_LETTER_POISON_PILL"
	ReasonDeadLetterRetryCap   = "DEAD_LETTER_RETRY_CAP"
	ReasonDeadLetterExplicit   = "DEAD_LETTER_EXPLICIT"
)

// Store wraps the SQLite database. All methods are safe for concurrent use;
// single-claim guarantees come from transactions plus conditional updates.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gowarden", "gowarden.db")
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

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver busy_timeout.
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
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
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

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS queue_messages (
			queue TEXT NOT NULL,
			message_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'queued' CHECK(state IN ('queued', 'leased')),
			lease_owner TEXT,
			lease_expires_at DATETIME,
			retry_count INTEGER NOT NULL DEFAULT 0,
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			error_fingerprint TEXT,
			poison_count INTEGER NOT NULL DEFAULT 0,
			payload JSON NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (queue, message_id)
		);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			queue TEXT NOT NULL,
			message_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			payload JSON NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (queue, message_id)
		);`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			consumer TEXT NOT NULL,
			message_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (consumer, message_id)
		);`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			scope_id TEXT NOT NULL,
			type TEXT NOT NULL CHECK(type IN ('task', 'project', 'goal')),
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'healthy', 'done', 'failed', 'stuck', 'blocked', 'paused', 'awaiting_planner_guidance')),
			definition JSON NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			budget_used JSON NOT NULL DEFAULT '{}',
			verification_results JSON NOT NULL DEFAULT '[]',
			approval_token_id TEXT,
			replan_depth INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS approval_tokens (
			token_id TEXT PRIMARY KEY,
			work_item_id TEXT NOT NULL,
			plan_hash TEXT NOT NULL,
			scope TEXT NOT NULL,
			verdict TEXT NOT NULL,
			nonce TEXT NOT NULL,
			signature TEXT NOT NULL,
			issued_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			max_executions INTEGER NOT NULL DEFAULT 1,
			executions_used INTEGER NOT NULL DEFAULT 0,
			execution_nonces JSON NOT NULL DEFAULT '[]',
			conditions JSON NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS nonces (
			domain TEXT NOT NULL CHECK(domain IN ('msg', 'exec')),
			binding TEXT NOT NULL,
			recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (domain, binding)
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v2: goal schedule columns. Idempotent for fresh DBs.
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE work_items ADD COLUMN next_run_at DATETIME;`, desc: "work_items.next_run_at"},
		{stmt: `ALTER TABLE work_items ADD COLUMN last_run_at DATETIME;`, desc: "work_items.last_run_at"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_lease ON queue_messages(queue, state, available_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_expiry ON queue_messages(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status, scope_id);`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_schedule ON work_items(type, status, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_nonces_recorded ON nonces(recorded_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_work_item ON approval_tokens(work_item_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	// One ledger row per applied version: the migration history is auditable,
	// not just the current version.
	applied := []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
	}
	for _, m := range applied {
		if m.version <= maxVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record schema migration %d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

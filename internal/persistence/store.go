package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/skillforge/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1: skills, workflow_sessions, agent_runs.
	schemaVersionV1  = 1
	schemaChecksumV1 = "sf-v1-2026-09-02-core"

	// v2: run context/compaction history and the reconciliation journal.
	schemaVersionV2  = 2
	schemaChecksumV2 = "sf-v2-2026-09-20-run-history"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionActive = errors.New("skill already has an active session")
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One connection serializes writers; per-skill records never see concurrent writes.
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
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
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
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS skills (
		name TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT '',
		current_step INTEGER NOT NULL DEFAULT 0,
		step_statuses TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS workflow_sessions (
		session_id TEXT PRIMARY KEY,
		skill_name TEXT NOT NULL REFERENCES skills(name) ON DELETE CASCADE,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'cancelled', 'crashed')),
		pid INTEGER
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
		ON workflow_sessions(skill_name) WHERE status = 'running';`,
	`CREATE TABLE IF NOT EXISTS agent_runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES workflow_sessions(session_id) ON DELETE CASCADE,
		skill_name TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'error', 'shutdown')),
		pid INTEGER,
		agent_session_id TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		cost_estimated INTEGER NOT NULL DEFAULT 0,
		context_window INTEGER NOT NULL DEFAULT 0,
		num_turns INTEGER NOT NULL DEFAULT 0,
		result_subtype TEXT NOT NULL DEFAULT '',
		stop_reason TEXT NOT NULL DEFAULT '',
		errors TEXT NOT NULL DEFAULT '[]',
		diagnostic TEXT NOT NULL DEFAULT '',
		thinking_enabled INTEGER NOT NULL DEFAULT 0,
		display_name TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_session ON agent_runs(session_id);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);`,
}

var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS run_context_snapshots (
		run_id TEXT NOT NULL REFERENCES agent_runs(run_id) ON DELETE CASCADE,
		turn INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_read_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER NOT NULL,
		PRIMARY KEY (run_id, turn)
	);`,
	`CREATE TABLE IF NOT EXISTS run_compactions (
		run_id TEXT NOT NULL REFERENCES agent_runs(run_id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		turn INTEGER NOT NULL,
		pre_tokens INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS reconciliation_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		skill_name TEXT NOT NULL,
		scenario TEXT NOT NULL,
		mutations INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
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

	migrations := []struct {
		version    int
		checksum   string
		statements []string
	}{
		{schemaVersionV1, schemaChecksumV1, schemaV1},
		{schemaVersionV2, schemaChecksumV2, schemaV2},
	}
	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion reports the latest applied migration and its checksum.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

// Backup creates an online-consistent copy of the database using VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

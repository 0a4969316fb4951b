package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/taskinbox/internal/task"
	"github.com/mattn/go-sqlite3"
)

const (
	// schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ti-v1-2026-10-19-task-inbox"

	// v2 adds failure_reason and the task_events journal.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ti-v2-2026-10-19-events-failure-reason"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// busyTimeoutMillis is handed to the driver; retryOnBusy adds a bounded
	// backoff on top for contention that outlives it.
	busyTimeoutMillis = 5000
	maxBusyRetries    = 5
)

type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now as the source of task timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskinbox", "tasks.db")
}

// Open opens (creating if needed) the task database at path. Each producer
// process opens its own Store, performs one operation and closes it.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create db directory: %w", task.ErrStorageUnavailable, err)
	}

	// _txlock=immediate makes every BeginTx take the write lock up front, so
	// two writers never deadlock upgrading a shared lock.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_txlock=immediate", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite3: %w", task.ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, path: path, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	ctx := context.Background()
	if err := retryOnBusy(ctx, maxBusyRetries, func() error { return store.configurePragmas(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", task.ErrStorageUnavailable, err)
	}
	if err := retryOnBusy(ctx, maxBusyRetries, func() error { return store.initSchema(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", task.ErrStorageUnavailable, err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~1.5s total wait on top of
// the driver's busy_timeout.
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

// isSQLiteBusy reports whether err wraps a driver BUSY or LOCKED error.
// Only the typed code counts: error text can carry producer-supplied task ids.
func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// storageError passes domain errors and context cancellation through and
// marks everything else as a storage failure of the named operation.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{
		task.ErrConflict,
		task.ErrNotFound,
		task.ErrInvalidTransition,
		task.ErrInvalidArgument,
		task.ErrStorageUnavailable,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, task.ErrStorageUnavailable, err)
}

// withTx runs fn in one write transaction, retrying the whole unit on lock
// contention. fn must not keep state across attempts.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, maxBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
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

	if maxVersion > 0 {
		want := map[int]string{
			schemaVersionV1: schemaChecksumV1,
			schemaVersionV2: schemaChecksumV2,
		}[maxVersion]
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	if maxVersion < schemaVersionV1 {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL UNIQUE CHECK (length(trim(task_id)) > 0),
				agent_type TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '' CHECK (length(title) <= 100),
				status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'needs_attention', 'failed')),
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				completed_at INTEGER,
				pid INTEGER,
				ppid INTEGER,
				monitor_pid INTEGER,
				attention_reason TEXT,
				exit_code INTEGER,
				context TEXT,
				metadata TEXT,
				CHECK (updated_at >= created_at),
				CHECK ((completed_at IS NOT NULL) = (status IN ('completed', 'failed'))),
				CHECK ((COALESCE(attention_reason, '') <> '') = (status = 'needs_attention'))
			);
		`); err != nil {
			return fmt.Errorf("create tasks: %w", err)
		}
		for _, stmt := range []string{
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status_completed_at ON tasks(status, completed_at);`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create tasks index: %w", err)
			}
		}
		if err := recordMigrationTx(ctx, tx, schemaVersionV1, schemaChecksumV1); err != nil {
			return err
		}
	}

	if maxVersion < schemaVersionV2 {
		for _, stmt := range []string{
			`ALTER TABLE tasks ADD COLUMN failure_reason TEXT;`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				reason TEXT,
				trace_id TEXT NOT NULL DEFAULT '-',
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v2: %w", err)
			}
		}
		if err := recordMigrationTx(ctx, tx, schemaVersionV2, schemaChecksumV2); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func recordMigrationTx(ctx context.Context, tx *sql.Tx, version int, checksum string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, version, checksum); err != nil {
		return fmt.Errorf("record schema version %d: %w", version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, storageError("schema version", err)
	}
	return v, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns its first line.
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	var out string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&out); err != nil {
		return "", storageError("integrity check", err)
	}
	return out, nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("%w: backup destination path required", task.ErrInvalidArgument)
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("%w: backup destination already exists: %s", task.ErrInvalidArgument, destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return storageError("backup (VACUUM INTO)", err)
	}
	return nil
}

// ABOUTME: SQLite implementation of parlor persistence using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema, and holds shared scan/format helpers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/parlor/internal/clock"
)

// SQLiteStore persists accounts, ledger entries, conversations, and messages.
// All writes go through a single connection so conditional updates are
// serialized by SQLite itself.
type SQLiteStore struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used to stamp rows. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) { s.clock = c }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l.With("component", "store") }
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		clock:  clock.Real(),
		logger: slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: transactions never contend with each other inside the
	// process, and queries issued inside a tx must use that tx.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s.db = db

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Instants that take part in comparisons (activity, locks, message order)
// are stored as unix nanoseconds; creation times are RFC3339 text.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id           TEXT PRIMARY KEY,
			role         TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			bio          TEXT NOT NULL DEFAULT '',
			balance      INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,

			CHECK (role IN ('user', 'operator', 'persona', 'admin')),
			CHECK (balance >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_role ON accounts(role);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id            TEXT PRIMARY KEY,
			account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			delta         INTEGER NOT NULL,
			reason        TEXT NOT NULL,
			message_id    TEXT,
			balance_after INTEGER NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, created_at);

		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			participant_a    TEXT NOT NULL REFERENCES accounts(id),
			participant_b    TEXT NOT NULL REFERENCES accounts(id),
			pair_key         TEXT NOT NULL UNIQUE,
			created_at       TEXT NOT NULL,
			last_activity_at INTEGER NOT NULL,
			locked_by        TEXT,
			lock_time        INTEGER,

			CHECK (participant_a <> participant_b),
			CHECK ((locked_by IS NULL) = (lock_time IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a);
		CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b);
		CREATE INDEX IF NOT EXISTS idx_conversations_lock ON conversations(lock_time)
			WHERE locked_by IS NOT NULL;

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL,
			body            TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT 'text',
			cost            INTEGER NOT NULL DEFAULT 0,
			sent_at         INTEGER NOT NULL,

			CHECK (kind IN ('text', 'image', 'gift')),
			CHECK (cost >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent
			ON messages(conversation_id, sent_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "accounts",
			column: "bio",
			apply:  `ALTER TABLE accounts ADD COLUMN bio TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "messages",
			column: "kind",
			apply:  `ALTER TABLE messages ADD COLUMN kind TEXT NOT NULL DEFAULT 'text'`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// pairKey is order-independent so (a,b) and (b,a) collide on the UNIQUE index.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s|%s", len(a), a, b)
}

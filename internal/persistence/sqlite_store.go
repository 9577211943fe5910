package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver. Use
// SQLiteDSN to build a DSN with the busy timeout and WAL journal that
// concurrent writers need. An in-memory database must be limited to one
// connection (db.SetMaxOpenConns(1)), since every connection would
// otherwise see its own empty database.
type SQLiteStore struct {
	*sqlStore
}

// Ensure SQLiteStore implements RunStore.
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteDSN returns a DSN for path with the pragmas the store relies on.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// OpenSQLite opens the database at path and returns a store over it.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLiteStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore initializes the schema in db and returns a new SQLiteStore.
func NewSQLiteStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	s, err := newSQLStore(ctx, db, sqliteDialect(), opts)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}

func sqliteDialect() sqlDialect {
	return sqlDialect{
		name: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS runs (
				run_id TEXT PRIMARY KEY,
				product TEXT NOT NULL,
				flow_id TEXT NOT NULL,
				flow_version TEXT NOT NULL DEFAULT '',
				flow_fingerprint TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '',
				artifacts TEXT NOT NULL DEFAULT '',
				meta TEXT NOT NULL DEFAULT '',
				current_step INTEGER NOT NULL DEFAULT 0,
				failed_step_id TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				pending_input TEXT NOT NULL DEFAULT '',
				requested_by TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC, run_id DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
			`CREATE TABLE IF NOT EXISTS steps (
				run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
				step_id TEXT NOT NULL,
				idx INTEGER NOT NULL,
				kind TEXT NOT NULL,
				capability TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				output TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				started_at INTEGER NOT NULL DEFAULT 0,
				finished_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (run_id, step_id)
			)`,
			`CREATE TABLE IF NOT EXISTS trace_events (
				run_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				event_id TEXT NOT NULL,
				step_id TEXT NOT NULL DEFAULT '',
				product TEXT NOT NULL DEFAULT '',
				flow_id TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '',
				redacted INTEGER NOT NULL DEFAULT 0,
				at INTEGER NOT NULL,
				PRIMARY KEY (run_id, seq)
			)`,
		},
		isBusy:   isSQLiteBusy,
		isUnique: isSQLiteUnique,
	}
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

func isSQLiteBusy(err error) bool {
	if code, ok := sqliteCode(err); ok {
		primary := code & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func isSQLiteUnique(err error) bool {
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// PostgresStore is a RunStore backed by PostgreSQL.
//
// Writers lock the run row with SELECT ... FOR UPDATE under a transaction
// scoped lock_timeout; lock timeouts, deadlocks and serialization failures
// are retried until LockOptions.MaxWait is spent.
type PostgresStore struct {
	*sqlStore
}

// Ensure PostgresStore implements RunStore.
var _ RunStore = (*PostgresStore)(nil)

// OpenPostgres connects to dsn with the pgx driver and returns a store.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s, err := NewPostgresStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore initializes the schema in db and returns a new
// PostgresStore.
func NewPostgresStore(ctx context.Context, db *sql.DB, opts ...Option) (*PostgresStore, error) {
	s, err := newSQLStore(ctx, db, postgresDialect(), opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: s}, nil
}

func postgresDialect() sqlDialect {
	return sqlDialect{
		name:     "postgres",
		numbered: true,
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
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
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
				started_at BIGINT NOT NULL DEFAULT 0,
				finished_at BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (run_id, step_id)
			)`,
			`CREATE TABLE IF NOT EXISTS trace_events (
				run_id TEXT NOT NULL,
				seq BIGINT NOT NULL,
				event_id TEXT NOT NULL,
				step_id TEXT NOT NULL DEFAULT '',
				product TEXT NOT NULL DEFAULT '',
				flow_id TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '',
				redacted BOOLEAN NOT NULL DEFAULT FALSE,
				at BIGINT NOT NULL,
				PRIMARY KEY (run_id, seq)
			)`,
		},
		forUpdate: " FOR UPDATE",
		isBusy:    isPostgresBusy,
		isUnique:  isPostgresUnique,
		prepareTx: func(ctx context.Context, tx *sql.Tx, opts LockOptions) error {
			ms := opts.MaxWait.Milliseconds()
			if ms < 1 {
				ms = 1
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms))
			return err
		},
	}
}

// isPostgresBusy returns true for error codes that indicate a transient
// conflict on the run row.
func isPostgresBusy(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	case "55P03": // lock_not_available
		return true
	default:
		return false
	}
}

func isPostgresUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SQLiteQueue is a durable Queue in a SQLite database. Tasks are delivered
// in not_before, then insertion, order; a leased row is invisible to other
// owners until its lease_until passes.
//
// The *sql.DB should use the modernc.org/sqlite driver. An in-memory
// database must be limited to one connection.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time
}

// NewSQLiteQueue initializes the queue_tasks table in db and returns a new
// queue.
func NewSQLiteQueue(ctx context.Context, db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
		now:          time.Now,
	}
	if err := q.initSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			body BLOB NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}

	notBefore := t.EnqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, body, not_before, attempts)
		VALUES (?, ?, ?, ?)`,
		t.ID, body, notBefore, t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	for {
		task, err := q.claim(ctx, owner, lease)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	now := q.now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq      int64
		body     []byte
		attempts int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, body, attempts
		FROM queue_tasks
		WHERE not_before <= ? AND (lease_owner = '' OR lease_until <= ?)
		ORDER BY not_before, seq
		LIMIT 1`, now.UnixNano(), now.UnixNano()).Scan(&seq, &body, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	attempts++
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = ?, lease_until = ?, attempts = ?
		WHERE seq = ?`,
		owner, now.Add(lease).UnixNano(), attempts, seq,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task, err := DecodeTask(body)
	if err != nil {
		return nil, err
	}
	task.Attempts = attempts
	return task, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = ? AND lease_owner = ?`, taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, reason string) error {
	var body []byte
	err := q.db.QueryRowContext(ctx,
		`SELECT body FROM queue_tasks WHERE id = ? AND lease_owner = ?`, taskID, owner).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	task, err := DecodeTask(body)
	if err != nil {
		return err
	}
	task.LastError = reason
	task.NotBefore = notBefore
	if body, err = EncodeTask(*task); err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET body = ?, not_before = ?, lease_owner = '', lease_until = 0
		WHERE id = ? AND lease_owner = ?`,
		body, notBefore.UnixNano(), taskID, owner,
	)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func leaseResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

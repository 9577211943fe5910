package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresQueue is a durable Queue in a PostgreSQL table. Claims lock the
// oldest due row with FOR UPDATE SKIP LOCKED, so concurrent workers never
// wait on each other's claim.
//
// The *sql.DB should use the pgx stdlib driver.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time
}

var _ Queue = (*PostgresQueue)(nil)

// NewPostgresQueue initializes the queue_tasks table in db and returns a
// new queue.
func NewPostgresQueue(ctx context.Context, db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
		now:          time.Now,
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			body BYTEA NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
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
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue_tasks (id, body, not_before, attempts) VALUES ($1, $2, $3, $4)`,
		t.ID, body, notBefore, t.Attempts)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		task, err := q.claim(ctx, owner, lease)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	now := q.now()
	var (
		body     []byte
		attempts int
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = $1, lease_until = $2, attempts = attempts + 1
		WHERE seq = (
			SELECT seq FROM queue_tasks
			WHERE not_before <= $3 AND (lease_owner = '' OR lease_until <= $3)
			ORDER BY not_before, seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING body, attempts`,
		owner, now.Add(lease).UnixNano(), now.UnixNano(),
	).Scan(&body, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	task, err := DecodeTask(body)
	if err != nil {
		return nil, err
	}
	task.Attempts = attempts
	return task, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = $1 AND lease_owner = $2`, taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, reason string) error {
	var body []byte
	err := q.db.QueryRowContext(ctx,
		`SELECT body FROM queue_tasks WHERE id = $1 AND lease_owner = $2`, taskID, owner).Scan(&body)
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
		SET body = $1, not_before = $2, lease_owner = '', lease_until = 0
		WHERE id = $3 AND lease_owner = $4`,
		body, notBefore.UnixNano(), taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

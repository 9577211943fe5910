package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/petrijr/runflow/pkg/api"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	name   string
	schema []string
	// numbered reports whether placeholders are $1, $2, ... instead of ?.
	numbered bool
	// forUpdate is appended to the row-locking select.
	forUpdate string
	isBusy    func(error) bool
	isUnique  func(error) bool
	// prepareTx runs at the start of every write transaction.
	prepareTx func(ctx context.Context, tx *sql.Tx, opts LockOptions) error
}

// sqlStore implements RunStore on database/sql. Writes run in a transaction
// that first locks the run row, so the run status and the step it commits
// change together.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
	locks   *runLocks
	opts    LockOptions
}

const runColumns = `run_id, product, flow_id, flow_version, flow_fingerprint, status,
	payload, artifacts, meta, current_step, failed_step_id, error, pending_input,
	requested_by, created_at, updated_at`

const stepColumns = `run_id, step_id, idx, kind, capability, status, output, error,
	attempt_count, started_at, finished_at`

const eventColumns = `run_id, seq, event_id, step_id, product, flow_id, type, payload,
	redacted, at`

func newSQLStore(ctx context.Context, db *sql.DB, d sqlDialect, opts []Option) (*sqlStore, error) {
	cfg := newStoreConfig(opts)
	s := &sqlStore{db: db, dialect: d, locks: newRunLocks(), opts: cfg.lock}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s schema: %w", d.name, err)
		}
	}
	return s, nil
}

// q rewrites ? placeholders for dialects that number them.
func (s *sqlStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// write runs fn in a transaction under the run lock, retrying busy errors.
func (s *sqlStore) write(ctx context.Context, runID string, isBusy func(error) bool, fn func(tx *sql.Tx) error) error {
	return withRunLock(ctx, s.locks, s.opts, runID, isBusy, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if s.dialect.prepareTx != nil {
			if err := s.dialect.prepareTx(ctx, tx, s.opts); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *sqlStore) CreateRun(ctx context.Context, run *api.RunRecord) error {
	doc, err := toRunDoc(run)
	if err != nil {
		return err
	}
	return s.write(ctx, run.RunID, s.dialect.isBusy, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			doc.RunID, doc.Product, doc.FlowID, doc.FlowVersion, doc.FlowFingerprint, doc.Status,
			doc.Payload, doc.Artifacts, doc.Meta, doc.CurrentStep, doc.FailedStepID, doc.Error,
			doc.PendingInput, doc.RequestedBy, doc.CreatedAt, doc.UpdatedAt,
		)
		if err != nil {
			if s.dialect.isUnique(err) {
				return duplicateRun(run.RunID)
			}
			return err
		}
		for _, sd := range doc.Steps {
			if err := s.upsertStep(ctx, tx, run.RunID, sd); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) GetRun(ctx context.Context, runID string) (*api.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`), runID)
	doc, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, runNotFound(runID)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY idx ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sd stepDoc
		var rid string
		if err := rows.Scan(&rid, &sd.StepID, &sd.Index, &sd.Kind, &sd.Capability, &sd.Status,
			&sd.Output, &sd.Error, &sd.AttemptCount, &sd.StartedAt, &sd.FinishedAt); err != nil {
			return nil, err
		}
		doc.Steps = append(doc.Steps, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return doc.record()
}

func (s *sqlStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	var clauses []string

	if filter.Product != "" {
		clauses = append(clauses, "product = ?")
		args = append(args, filter.Product)
	}
	if filter.FlowID != "" {
		clauses = append(clauses, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC"

	paged := false
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
		paged = true
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.RunRecord
	for rows.Next() {
		doc, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		run, err := doc.record()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !paged {
		runs = page(runs, filter)
	}
	return runs, nil
}

func (s *sqlStore) UpdateRun(ctx context.Context, run *api.RunRecord, expect api.RunStatus) error {
	return s.Commit(ctx, run, nil, expect)
}

func (s *sqlStore) AppendStep(ctx context.Context, runID string, step api.StepRecord) error {
	sd, err := toStepDoc(step)
	if err != nil {
		return err
	}
	return s.write(ctx, runID, s.dialect.isBusy, func(tx *sql.Tx) error {
		if _, err := s.lockRun(ctx, tx, runID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO steps (`+stepColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			runID, sd.StepID, sd.Index, sd.Kind, sd.Capability, sd.Status, sd.Output, sd.Error,
			sd.AttemptCount, sd.StartedAt, sd.FinishedAt,
		)
		if err != nil && s.dialect.isUnique(err) {
			return stepExists(runID, step.StepID)
		}
		return err
	})
}

func (s *sqlStore) UpdateStep(ctx context.Context, runID string, step api.StepRecord) error {
	sd, err := toStepDoc(step)
	if err != nil {
		return err
	}
	return s.write(ctx, runID, s.dialect.isBusy, func(tx *sql.Tx) error {
		if _, err := s.lockRun(ctx, tx, runID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE steps
			SET idx = ?, kind = ?, capability = ?, status = ?, output = ?, error = ?,
			    attempt_count = ?, started_at = ?, finished_at = ?
			WHERE run_id = ? AND step_id = ?`),
			sd.Index, sd.Kind, sd.Capability, sd.Status, sd.Output, sd.Error,
			sd.AttemptCount, sd.StartedAt, sd.FinishedAt, runID, sd.StepID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return stepNotFound(runID, step.StepID)
		}
		return nil
	})
}

func (s *sqlStore) Commit(ctx context.Context, run *api.RunRecord, step *api.StepRecord, expect api.RunStatus) error {
	doc, err := toRunDoc(run)
	if err != nil {
		return err
	}
	var sd *stepDoc
	if step != nil {
		d, err := toStepDoc(*step)
		if err != nil {
			return err
		}
		sd = &d
	}
	return s.write(ctx, run.RunID, s.dialect.isBusy, func(tx *sql.Tx) error {
		current, err := s.lockRun(ctx, tx, run.RunID)
		if err != nil {
			return err
		}
		if expect != "" && current != expect {
			return statusMismatch(run.RunID, expect, current)
		}
		if sd != nil {
			if err := s.upsertStep(ctx, tx, run.RunID, *sd); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE runs
			SET product = ?, flow_id = ?, flow_version = ?, flow_fingerprint = ?, status = ?,
			    payload = ?, artifacts = ?, meta = ?, current_step = ?, failed_step_id = ?,
			    error = ?, pending_input = ?, requested_by = ?, updated_at = ?
			WHERE run_id = ?`),
			doc.Product, doc.FlowID, doc.FlowVersion, doc.FlowFingerprint, doc.Status,
			doc.Payload, doc.Artifacts, doc.Meta, doc.CurrentStep, doc.FailedStepID,
			doc.Error, doc.PendingInput, doc.RequestedBy, doc.UpdatedAt,
			doc.RunID,
		)
		return err
	})
}

func (s *sqlStore) AppendEvent(ctx context.Context, ev api.TraceEvent) (int64, error) {
	doc, err := toEventDoc(ev)
	if err != nil {
		return 0, err
	}
	// A concurrent writer from another process may take the same sequence
	// number; the primary key rejects it and the insert is retried.
	isBusy := func(err error) bool { return s.dialect.isBusy(err) || s.dialect.isUnique(err) }
	err = s.write(ctx, "events:"+ev.RunID, isBusy, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) + 1 FROM trace_events WHERE run_id = ?`), ev.RunID)
		if err := row.Scan(&doc.Seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO trace_events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			doc.RunID, doc.Seq, doc.ID, doc.StepID, doc.Product, doc.FlowID, doc.Type,
			doc.Payload, doc.Redacted, doc.At,
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *sqlStore) ListEvents(ctx context.Context, runID string) ([]api.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+eventColumns+`
		FROM trace_events WHERE run_id = ? ORDER BY seq ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.TraceEvent
	for rows.Next() {
		var d eventDoc
		if err := rows.Scan(&d.RunID, &d.Seq, &d.ID, &d.StepID, &d.Product, &d.FlowID, &d.Type,
			&d.Payload, &d.Redacted, &d.At); err != nil {
			return nil, err
		}
		ev, err := d.record()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DB returns the underlying database handle.
func (s *sqlStore) DB() *sql.DB { return s.db }

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// lockRun reads (and, where the dialect supports it, row-locks) the run's
// current status inside tx.
func (s *sqlStore) lockRun(ctx context.Context, tx *sql.Tx, runID string) (api.RunStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM runs WHERE run_id = ?`+s.dialect.forUpdate), runID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", runNotFound(runID)
		}
		return "", err
	}
	return api.RunStatus(status), nil
}

func (s *sqlStore) upsertStep(ctx context.Context, tx *sql.Tx, runID string, sd stepDoc) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			idx = excluded.idx, kind = excluded.kind, capability = excluded.capability,
			status = excluded.status, output = excluded.output, error = excluded.error,
			attempt_count = excluded.attempt_count, started_at = excluded.started_at,
			finished_at = excluded.finished_at`),
		runID, sd.StepID, sd.Index, sd.Kind, sd.Capability, sd.Status, sd.Output, sd.Error,
		sd.AttemptCount, sd.StartedAt, sd.FinishedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (runDoc, error) {
	var d runDoc
	err := row.Scan(&d.RunID, &d.Product, &d.FlowID, &d.FlowVersion, &d.FlowFingerprint, &d.Status,
		&d.Payload, &d.Artifacts, &d.Meta, &d.CurrentStep, &d.FailedStepID, &d.Error,
		&d.PendingInput, &d.RequestedBy, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

package persistence

import (
	"context"

	"github.com/petrijr/runflow/pkg/api"
)

// RunStore persists runs, their step history and the redacted trace.
//
// Writers on the same run are serialized; a writer that cannot obtain the
// run within LockOptions.MaxWait gets api.ErrPersistenceBusy.
type RunStore interface {
	// CreateRun inserts a new run together with any steps it already holds.
	// It fails with api.ErrDuplicateRun if the run id is taken.
	CreateRun(ctx context.Context, run *api.RunRecord) error

	// GetRun returns the run and its steps ordered by index.
	GetRun(ctx context.Context, runID string) (*api.RunRecord, error)

	// ListRuns returns runs most-recent-first. Steps are not loaded.
	ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunRecord, error)

	// UpdateRun overwrites the run's mutable fields. When expect is not
	// empty the stored status must equal it, otherwise api.ErrInvalidState
	// is returned and nothing is written.
	UpdateRun(ctx context.Context, run *api.RunRecord, expect api.RunStatus) error

	// AppendStep inserts a new step record.
	AppendStep(ctx context.Context, runID string, step api.StepRecord) error

	// UpdateStep overwrites an existing step record.
	UpdateStep(ctx context.Context, runID string, step api.StepRecord) error

	// Commit upserts step (if non-nil) and updates run in one atomic unit,
	// with the same compare-and-set semantics as UpdateRun.
	Commit(ctx context.Context, run *api.RunRecord, step *api.StepRecord, expect api.RunStatus) error

	// AppendEvent stores ev and returns the sequence number assigned to it.
	// Sequence numbers start at 1 and increase per run.
	AppendEvent(ctx context.Context, ev api.TraceEvent) (int64, error)

	// ListEvents returns the events of a run ordered by sequence number.
	ListEvents(ctx context.Context, runID string) ([]api.TraceEvent, error)

	Close() error
}

func runNotFound(runID string) error {
	return api.NewError(api.CodeRunNotFound, "run %q not found", runID)
}

func duplicateRun(runID string) error {
	return api.NewError(api.CodeDuplicateRun, "run %q already exists", runID)
}

func statusMismatch(runID string, expect, actual api.RunStatus) error {
	e := api.NewError(api.CodeInvalidState, "run %q is %s, expected %s", runID, actual, expect)
	e.Details = map[string]any{"expected": string(expect), "actual": string(actual)}
	return e
}

func stepNotFound(runID, stepID string) error {
	return api.NewError(api.CodeInvalidState, "step %q of run %q not found", stepID, runID)
}

func stepExists(runID, stepID string) error {
	return api.NewError(api.CodeInvalidState, "step %q of run %q already recorded", stepID, runID)
}

// upsertStep replaces the record with the same step id or inserts step
// keeping the slice ordered by index.
func upsertStep(steps []api.StepRecord, step api.StepRecord) []api.StepRecord {
	for i := range steps {
		if steps[i].StepID == step.StepID {
			steps[i] = step
			return steps
		}
	}
	pos := len(steps)
	for i := range steps {
		if steps[i].Index > step.Index {
			pos = i
			break
		}
	}
	steps = append(steps, api.StepRecord{})
	copy(steps[pos+1:], steps[pos:])
	steps[pos] = step
	return steps
}

func matchesFilter(run *api.RunRecord, f api.RunFilter) bool {
	if f.Product != "" && run.Product != f.Product {
		return false
	}
	if f.FlowID != "" && run.FlowID != f.FlowID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

// page applies offset/limit to an already ordered slice.
func page[T any](items []T, f api.RunFilter) []T {
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return items[:0]
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items
}

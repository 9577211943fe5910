package api

import "context"

// FlowSource resolves a validated flow definition for a product.
type FlowSource interface {
	Flow(product, flowID string) (*FlowDef, error)
}

// Engine is the run/step state machine.
//
// Every method that returns a Result reports failures through it and never
// panics; Result.Err can be matched against the sentinels in errors.go.
type Engine interface {
	// RunFlow creates a run for the given flow and drives it until it
	// completes, fails, is cancelled or pauses on a USER_INPUT step.
	RunFlow(ctx context.Context, product, flowID string, payload map[string]any, opts ...RunOption) Result

	// Resume delivers a user input response to a PENDING_HUMAN run and
	// continues it from the paused step.
	Resume(ctx context.Context, runID string, resp UserInputResponse) Result

	// Cancel moves a non-terminal run to CANCELLED. A step already in
	// flight finishes, but no further step is started.
	Cancel(ctx context.Context, runID string, reason string) Result

	// GetRun returns the run with its ordered step history.
	GetRun(ctx context.Context, runID string) Result

	// ListRuns returns runs most-recent-first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// ListEvents returns the persisted (redacted) trace of a run.
	ListEvents(ctx context.Context, runID string) ([]TraceEvent, error)

	// RecoverStuckRuns fails runs left PENDING or RUNNING by a crashed
	// process, skipping those updated within the engine's recovery bound.
	RecoverStuckRuns(ctx context.Context) (int, error)
}

package api

import "time"

// StepRecord is the persisted outcome of one step of a run.
type StepRecord struct {
	StepID       string     `json:"step_id"`
	Index        int        `json:"index"`
	Kind         StepKind   `json:"kind"`
	Capability   string     `json:"capability,omitempty"`
	Status       StepStatus `json:"status"`
	Output       any        `json:"output,omitempty"`
	Error        *Error     `json:"error,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at,omitempty"`
}

// RunRecord holds the state of one execution of a flow.
type RunRecord struct {
	RunID           string    `json:"run_id"`
	Product         string    `json:"product"`
	FlowID          string    `json:"flow_id"`
	FlowVersion     string    `json:"flow_version,omitempty"`
	FlowFingerprint string    `json:"flow_fingerprint,omitempty"`
	Status          RunStatus `json:"status"`

	Payload map[string]any `json:"payload,omitempty"`

	// Artifacts accumulate across steps; keys are never overwritten.
	Artifacts map[string]any `json:"artifacts,omitempty"`

	// Meta is a run-scoped side channel (input directory, consumed forms,
	// cancellation reason, ...).
	Meta map[string]any `json:"meta,omitempty"`

	// CurrentStep is the index of the step being executed, or len(steps)
	// once the run completed.
	CurrentStep  int               `json:"current_step"`
	FailedStepID string            `json:"failed_step_id,omitempty"`
	Error        *Error            `json:"error,omitempty"`
	PendingInput *UserInputRequest `json:"pending_input,omitempty"`
	RequestedBy  string            `json:"requested_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Steps []StepRecord `json:"steps,omitempty"`
}

// Step returns the record for stepID, or nil.
func (r *RunRecord) Step(stepID string) *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a copy that shares no maps or slices with r at the top
// level. Nested values inside Payload/Artifacts/Meta are shared; they are
// treated as immutable once written.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = cloneMap(r.Payload)
	c.Artifacts = cloneMap(r.Artifacts)
	c.Meta = cloneMap(r.Meta)
	if r.PendingInput != nil {
		pi := *r.PendingInput
		c.PendingInput = &pi
	}
	if r.Steps != nil {
		c.Steps = make([]StepRecord, len(r.Steps))
		copy(c.Steps, r.Steps)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RunFilter selects runs for listing. Zero values mean "no filter";
// Limit <= 0 means no limit.
type RunFilter struct {
	Product string
	FlowID  string
	Status  RunStatus
	Limit   int
	Offset  int
}

// Result is the envelope returned by every public engine entry point.
// Exactly one of Run and Error is set.
type Result struct {
	OK    bool       `json:"ok"`
	Run   *RunRecord `json:"data,omitempty"`
	Error *Error     `json:"error,omitempty"`
}

// Err returns the result's error as an error value, or nil.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Succeed wraps a run in a successful Result.
func Succeed(run *RunRecord) Result {
	return Result{OK: true, Run: run}
}

// Fail wraps an error in a failed Result.
func Fail(err error) Result {
	return Result{OK: false, Error: AsError(err)}
}

// RunOptions are the optional parameters of Engine.RunFlow.
type RunOptions struct {
	RunID       string
	Meta        map[string]any
	RequestedBy string
}

// RunOption configures a RunFlow call.
type RunOption func(*RunOptions)

// WithRunID makes the engine use a caller-provided run id.
func WithRunID(id string) RunOption {
	return func(o *RunOptions) { o.RunID = id }
}

// WithMeta seeds the run's Meta map.
func WithMeta(meta map[string]any) RunOption {
	return func(o *RunOptions) { o.Meta = meta }
}

// WithRequestedBy records who started the run.
func WithRequestedBy(who string) RunOption {
	return func(o *RunOptions) { o.RequestedBy = who }
}

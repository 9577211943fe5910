package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunStart is called once when a run is created, before its first step.
	OnRunStart(ctx context.Context, run *RunRecord)

	// OnRunCompleted is called when a run reaches RunCompleted.
	OnRunCompleted(ctx context.Context, run *RunRecord)

	// OnRunFailed is called when a run transitions to RunFailed.
	OnRunFailed(ctx context.Context, run *RunRecord, err *Error)

	// OnRunSuspended is called when a run pauses in RunPendingHuman.
	OnRunSuspended(ctx context.Context, run *RunRecord, req *UserInputRequest)

	// OnStepStart is called before a step is dispatched.
	// stepIndex is the 0-based index into FlowDef.Steps.
	OnStepStart(ctx context.Context, run *RunRecord, stepID string, stepIndex int)

	// OnStepCompleted is called once a step record reaches its final status
	// for this dispatch (SUCCEEDED, FAILED, SKIPPED or PENDING_HUMAN).
	OnStepCompleted(ctx context.Context, run *RunRecord, step StepRecord, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *RunRecord)              {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *RunRecord)          {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *RunRecord, err *Error) {}
func (NoopObserver) OnRunSuspended(ctx context.Context, run *RunRecord, req *UserInputRequest) {
}
func (NoopObserver) OnStepStart(ctx context.Context, run *RunRecord, stepID string, idx int) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *RunRecord, step StepRecord, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *RunRecord) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *RunRecord) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *RunRecord, err *Error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunSuspended(ctx context.Context, run *RunRecord, req *UserInputRequest) {
	for _, o := range c.observers {
		o.OnRunSuspended(ctx, run, req)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *RunRecord, stepID string, idx int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepID, idx)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *RunRecord, step StepRecord, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, step, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *RunRecord) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("product", run.Product),
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.RunID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *RunRecord) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.RunID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *RunRecord, err *Error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.RunID),
		slog.String("failed_step_id", run.FailedStepID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunSuspended(ctx context.Context, run *RunRecord, req *UserInputRequest) {
	formID := ""
	if req != nil {
		formID = req.FormID
	}
	o.Logger.InfoContext(ctx, "run_pending_human",
		slog.String("flow", run.FlowID),
		slog.String("run_id", run.RunID),
		slog.String("form_id", formID),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *RunRecord, stepID string, idx int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("run_id", run.RunID),
		slog.String("step", stepID),
		slog.Int("step_index", idx),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *RunRecord, step StepRecord, d time.Duration) {
	level := slog.LevelDebug
	if step.Status == StepFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("run_id", run.RunID),
		slog.String("step", step.StepID),
		slog.String("status", string(step.Status)),
		slog.Int("attempts", step.AttemptCount),
		slog.Duration("duration", d),
		slog.Any("error", step.Error),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	runsSuspended     atomic.Int64
	stepsSucceeded    atomic.Int64
	stepsFailed       atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsSuspended int64

	StepsSucceeded  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *RunRecord) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *RunRecord) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *RunRecord, err *Error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunSuspended(ctx context.Context, run *RunRecord, req *UserInputRequest) {
	m.runsSuspended.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *RunRecord, step StepRecord, d time.Duration) {
	switch step.Status {
	case StepSucceeded:
		// Only successful steps count towards the average duration.
		m.stepsSucceeded.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	case StepFailed:
		m.stepsFailed.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsSucceeded.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     m.runsStarted.Load(),
		RunsCompleted:   m.runsCompleted.Load(),
		RunsFailed:      m.runsFailed.Load(),
		RunsSuspended:   m.runsSuspended.Load(),
		StepsSucceeded:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		AvgStepDuration: avg,
	}
}

// Package engine drives runs of a flow through their steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/runflow/internal/capability"
	"github.com/petrijr/runflow/internal/flows"
	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/internal/persistence"
	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/internal/templating"
	"github.com/petrijr/runflow/internal/tracing"
	"github.com/petrijr/runflow/pkg/api"
)

const instrumentationName = "github.com/petrijr/runflow/internal/engine"

// Config describes how to construct an engine. Store and Flows are
// required; everything else has a default.
type Config struct {
	Store    persistence.RunStore
	Flows    api.FlowSource
	Registry *registry.Registry

	// Hooks gates capability calls; DefaultPolicy when nil.
	Hooks *governance.Hooks
	// Redactor scrubs trace payloads; a default Redactor when nil.
	Redactor *governance.Redactor

	Observer api.Observer
	Logger   *slog.Logger
	Sinks    []api.TraceSink

	// Retry holds the retry defaults; DefaultRetryConfig when nil.
	Retry *RetryConfig
	// TransientCodes replaces DefaultTransientCodes when non-empty.
	TransientCodes []string
	// CapabilityTimeout bounds calls of steps without their own timeout.
	CapabilityTimeout time.Duration

	// RecoverAfter is how long a PENDING or RUNNING run must go without
	// an update before RecoverStuckRuns fails it. 0 recovers every such
	// run.
	RecoverAfter time.Duration

	// TracerProvider receives run, step and capability spans; the global
	// provider when nil.
	TracerProvider trace.TracerProvider

	Clock func() time.Time
}

// versionedSource is implemented by flow sources that keep old versions,
// so resumed runs continue on the definition they started with.
type versionedSource interface {
	FlowVersion(product, flowID, version string) (*api.FlowDef, error)
}

type engineImpl struct {
	store    persistence.RunStore
	flows    api.FlowSource
	registry *registry.Registry
	hooks    *governance.Hooks
	tracer   *tracing.Tracer
	tools    *capability.Executor
	agents   *capability.Executor

	observer   api.Observer
	logger     *slog.Logger
	retry      RetryConfig
	classifier *Classifier
	otelTracer trace.Tracer
	now        func() time.Time

	recoverAfter time.Duration
}

// Ensure engineImpl implements api.Engine.
var _ api.Engine = (*engineImpl)(nil)

// NewEngine wires an engine from cfg.
func NewEngine(cfg Config) (api.Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Flows == nil {
		return nil, errors.New("engine: flow source is required")
	}

	e := &engineImpl{
		store:      cfg.Store,
		flows:      cfg.Flows,
		registry:   cfg.Registry,
		hooks:      cfg.Hooks,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		retry:      DefaultRetryConfig(),
		classifier: NewClassifier(cfg.TransientCodes...),
		now:        cfg.Clock,

		recoverAfter: cfg.RecoverAfter,
	}
	if e.registry == nil {
		e.registry = registry.New()
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if cfg.Retry != nil {
		e.retry = *cfg.Retry
	}
	if e.now == nil {
		e.now = time.Now
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	e.otelTracer = tp.Tracer(instrumentationName)

	e.tracer = tracing.New(cfg.Store, cfg.Redactor,
		tracing.WithLogger(e.logger),
		tracing.WithSinks(cfg.Sinks...),
		tracing.WithClock(e.now),
	)
	if e.hooks == nil {
		e.hooks = governance.NewHooks(governance.DefaultPolicy(), e.tracer)
	} else {
		e.hooks.SetEmitter(e.tracer)
	}

	var execOpts []capability.Option
	execOpts = append(execOpts, capability.WithEmitter(e.tracer))
	if cfg.CapabilityTimeout > 0 {
		execOpts = append(execOpts, capability.WithDefaultTimeout(cfg.CapabilityTimeout))
	}
	e.tools = capability.NewToolExecutor(e.registry, e.hooks, execOpts...)
	e.agents = capability.NewAgentRunner(e.registry, e.hooks, execOpts...)
	return e, nil
}

// NewInMemoryEngine returns an engine over a MemoryStore.
func NewInMemoryEngine(flows api.FlowSource, reg *registry.Registry) api.Engine {
	e, _ := NewEngine(Config{
		Store:    persistence.NewMemoryStore(),
		Flows:    flows,
		Registry: reg,
	})
	return e
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

func (e *engineImpl) RunFlow(ctx context.Context, product, flowID string, payload map[string]any, opts ...api.RunOption) (res api.Result) {
	defer e.guard(ctx, "run_flow", &res)

	var o api.RunOptions
	for _, opt := range opts {
		opt(&o)
	}

	flow, err := e.flows.Flow(product, flowID)
	if err != nil {
		return api.Fail(err)
	}
	if err := flows.Validate(flow, e.registry); err != nil {
		return api.Fail(err)
	}

	runID := o.RunID
	if runID == "" {
		runID = NewRunID()
	}
	now := e.now().UTC()
	run := &api.RunRecord{
		RunID:           runID,
		Product:         product,
		FlowID:          flowID,
		FlowVersion:     flow.Version,
		FlowFingerprint: flow.Fingerprint(),
		Status:          api.RunPending,
		Payload:         cloneMap(payload),
		Artifacts:       map[string]any{},
		Meta:            cloneMap(o.Meta),
		RequestedBy:     o.RequestedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return api.Fail(err)
	}

	ctx, span := e.otelTracer.Start(ctx, "runflow.run", trace.WithAttributes(runAttrs(run)...))
	defer func() { endSpan(span, res) }()

	run.Status = api.RunRunning
	if err := e.commit(ctx, run, nil, api.RunPending); err != nil {
		return e.interrupted(ctx, run, nil, err)
	}
	e.emit(ctx, run, "", api.EventRunStarted, map[string]any{
		"flow_version": flow.Version,
		"autonomy":     string(flow.Autonomy),
		"steps":        len(flow.Steps),
		"requested_by": run.RequestedBy,
	})
	e.observer.OnRunStart(ctx, run)

	if _, size, err := persistence.Normalize(run.Payload); err != nil {
		return e.failRun(ctx, run, nil, api.NewError(api.CodeInvalidInput, "payload cannot be stored: %v", err))
	} else if d := e.hooks.CheckLimit(ctx, e.govRequest(run, ""), governance.LimitRunPayload, size); !d.Allow {
		return e.failRun(ctx, run, nil, d.Err())
	}

	return e.drive(ctx, flow, run, 0, nil)
}

func (e *engineImpl) Resume(ctx context.Context, runID string, resp api.UserInputResponse) (res api.Result) {
	defer e.guard(ctx, "resume", &res)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return api.Fail(err)
	}

	if run.Status != api.RunPendingHuman {
		if formConsumed(run.Meta, resp.FormID) {
			return api.Fail(staleResponse(run, resp.FormID, "form already answered"))
		}
		ierr := api.NewError(api.CodeInvalidState, "run %s is %s, not %s", runID, run.Status, api.RunPendingHuman)
		ierr.Details = map[string]any{"status": string(run.Status)}
		return api.Fail(ierr)
	}
	pending := run.PendingInput
	if pending == nil || pending.FormID != resp.FormID || formConsumed(run.Meta, resp.FormID) {
		return api.Fail(staleResponse(run, resp.FormID, "response does not match the pending request"))
	}

	flow, err := e.flowFor(run)
	if err != nil {
		return api.Fail(err)
	}
	idx := run.CurrentStep
	if idx < 0 || idx >= len(flow.Steps) || flow.Steps[idx].Kind != api.KindUserInput ||
		flow.Steps[idx].Input == nil || flow.Steps[idx].Input.FormID != pending.FormID {
		return api.Fail(api.NewError(api.CodeInvalidState, "run %s: paused step %d does not match form %q", runID, idx, pending.FormID))
	}
	step := flow.Steps[idx]

	decision := e.hooks.CheckPayload(ctx, e.govRequest(run, step.ID), responseSize(resp))
	if !decision.Allow {
		return api.Fail(decision.Err().WithStep(step.ID))
	}
	if _, verr := validateUserInput(step.Input, resp.Values); verr != nil {
		return api.Fail(verr.WithStep(step.ID))
	}

	ctx, span := e.otelTracer.Start(ctx, "runflow.resume", trace.WithAttributes(runAttrs(run)...))
	defer func() { endSpan(span, res) }()

	// The form is marked consumed in the same write that claims the run, so
	// a competing response is stale whichever state it observes.
	run.Status = api.RunRunning
	run.PendingInput = nil
	markConsumed(run, resp.FormID)
	if err := e.commit(ctx, run, nil, api.RunPendingHuman); err != nil {
		if errors.Is(err, api.ErrInvalidState) {
			return api.Fail(staleResponse(run, resp.FormID, "run was resumed concurrently"))
		}
		return api.Fail(err)
	}
	e.emit(ctx, run, step.ID, api.EventRunResumed, map[string]any{
		"form_id": resp.FormID,
		"comment": resp.Comment,
	})

	return e.drive(ctx, flow, run, idx, &resp)
}

func (e *engineImpl) Cancel(ctx context.Context, runID string, reason string) (res api.Result) {
	defer e.guard(ctx, "cancel", &res)

	if reason == "" {
		reason = "cancelled"
	}
	for attempt := 0; attempt < 3; attempt++ {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return api.Fail(err)
		}
		if run.Status.Terminal() {
			return api.Fail(api.NewError(api.CodeInvalidState, "run %s is already %s", runID, run.Status))
		}

		previous := run.Status
		var rec *api.StepRecord
		for i := range run.Steps {
			if s := run.Steps[i]; s.Status == api.StepPendingHuman {
				s.Status = api.StepFailed
				s.Error = api.NewError(api.CodeCancelled, "%s", reason).WithStep(s.StepID)
				s.FinishedAt = e.now().UTC()
				rec = &s
			}
		}
		run.Status = api.RunCancelled
		run.Error = api.NewError(api.CodeCancelled, "%s", reason)
		run.PendingInput = nil
		if run.Meta == nil {
			run.Meta = map[string]any{}
		}
		run.Meta["cancel_reason"] = reason

		err = e.commit(ctx, run, rec, previous)
		if errors.Is(err, api.ErrInvalidState) {
			continue
		}
		if err != nil {
			return api.Fail(err)
		}
		e.emit(ctx, run, "", api.EventRunCancelled, map[string]any{
			"reason":          reason,
			"previous_status": string(previous),
		})
		e.logger.InfoContext(ctx, "run_cancelled", "run_id", runID, "previous_status", string(previous))
		return api.Succeed(run.Clone())
	}
	return api.Fail(api.NewError(api.CodeInvalidState, "run %s kept changing while cancelling", runID))
}

func (e *engineImpl) GetRun(ctx context.Context, runID string) (res api.Result) {
	defer e.guard(ctx, "get_run", &res)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return api.Fail(err)
	}
	return api.Succeed(run)
}

func (e *engineImpl) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunRecord, error) {
	runs, err := e.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (e *engineImpl) ListEvents(ctx context.Context, runID string) ([]api.TraceEvent, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// RecoverStuckRuns fails PENDING and RUNNING runs, together with their
// in-flight step, with an interrupted error. Runs updated within the
// engine's RecoverAfter bound are left alone, since another process may
// still be driving them.
func (e *engineImpl) RecoverStuckRuns(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.NewError(api.CodeInternal, "recover stuck runs: %v", r)
		}
	}()

	for _, status := range []api.RunStatus{api.RunRunning, api.RunPending} {
		runs, err := e.store.ListRuns(ctx, api.RunFilter{Status: status})
		if err != nil {
			return n, fmt.Errorf("list %s runs: %w", status, err)
		}
		for _, summary := range runs {
			run, err := e.store.GetRun(ctx, summary.RunID)
			if err != nil {
				return n, err
			}
			if idle := e.now().Sub(run.UpdatedAt); idle < e.recoverAfter {
				e.logger.DebugContext(ctx, "run_recovery_skipped", "run_id", run.RunID, "idle", idle)
				continue
			}

			cause := api.NewError(api.CodeInterrupted, "run was interrupted while %s", status)
			var rec *api.StepRecord
			for i := range run.Steps {
				if s := run.Steps[i]; s.Status == api.StepRunning {
					s.Status = api.StepFailed
					s.Error = cause.WithStep(s.StepID)
					s.FinishedAt = e.now().UTC()
					rec = &s
				}
			}
			if rec != nil {
				cause = cause.WithStep(rec.StepID)
				run.FailedStepID = rec.StepID
			}
			run.Status = api.RunFailed
			run.Error = cause

			if err := e.commit(ctx, run, rec, status); err != nil {
				if errors.Is(err, api.ErrInvalidState) {
					continue
				}
				return n, err
			}
			e.emit(ctx, run, run.FailedStepID, api.EventRunFailed, map[string]any{
				"failed_step_id": run.FailedStepID,
				"code":           api.CodeInterrupted,
			})
			e.observer.OnRunFailed(ctx, run, cause)
			e.logger.WarnContext(ctx, "run_recovered", "run_id", run.RunID, "previous_status", string(status))
			n++
		}
	}
	return n, nil
}

// drive executes flow steps from index start until the run completes,
// fails, suspends or is cancelled underneath it.
func (e *engineImpl) drive(ctx context.Context, flow *api.FlowDef, run *api.RunRecord, start int, resp *api.UserInputResponse) api.Result {
	for i := start; i < len(flow.Steps); i++ {
		step := flow.Steps[i]

		if err := ctx.Err(); err != nil {
			return e.failRun(ctx, run, nil, api.AsError(err).WithStep(step.ID))
		}

		rec := api.StepRecord{
			StepID:     step.ID,
			Index:      i,
			Kind:       step.Kind,
			Capability: registry.Normalize(step.Capability),
			StartedAt:  e.now().UTC(),
		}
		if prev := run.Step(step.ID); prev != nil {
			rec.AttemptCount = prev.AttemptCount
			rec.StartedAt = prev.StartedAt
		}
		run.CurrentStep = i

		if step.When != "" && !templating.Evaluate(step.When, scopeFor(run)) {
			rec.Status = api.StepSkipped
			rec.FinishedAt = e.now().UTC()
			run.CurrentStep = i + 1
			if err := e.commit(ctx, run, &rec, api.RunRunning); err != nil {
				return e.interrupted(ctx, run, nil, err)
			}
			e.emit(ctx, run, step.ID, api.EventStepSkipped, map[string]any{"index": i, "when": step.When})
			continue
		}

		if d := e.hooks.CheckLimit(ctx, e.govRequest(run, step.ID), governance.LimitSteps, startedSteps(run, step.ID)+1); !d.Allow {
			rec.Status = api.StepFailed
			rec.Error = d.Err().WithStep(step.ID)
			rec.FinishedAt = e.now().UTC()
			return e.failRun(ctx, run, &rec, rec.Error)
		}

		rec.Status = api.StepRunning
		if err := e.commit(ctx, run, &rec, api.RunRunning); err != nil {
			return e.interrupted(ctx, run, nil, err)
		}
		e.emit(ctx, run, step.ID, api.EventStepStarted, map[string]any{
			"index":      i,
			"kind":       string(step.Kind),
			"capability": rec.Capability,
		})
		e.observer.OnStepStart(ctx, run, step.ID, i)

		stepCtx, span := e.otelTracer.Start(ctx, "runflow.step", trace.WithAttributes(
			attribute.String("runflow.run_id", run.RunID),
			attribute.String("runflow.step_id", step.ID),
			attribute.String("runflow.kind", string(step.Kind)),
			attribute.Int("runflow.step_index", i),
		))
		started := e.now()
		out := e.dispatch(stepCtx, flow, run, step, resp)
		elapsed := e.now().Sub(started)
		rec.AttemptCount += out.attempts

		if out.status == api.StepSucceeded {
			if _, exists := run.Artifacts[out.key]; exists {
				out = failedOutcome(api.NewError(api.CodeArtifactConflict,
					"artifact %q was already written by an earlier step", out.key).WithStep(step.ID), out.attempts)
			}
		}
		span.SetAttributes(
			attribute.String("runflow.step_status", string(out.status)),
			attribute.Int("runflow.attempts", rec.AttemptCount),
		)
		if out.err != nil {
			span.SetStatus(codes.Error, out.err.Code)
		}
		span.End()

		switch out.status {
		case api.StepPendingHuman:
			rec.Status = api.StepPendingHuman
			run.Status = api.RunPendingHuman
			run.PendingInput = out.request
			if err := e.commit(ctx, run, &rec, api.RunRunning); err != nil {
				return e.interrupted(ctx, run, nil, err)
			}
			e.emit(ctx, run, step.ID, api.EventRunPendingHuman, map[string]any{
				"form_id": out.request.FormID,
				"prompt":  out.request.Prompt,
			})
			e.observer.OnRunSuspended(ctx, run, out.request)
			return api.Succeed(run.Clone())

		case api.StepSucceeded:
			rec.Status = api.StepSucceeded
			rec.Output = out.output
			rec.Error = nil
			rec.FinishedAt = e.now().UTC()
			run.Artifacts[out.key] = out.output
			if out.consumed != "" {
				markConsumed(run, out.consumed)
				resp = nil
			}
			run.CurrentStep = i + 1
			if err := e.commit(ctx, run, &rec, api.RunRunning); err != nil {
				return e.interrupted(ctx, run, &rec, err)
			}
			e.emit(ctx, run, step.ID, api.EventStepSucceeded, map[string]any{
				"index":        i,
				"attempts":     rec.AttemptCount,
				"artifact_key": out.key,
			})
			e.observer.OnStepCompleted(ctx, run, rec, elapsed)

		default:
			rec.Status = api.StepFailed
			rec.Error = out.err
			rec.FinishedAt = e.now().UTC()
			e.observer.OnStepCompleted(ctx, run, rec, elapsed)
			return e.failRun(ctx, run, &rec, out.err)
		}
	}

	run.Status = api.RunCompleted
	run.CurrentStep = len(flow.Steps)
	if err := e.commit(ctx, run, nil, api.RunRunning); err != nil {
		return e.interrupted(ctx, run, nil, err)
	}
	e.emit(ctx, run, "", api.EventRunCompleted, map[string]any{
		"steps":     len(run.Steps),
		"artifacts": len(run.Artifacts),
	})
	e.observer.OnRunCompleted(ctx, run)
	return api.Succeed(run.Clone())
}

// failRun moves the run to FAILED, attributing cause to the failing step.
func (e *engineImpl) failRun(ctx context.Context, run *api.RunRecord, rec *api.StepRecord, cause *api.Error) api.Result {
	if cause == nil {
		cause = api.NewError(api.CodeInternal, "step failed without an error")
	}
	if cause.StepID == "" && rec != nil {
		cause = cause.WithStep(rec.StepID)
	}
	run.Status = api.RunFailed
	run.Error = cause
	run.FailedStepID = cause.StepID
	run.PendingInput = nil

	if err := e.commit(ctx, run, rec, api.RunRunning); err != nil {
		return e.interrupted(ctx, run, rec, err)
	}
	if rec != nil {
		e.emit(ctx, run, rec.StepID, api.EventStepFailed, map[string]any{
			"index":    rec.Index,
			"attempts": rec.AttemptCount,
			"code":     cause.Code,
			"message":  cause.Message,
		})
	}
	e.emit(ctx, run, cause.StepID, api.EventRunFailed, map[string]any{
		"failed_step_id": run.FailedStepID,
		"code":           cause.Code,
	})
	e.observer.OnRunFailed(ctx, run, cause)
	return api.Succeed(run.Clone())
}

// interrupted handles a commit that did not go through. A status
// mismatch means another writer (Cancel) moved the run: the step that was
// in flight is still recorded and the stored run is returned. Any other
// failure fails the run from its last stored state; if even that cannot
// be written the error is reported as is.
func (e *engineImpl) interrupted(ctx context.Context, run *api.RunRecord, rec *api.StepRecord, err error) api.Result {
	if !errors.Is(err, api.ErrInvalidState) {
		e.logger.ErrorContext(ctx, "run_commit_failed", "run_id", run.RunID, "error", err)
		if failed, ok := e.abandon(ctx, run.RunID, err); ok {
			return api.Succeed(failed)
		}
		return api.Fail(err)
	}

	bg := context.WithoutCancel(ctx)
	if rec != nil && rec.Status.Terminal() {
		if uerr := e.store.UpdateStep(bg, run.RunID, *rec); uerr != nil {
			e.logger.WarnContext(ctx, "step_record_failed", "run_id", run.RunID, "step_id", rec.StepID, "error", uerr)
		}
	}
	current, gerr := e.store.GetRun(bg, run.RunID)
	if gerr != nil {
		return api.Fail(gerr)
	}
	e.logger.InfoContext(ctx, "run_stopped", "run_id", run.RunID, "status", string(current.Status))
	return api.Succeed(current)
}

// abandon moves the stored copy of a run whose latest commit failed to
// FAILED with an internal error, so the run does not stay RUNNING with
// nobody driving it. It reports false when the run could not be written.
func (e *engineImpl) abandon(ctx context.Context, runID string, cause error) (*api.RunRecord, bool) {
	bg := context.WithoutCancel(ctx)
	stored, err := e.store.GetRun(bg, runID)
	if err != nil {
		return nil, false
	}
	if stored.Status.Terminal() {
		return stored, true
	}

	failure := api.NewError(api.CodeInternal, "run state could not be saved: %v", cause)
	var rec *api.StepRecord
	for i := range stored.Steps {
		if s := stored.Steps[i]; s.Status == api.StepRunning {
			s.Status = api.StepFailed
			s.Error = failure.WithStep(s.StepID)
			s.FinishedAt = e.now().UTC()
			rec = &s
		}
	}
	if rec != nil {
		failure = failure.WithStep(rec.StepID)
		stored.FailedStepID = rec.StepID
	}
	previous := stored.Status
	stored.Status = api.RunFailed
	stored.Error = failure
	stored.PendingInput = nil
	if err := e.commit(bg, stored, rec, previous); err != nil {
		e.logger.ErrorContext(ctx, "run_abandon_failed", "run_id", runID, "error", err)
		return nil, false
	}
	e.emit(bg, stored, stored.FailedStepID, api.EventRunFailed, map[string]any{
		"failed_step_id": stored.FailedStepID,
		"code":           failure.Code,
	})
	e.observer.OnRunFailed(bg, stored, failure)
	return stored.Clone(), true
}

// commit writes run (and rec) if the stored status still equals expect.
// Writes are not abandoned when the caller's context is cancelled, so a
// run never stops between two consistent states.
func (e *engineImpl) commit(ctx context.Context, run *api.RunRecord, rec *api.StepRecord, expect api.RunStatus) error {
	run.UpdatedAt = e.now().UTC()
	if rec != nil {
		setStep(run, *rec)
	}
	return e.store.Commit(context.WithoutCancel(ctx), run, rec, expect)
}

func (e *engineImpl) emit(ctx context.Context, run *api.RunRecord, stepID, typ string, payload map[string]any) {
	e.tracer.Emit(context.WithoutCancel(ctx), api.TraceEvent{
		RunID:   run.RunID,
		StepID:  stepID,
		Product: run.Product,
		FlowID:  run.FlowID,
		Type:    typ,
		Payload: payload,
	})
}

// flowFor resolves the definition a run was started on.
func (e *engineImpl) flowFor(run *api.RunRecord) (*api.FlowDef, error) {
	var (
		flow *api.FlowDef
		err  error
	)
	if vs, ok := e.flows.(versionedSource); ok && run.FlowVersion != "" {
		flow, err = vs.FlowVersion(run.Product, run.FlowID, run.FlowVersion)
	} else {
		flow, err = e.flows.Flow(run.Product, run.FlowID)
	}
	if err != nil {
		return nil, err
	}
	if run.FlowFingerprint != "" && flow.Fingerprint() != run.FlowFingerprint {
		return nil, api.NewError(api.CodeInvalidState,
			"flow %q changed since run %s started", run.FlowID, run.RunID)
	}
	return flow, nil
}

func (e *engineImpl) guard(ctx context.Context, op string, res *api.Result) {
	if r := recover(); r != nil {
		e.logger.ErrorContext(ctx, "engine_panic",
			"op", op,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()),
		)
		*res = api.Fail(api.NewError(api.CodeInternal, "%s: %v", op, r))
	}
}

func (e *engineImpl) govRequest(run *api.RunRecord, stepID string) governance.Request {
	return governance.Request{
		RunID:   run.RunID,
		StepID:  stepID,
		Product: run.Product,
		FlowID:  run.FlowID,
	}
}

// startedSteps counts the steps of run that were started, other than
// stepID.
func startedSteps(run *api.RunRecord, stepID string) int {
	n := 0
	for _, s := range run.Steps {
		if s.StepID != stepID && s.Status != api.StepSkipped {
			n++
		}
	}
	return n
}

func staleResponse(run *api.RunRecord, formID, why string) *api.Error {
	e := api.NewError(api.CodeStaleResponse, "run %s: %s (form %q)", run.RunID, why, formID)
	e.Details = map[string]any{"form_id": formID, "status": string(run.Status)}
	if run.PendingInput != nil {
		e.Details["pending_form_id"] = run.PendingInput.FormID
	}
	return e
}

func setStep(run *api.RunRecord, rec api.StepRecord) {
	for i := range run.Steps {
		if run.Steps[i].StepID == rec.StepID {
			run.Steps[i] = rec
			return
		}
	}
	run.Steps = append(run.Steps, rec)
}

func runAttrs(run *api.RunRecord) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("runflow.run_id", run.RunID),
		attribute.String("runflow.product", run.Product),
		attribute.String("runflow.flow_id", run.FlowID),
	}
}

func endSpan(span trace.Span, res api.Result) {
	switch {
	case res.Error != nil:
		span.SetStatus(codes.Error, res.Error.Code)
	case res.Run != nil:
		span.SetAttributes(attribute.String("runflow.status", string(res.Run.Status)))
		if res.Run.Status == api.RunFailed && res.Run.Error != nil {
			span.SetStatus(codes.Error, res.Run.Error.Code)
		}
	}
	span.End()
}

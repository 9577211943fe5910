package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/runflow/internal/capability"
	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/internal/persistence"
	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/internal/templating"
	"github.com/petrijr/runflow/pkg/api"
)

// stepOutcome is what dispatching one step produced. Status is SUCCEEDED,
// FAILED or PENDING_HUMAN.
type stepOutcome struct {
	status   api.StepStatus
	output   any
	key      string
	err      *api.Error
	request  *api.UserInputRequest
	consumed string
	attempts int
}

func failedOutcome(err *api.Error, attempts int) stepOutcome {
	return stepOutcome{status: api.StepFailed, err: err, attempts: attempts}
}

// dispatch runs one step. Every step kind has its own arm; a kind without
// one fails the step.
func (e *engineImpl) dispatch(ctx context.Context, flow *api.FlowDef, run *api.RunRecord, step api.StepDef, resp *api.UserInputResponse) stepOutcome {
	switch step.Kind {
	case api.KindAgent:
		return e.runCapability(ctx, e.agents, flow, run, step)
	case api.KindTool:
		return e.runCapability(ctx, e.tools, flow, run, step)
	case api.KindUserInput:
		return e.collectInput(run, step, resp)
	default:
		return failedOutcome(api.NewError(api.CodeValidation, "unknown step kind %q", step.Kind), 0)
	}
}

// runCapability invokes an agent or tool, retrying transient failures
// with exponential backoff until the step's attempt budget is spent.
func (e *engineImpl) runCapability(ctx context.Context, exec *capability.Executor, flow *api.FlowDef, run *api.RunRecord, step api.StepDef) stepOutcome {
	policy, retryOn := e.retry.effective(step.Retry)
	name := registry.Normalize(step.Capability)
	key := api.ArtifactKey(step.Kind, name)
	params := templating.RenderParams(step.Params, scopeFor(run))

	timeouts := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return failedOutcome(api.AsError(err), attempt-1)
		}

		call := api.Call{
			RunID:     run.RunID,
			StepID:    step.ID,
			Product:   run.Product,
			FlowID:    run.FlowID,
			Attempt:   attempt,
			Params:    params,
			Payload:   run.Payload,
			Artifacts: cloneMap(run.Artifacts),
			Meta:      cloneMap(run.Meta),
		}

		attemptCtx, span := e.otelTracer.Start(ctx, "runflow.capability",
			trace.WithAttributes(
				attribute.String("runflow.run_id", run.RunID),
				attribute.String("runflow.step_id", step.ID),
				attribute.String("runflow.capability", name),
				attribute.String("runflow.kind", string(step.Kind)),
				attribute.Int("runflow.attempt", attempt),
			),
		)
		inv := capability.Invocation{
			Timeout:  step.Timeout,
			Autonomy: flow.Autonomy,
		}
		if step.Kind == api.KindTool {
			inv.PriorCalls = metaInt(run.Meta, metaToolCalls)
		}
		res := exec.Execute(attemptCtx, name, call, inv)
		if step.Kind == api.KindTool && invoked(res) {
			setMeta(run, metaToolCalls, inv.PriorCalls+1)
		}
		if res.OK {
			span.End()
			return e.captureOutput(ctx, run, step, res.Data, key, attempt)
		}
		span.SetStatus(codes.Error, res.Error.Code)
		span.SetAttributes(attribute.String("runflow.error_code", res.Error.Code))
		span.End()

		failure := res.Error
		if failure.Code == api.CodeTimeout {
			timeouts++
		} else {
			timeouts = 0
		}
		if policy.TimeoutEscalation > 0 && timeouts >= policy.TimeoutEscalation && attempt < policy.MaxAttempts {
			escalated := *failure
			escalated.Transient = false
			escalated.Details = map[string]any{"consecutive_timeouts": timeouts}
			return failedOutcome(escalated.WithStep(step.ID), attempt)
		}
		if attempt >= policy.MaxAttempts || !e.classifier.Transient(failure, retryOn) {
			return failedOutcome(failure.WithStep(step.ID), attempt)
		}

		delay := policy.delay(attempt)
		e.emit(ctx, run, step.ID, api.EventStepRetryScheduled, map[string]any{
			"attempt":      attempt,
			"next_attempt": attempt + 1,
			"delay_ms":     delay.Milliseconds(),
			"code":         failure.Code,
		})
		e.logger.WarnContext(ctx, "step_retry_scheduled",
			"run_id", run.RunID,
			"step_id", step.ID,
			"attempt", attempt,
			"delay", delay,
			"code", failure.Code,
		)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return failedOutcome(api.AsError(ctx.Err()).WithStep(step.ID), attempt)
			case <-timer.C:
			}
		}
	}
}

// captureOutput converts a capability result into the form the store
// persists. Output JSON cannot represent fails the step, as does output
// larger than the payload limit.
func (e *engineImpl) captureOutput(ctx context.Context, run *api.RunRecord, step api.StepDef, data any, key string, attempts int) stepOutcome {
	output, size, err := persistence.Normalize(data)
	if err != nil {
		return failedOutcome(api.NewError(api.CodeCapability,
			"capability %q returned output that cannot be stored: %v", registry.Normalize(step.Capability), err).WithStep(step.ID), attempts)
	}
	d := e.hooks.CheckLimit(ctx, e.govRequest(run, step.ID), governance.LimitOutput, size)
	if !d.Allow {
		return failedOutcome(d.Err().WithStep(step.ID), attempts)
	}
	return stepOutcome{status: api.StepSucceeded, output: output, key: key, attempts: attempts}
}

// invoked reports whether res came back from a capability rather than
// from a refusal to call it.
func invoked(res api.CapabilityResult) bool {
	if res.OK || res.Error == nil {
		return true
	}
	switch res.Error.Code {
	case api.CodeGovernanceDenied, api.CodeUnknownCapability, api.CodeToolCallLimit:
		return false
	}
	return true
}

// collectInput completes a USER_INPUT step from a resume response or a
// prefilled payload answer, or asks the engine to suspend the run.
func (e *engineImpl) collectInput(run *api.RunRecord, step api.StepDef, resp *api.UserInputResponse) stepOutcome {
	req := step.Input
	if req == nil || req.FormID == "" {
		return failedOutcome(api.NewError(api.CodeValidation, "user input step %q has no form", step.ID), 0)
	}

	var answer *api.UserInputResponse
	switch {
	case resp != nil && resp.FormID == req.FormID:
		answer = resp
	case !formConsumed(run.Meta, req.FormID):
		if p, ok := prefilledResponse(run.Payload, req.FormID); ok {
			answer = p
		}
	}
	if answer == nil {
		pending := *req
		return stepOutcome{status: api.StepPendingHuman, request: &pending}
	}

	values, err := validateUserInput(req, answer.Values)
	if err != nil {
		return failedOutcome(err.WithStep(step.ID), 1)
	}
	return stepOutcome{
		status:   api.StepSucceeded,
		output:   values,
		key:      api.UserInputArtifactKey(req.FormID),
		consumed: req.FormID,
		attempts: 1,
	}
}

func scopeFor(run *api.RunRecord) templating.Scope {
	return templating.Scope{
		Payload:   run.Payload,
		Artifacts: run.Artifacts,
		Meta:      run.Meta,
		Run: map[string]any{
			"run_id":       run.RunID,
			"product":      run.Product,
			"flow_id":      run.FlowID,
			"flow_version": run.FlowVersion,
			"requested_by": run.RequestedBy,
		},
	}
}

// Run meta keys maintained by the engine.
const (
	metaToolCalls = "tool_calls"
)

func metaInt(meta map[string]any, key string) int {
	switch n := meta[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func setMeta(run *api.RunRecord, key string, v any) {
	if run.Meta == nil {
		run.Meta = map[string]any{}
	}
	run.Meta[key] = v
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/internal/persistence"
	"github.com/petrijr/runflow/pkg/api"
)

func withPolicy(p governance.Policy) func(*Config) {
	return func(c *Config) { c.Hooks = governance.NewHooks(p, nil) }
}

func TestRunFlow_UnencodableOutputFailsStep(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunc(api.KindTool, "evaluate", func(ctx context.Context, call api.Call) api.CapabilityResult {
		return api.Succeeded(map[string]any{"mean": math.NaN()})
	})
	f.register(t, reportFlow())

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, "evaluate", run.FailedStepID)
	require.NotNil(t, run.Error)
	assert.Equal(t, api.CodeCapability, run.Error.Code)
	assert.False(t, run.Error.Transient)
	assert.NotContains(t, run.Artifacts, "tool.evaluate.output")

	stored := f.stored(t, run.RunID)
	assert.Equal(t, api.RunFailed, stored.Status)
	assert.Equal(t, api.StepFailed, stored.Step("evaluate").Status)
	assert.Nil(t, stored.Step("assemble"))
}

// failingCommits rejects the commit that records a step as succeeded.
type failingCommits struct {
	persistence.RunStore
	stepID string
}

func (s *failingCommits) Commit(ctx context.Context, run *api.RunRecord, step *api.StepRecord, expect api.RunStatus) error {
	if step != nil && step.StepID == s.stepID && step.Status == api.StepSucceeded {
		return errors.New("disk full")
	}
	return s.RunStore.Commit(ctx, run, step, expect)
}

func TestRunFlow_FailedCommitFailsRun(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Store = &failingCommits{RunStore: persistence.NewMemoryStore(), stepID: "evaluate"}
	})
	f.register(t, reportFlow())

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, api.CodeInternal, run.Error.Code)
	assert.Contains(t, run.Error.Message, "disk full")
	assert.Equal(t, "evaluate", run.FailedStepID)

	stored := f.stored(t, run.RunID)
	assert.Equal(t, api.RunFailed, stored.Status)
	assert.Equal(t, api.StepFailed, stored.Step("evaluate").Status)
	assert.Equal(t, api.StepSucceeded, stored.Step("read").Status)
	assert.Len(t, f.rec.ByType(api.EventRunFailed), 1)
}

func TestRunFlow_PayloadLimit(t *testing.T) {
	f := newFixture(t, withPolicy(governance.Policy{Enforce: true, MaxPayloadBytes: 10}))
	var calls atomic.Int32
	f.reg.RegisterFunc(api.KindTool, "read", func(ctx context.Context, call api.Call) api.CapabilityResult {
		calls.Add(1)
		return api.Succeeded(nil)
	})
	f.register(t, reportFlow())

	run := f.run(t, "report", map[string]any{"keyword": "too-large-payload"})

	assert.Equal(t, api.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, api.CodePayloadLimit, run.Error.Code)
	assert.Zero(t, calls.Load())

	stored := f.stored(t, run.RunID)
	assert.Equal(t, api.RunFailed, stored.Status)
	assert.Empty(t, stored.Steps)
}

func TestRunFlow_OutputLimit(t *testing.T) {
	f := newFixture(t, withPolicy(governance.Policy{Enforce: true, MaxPayloadBytes: 50}))
	f.reg.RegisterFunc(api.KindTool, "read", func(ctx context.Context, call api.Call) api.CapabilityResult {
		return api.Succeeded(map[string]any{"summary": strings.Repeat("x", 200)})
	})
	f.register(t, reportFlow())

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, "read", run.FailedStepID)
	assert.Equal(t, api.CodePayloadLimit, run.Error.Code)
	assert.Empty(t, run.Artifacts)
}

func TestRunFlow_StepLimit(t *testing.T) {
	f := newFixture(t, withPolicy(governance.Policy{Enforce: true, MaxSteps: 1}))
	var evaluated atomic.Int32
	f.reg.RegisterFunc(api.KindTool, "evaluate", func(ctx context.Context, call api.Call) api.CapabilityResult {
		evaluated.Add(1)
		return api.Succeeded(nil)
	})
	f.register(t, reportFlow())

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, "evaluate", run.FailedStepID)
	assert.Equal(t, api.CodeMaxSteps, run.Error.Code)
	assert.Zero(t, evaluated.Load())

	stored := f.stored(t, run.RunID)
	assert.Equal(t, map[string]api.StepStatus{
		"read":     api.StepSucceeded,
		"evaluate": api.StepFailed,
	}, stepStatuses(stored))
}

func TestRunFlow_SkippedStepsDoNotCountTowardsStepLimit(t *testing.T) {
	f := newFixture(t, withPolicy(governance.Policy{Enforce: true, MaxSteps: 2}))
	def := reportFlow()
	def.Steps[1].When = "{{payload.evaluate}}"
	def.Steps[2].Params = nil
	f.register(t, def)

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunCompleted, run.Status)
}

func TestRunFlow_ToolCallLimit(t *testing.T) {
	f := newFixture(t, withPolicy(governance.Policy{Enforce: true, MaxToolCalls: 2}))
	var assembled atomic.Int32
	f.reg.RegisterFunc(api.KindTool, "assemble", func(ctx context.Context, call api.Call) api.CapabilityResult {
		assembled.Add(1)
		return api.Succeeded(nil)
	})
	f.register(t, reportFlow())

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, "assemble", run.FailedStepID)
	assert.Equal(t, api.CodeToolCallLimit, run.Error.Code)
	assert.Zero(t, assembled.Load())
	assert.EqualValues(t, 2, f.stored(t, run.RunID).Meta["tool_calls"])
}

func TestRunFlow_RetriesCountAsToolCalls(t *testing.T) {
	f := newFixture(t, withPolicy(governance.Policy{Enforce: true, MaxToolCalls: 2}))
	var calls atomic.Int32
	f.reg.RegisterFunc(api.KindTool, "evaluate", func(ctx context.Context, call api.Call) api.CapabilityResult {
		calls.Add(1)
		return api.Failed("rate_limited", "slow down", true)
	})
	def := reportFlow()
	def.Steps[1].Retry = &api.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	f.register(t, def)

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, "evaluate", run.FailedStepID)
	assert.Equal(t, api.CodeToolCallLimit, run.Error.Code)
	assert.Equal(t, int32(1), calls.Load())
}

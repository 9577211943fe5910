package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/internal/persistence"
	"github.com/petrijr/runflow/pkg/api"
)

func approvalFlow() api.FlowDef {
	return api.FlowDef{
		ID:       "approval",
		Product:  "demo",
		Autonomy: api.AutonomySemiAuto,
		Steps: []api.StepDef{
			{ID: "read", Kind: api.KindTool, Capability: "read", Params: map[string]any{"source": "{{payload.source}}"}},
			{ID: "approve", Kind: api.KindUserInput, Input: &api.UserInputRequest{
				FormID:   "approve",
				Prompt:   "Publish the report?",
				Required: []string{"approved"},
				Schema: map[string]any{"properties": map[string]any{
					"approved": map[string]any{"type": "boolean"},
					"channel":  map[string]any{"type": "string", "enum": []any{"email", "slack"}},
				}},
				Defaults: map[string]any{"channel": "email"},
			}},
			{ID: "assemble", Kind: api.KindTool, Capability: "assemble", Params: map[string]any{
				"source":  "{{payload.source}}",
				"count":   "{{artifacts.user_input.approve.channel}}",
				"publish": "{{artifacts.user_input.approve.approved}}",
			}},
		},
	}
}

func pausedRun(t *testing.T, f *fixture) *api.RunRecord {
	t.Helper()
	f.register(t, approvalFlow())
	run := f.run(t, "approval", map[string]any{"source": "q3.csv"})
	require.Equal(t, api.RunPendingHuman, run.Status)
	return run
}

func TestRunFlow_PausesOnUserInput(t *testing.T) {
	f := newFixture(t)
	run := pausedRun(t, f)

	require.NotNil(t, run.PendingInput)
	assert.Equal(t, "approve", run.PendingInput.FormID)
	assert.Equal(t, "Publish the report?", run.PendingInput.Prompt)
	assert.Equal(t, 1, run.CurrentStep)

	stored := f.stored(t, run.RunID)
	assert.Equal(t, api.RunPendingHuman, stored.Status)
	assert.Equal(t, map[string]api.StepStatus{
		"read":    api.StepSucceeded,
		"approve": api.StepPendingHuman,
	}, stepStatuses(stored))
	assert.Len(t, f.rec.ByType(api.EventRunPendingHuman), 1)
}

func TestResume_CompletesRun(t *testing.T) {
	f := newFixture(t)
	run := pausedRun(t, f)

	res := f.engine.Resume(context.Background(), run.RunID, api.UserInputResponse{
		FormID:  "approve",
		Values:  map[string]any{"approved": true},
		Comment: "ship it",
	})
	require.True(t, res.OK, "%v", res.Error)

	done := res.Run
	assert.Equal(t, api.RunCompleted, done.Status)
	assert.Nil(t, done.PendingInput)
	assert.Equal(t, map[string]any{"approved": true, "channel": "email"}, done.Artifacts["user_input.approve"])
	assert.Equal(t, map[string]any{"report": "q3.csv: email rows"}, done.Artifacts["tool.assemble.output"])

	stored := f.stored(t, run.RunID)
	assert.Equal(t, api.StepSucceeded, stored.Step("approve").Status)
	assert.Equal(t, api.StepSucceeded, stored.Step("assemble").Status)
	assert.True(t, formConsumed(stored.Meta, "approve"))
	assert.Len(t, f.rec.ByType(api.EventRunResumed), 1)
}

func TestResume_SecondResponseIsStale(t *testing.T) {
	f := newFixture(t)
	run := pausedRun(t, f)
	resp := api.UserInputResponse{FormID: "approve", Values: map[string]any{"approved": true}}

	require.True(t, f.engine.Resume(context.Background(), run.RunID, resp).OK)

	res := f.engine.Resume(context.Background(), run.RunID, resp)
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrStaleResponse)
}

func TestResume_MismatchedFormIsStaleAndChangesNothing(t *testing.T) {
	f := newFixture(t)
	run := pausedRun(t, f)
	before := f.stored(t, run.RunID)
	eventsBefore, err := f.engine.ListEvents(context.Background(), run.RunID)
	require.NoError(t, err)

	res := f.engine.Resume(context.Background(), run.RunID, api.UserInputResponse{
		FormID: "some_other_form",
		Values: map[string]any{"approved": true},
	})
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrStaleResponse)
	assert.Equal(t, "approve", res.Error.Details["pending_form_id"])

	after := f.stored(t, run.RunID)
	assert.Equal(t, before, after)
	eventsAfter, err := f.engine.ListEvents(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, len(eventsBefore), len(eventsAfter))
}

func TestResume_ConcurrentResponsesHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	run := pausedRun(t, f)

	const contenders = 8
	results := make([]api.Result, contenders)
	var wg sync.WaitGroup
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.engine.Resume(context.Background(), run.RunID, api.UserInputResponse{
				FormID: "approve",
				Values: map[string]any{"approved": i%2 == 0},
			})
		}()
	}
	wg.Wait()

	winners := 0
	for _, res := range results {
		if res.OK {
			winners++
			assert.Equal(t, api.RunCompleted, res.Run.Status)
			continue
		}
		assert.ErrorIs(t, res.Err(), api.ErrStaleResponse)
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, f.rec.ByType(api.EventRunResumed), 1)
	assert.Len(t, f.rec.ByType(api.EventRunCompleted), 1)
}

func TestResume_InvalidInputKeepsRunPaused(t *testing.T) {
	f := newFixture(t)
	run := pausedRun(t, f)

	res := f.engine.Resume(context.Background(), run.RunID, api.UserInputResponse{
		FormID: "approve",
		Values: map[string]any{"approved": "yes", "channel": "fax"},
	})
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrInvalidInput)
	assert.Equal(t, "approve", res.Error.StepID)
	assert.ElementsMatch(t, []string{"invalid_type:approved:boolean", "invalid_enum:channel"}, res.Error.Details["errors"])

	stored := f.stored(t, run.RunID)
	assert.Equal(t, api.RunPendingHuman, stored.Status)
	require.NotNil(t, stored.PendingInput)

	res = f.engine.Resume(context.Background(), run.RunID, api.UserInputResponse{
		FormID: "approve",
		Values: map[string]any{},
	})
	require.False(t, res.OK)
	assert.Contains(t, res.Error.Details["errors"], "missing_required:approved")

	res = f.engine.Resume(context.Background(), run.RunID, api.UserInputResponse{
		FormID: "approve",
		Values: map[string]any{"approved": false, "channel": "slack"},
	})
	require.True(t, res.OK, "%v", res.Error)
	assert.Equal(t, api.RunCompleted, res.Run.Status)
}

func TestResume_OversizedResponseIsBlocked(t *testing.T) {
	hooks := governance.NewHooks(governance.Policy{Enforce: true, MaxPayloadBytes: 128}, nil)
	f := newFixture(t, func(c *Config) { c.Hooks = hooks })
	run := pausedRun(t, f)

	res := f.engine.Resume(context.Background(), run.RunID, api.UserInputResponse{
		FormID:  "approve",
		Values:  map[string]any{"approved": true},
		Comment: strings.Repeat("x", 256),
	})
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrPolicyBlocked)
	assert.Equal(t, api.RunPendingHuman, f.stored(t, run.RunID).Status)
}

func TestResume_UnknownRun(t *testing.T) {
	f := newFixture(t)
	res := f.engine.Resume(context.Background(), "missing", api.UserInputResponse{FormID: "approve"})
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrRunNotFound)
}

func TestResume_CompletedRunWithUnknownFormIsInvalidState(t *testing.T) {
	f := newFixture(t)
	f.register(t, reportFlow())
	run := f.run(t, "report", nil)

	res := f.engine.Resume(context.Background(), run.RunID, api.UserInputResponse{FormID: "approve"})
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrInvalidState)
}

func TestResume_ChangedFlowDefinitionIsRejected(t *testing.T) {
	src := &staticSource{}
	src.set(approvalFlow())
	f := newFixture(t, func(c *Config) { c.Flows = src })

	res := f.engine.RunFlow(context.Background(), "demo", "approval", nil)
	require.True(t, res.OK)
	require.Equal(t, api.RunPendingHuman, res.Run.Status)

	changed := approvalFlow()
	changed.Steps[2].Params = map[string]any{"source": "elsewhere"}
	src.set(changed)

	res = f.engine.Resume(context.Background(), res.Run.RunID, api.UserInputResponse{
		FormID: "approve",
		Values: map[string]any{"approved": true},
	})
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrInvalidState)
}

func TestRunFlow_PrefilledInputDoesNotPause(t *testing.T) {
	f := newFixture(t)
	f.register(t, approvalFlow())

	run := f.run(t, "approval", map[string]any{
		"source": "q3.csv",
		"user_inputs": map[string]any{
			"approve": map[string]any{"approved": true, "channel": "slack"},
		},
	})

	assert.Equal(t, api.RunCompleted, run.Status)
	assert.Equal(t, map[string]any{"approved": true, "channel": "slack"}, run.Artifacts["user_input.approve"])
	assert.Empty(t, f.rec.ByType(api.EventRunPendingHuman))
}

func TestResume_SurvivesEngineRestartOnSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.OpenSQLite(ctx, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)

	first := newFixture(t, func(c *Config) { c.Store = store })
	run := pausedRun(t, first)

	// A second engine over the same database stands in for a restarted
	// process.
	second := newFixture(t, func(c *Config) { c.Store = store })
	second.register(t, approvalFlow())

	res := second.engine.Resume(ctx, run.RunID, api.UserInputResponse{
		FormID: "approve",
		Values: map[string]any{"approved": true},
	})
	require.True(t, res.OK, "%v", res.Error)
	assert.Equal(t, api.RunCompleted, res.Run.Status)

	stored := second.stored(t, run.RunID)
	require.Len(t, stored.Steps, 3)
	assert.Equal(t, api.StepSucceeded, stored.Step("assemble").Status)
	report, _ := stored.Artifacts["tool.assemble.output"].(map[string]any)
	assert.Equal(t, "q3.csv: email rows", report["report"])

	events, err := second.engine.ListEvents(ctx, run.RunID)
	require.NoError(t, err)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, api.EventRunCompleted, events[len(events)-1].Type)
}

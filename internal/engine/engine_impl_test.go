package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/runflow/internal/flows"
	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/internal/persistence"
	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/internal/tracing"
	"github.com/petrijr/runflow/pkg/api"
)

type fixture struct {
	reg     *registry.Registry
	catalog *flows.Catalog
	store   persistence.RunStore
	rec     *tracing.Recorder
	engine  api.Engine
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{reg: registry.New(), rec: &tracing.Recorder{}}
	f.catalog = flows.NewCatalog(f.reg)
	registerReportTools(f.reg)

	cfg := Config{
		Store:    persistence.NewMemoryStore(),
		Flows:    f.catalog,
		Registry: f.reg,
		Sinks:    []api.TraceSink{f.rec},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.store = cfg.Store

	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	f.engine = eng
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func (f *fixture) register(t *testing.T, def api.FlowDef) {
	t.Helper()
	require.NoError(t, f.catalog.Register(def))
}

func (f *fixture) run(t *testing.T, flowID string, payload map[string]any, opts ...api.RunOption) *api.RunRecord {
	t.Helper()
	res := f.engine.RunFlow(context.Background(), "demo", flowID, payload, opts...)
	require.True(t, res.OK, "RunFlow failed: %v", res.Error)
	return res.Run
}

func (f *fixture) stored(t *testing.T, runID string) *api.RunRecord {
	t.Helper()
	res := f.engine.GetRun(context.Background(), runID)
	require.True(t, res.OK, "GetRun failed: %v", res.Error)
	return res.Run
}

// registerReportTools installs read, evaluate and assemble tools that pass
// data through artifacts the way a reporting flow does.
func registerReportTools(reg *registry.Registry) {
	reg.RegisterFunc(api.KindTool, "read", func(ctx context.Context, call api.Call) api.CapabilityResult {
		source, _ := call.Params["source"].(string)
		return api.Succeeded(map[string]any{"source": source, "rows": []any{"a", "b", "c"}})
	})
	reg.RegisterFunc(api.KindTool, "evaluate", func(ctx context.Context, call api.Call) api.CapabilityResult {
		out, _ := call.Artifacts["tool.read.output"].(map[string]any)
		rows, _ := out["rows"].([]any)
		return api.Succeeded(map[string]any{"sufficient": len(rows) >= 3, "count": len(rows)})
	})
	reg.RegisterFunc(api.KindTool, "assemble", func(ctx context.Context, call api.Call) api.CapabilityResult {
		return api.Succeeded(map[string]any{
			"report": fmt.Sprintf("%v: %v rows", call.Params["source"], call.Params["count"]),
		})
	})
}

func reportFlow() api.FlowDef {
	return api.FlowDef{
		ID:       "report",
		Product:  "demo",
		Autonomy: api.AutonomySemiAuto,
		Steps: []api.StepDef{
			{ID: "read", Kind: api.KindTool, Capability: "read", Params: map[string]any{"source": "{{payload.source}}"}},
			{ID: "evaluate", Kind: api.KindTool, Capability: "evaluate"},
			{ID: "assemble", Kind: api.KindTool, Capability: "assemble", Params: map[string]any{
				"source": "{{payload.source}}",
				"count":  "{{artifacts.tool.evaluate.output.count}}",
			}},
		},
	}
}

// staticSource serves flows without validating them.
type staticSource struct {
	mu    sync.Mutex
	flows map[string]*api.FlowDef
}

func (s *staticSource) Flow(product, flowID string) (*api.FlowDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[flowID]; ok {
		return f, nil
	}
	return nil, api.NewError(api.CodeValidation, "flow %q not found", flowID)
}

func (s *staticSource) set(def api.FlowDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flows == nil {
		s.flows = map[string]*api.FlowDef{}
	}
	s.flows[def.ID] = &def
}

func stepStatuses(run *api.RunRecord) map[string]api.StepStatus {
	out := make(map[string]api.StepStatus, len(run.Steps))
	for _, s := range run.Steps {
		out[s.StepID] = s.Status
	}
	return out
}

func eventTypes(events []api.TraceEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestNewEngine_RequiresStoreAndFlows(t *testing.T) {
	_, err := NewEngine(Config{Flows: &staticSource{}})
	require.Error(t, err)

	_, err = NewEngine(Config{Store: persistence.NewMemoryStore()})
	require.Error(t, err)
}

func TestRunFlow_ReadEvaluateAssemble(t *testing.T) {
	f := newFixture(t)
	f.register(t, reportFlow())

	run := f.run(t, "report", map[string]any{"source": "sales.csv"}, api.WithRequestedBy("alice"))

	assert.Equal(t, api.RunCompleted, run.Status)
	assert.Equal(t, 3, run.CurrentStep)
	assert.Nil(t, run.Error)
	assert.Equal(t, "alice", run.RequestedBy)
	assert.Equal(t, "v1", run.FlowVersion)
	assert.NotEmpty(t, run.FlowFingerprint)
	assert.Equal(t, map[string]any{"report": "sales.csv: 3 rows"}, run.Artifacts["tool.assemble.output"])
	assert.Equal(t, map[string]any{"sufficient": true, "count": float64(3)}, run.Artifacts["tool.evaluate.output"])

	stored := f.stored(t, run.RunID)
	assert.Equal(t, api.RunCompleted, stored.Status)
	require.Len(t, stored.Steps, 3)
	for i, s := range stored.Steps {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, api.StepSucceeded, s.Status, s.StepID)
		assert.Equal(t, 1, s.AttemptCount, s.StepID)
		assert.False(t, s.FinishedAt.Before(s.StartedAt), s.StepID)
	}
	assert.Equal(t, "read", stored.Steps[0].Capability)

	events, err := f.engine.ListEvents(context.Background(), run.RunID)
	require.NoError(t, err)
	stepEvents := []string{
		api.EventStepStarted, api.EventGovernanceDecision, api.EventToolExecuted, api.EventStepSucceeded,
	}
	want := []string{api.EventRunStarted}
	for range 3 {
		want = append(want, stepEvents...)
	}
	want = append(want, api.EventRunCompleted)
	assert.Equal(t, want, eventTypes(events))
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, run.RunID, ev.RunID)
	}
	assert.Equal(t, want, f.rec.Types())
}

func TestRunFlow_UnknownCapabilityFailsBeforeRunExists(t *testing.T) {
	src := &staticSource{}
	def := reportFlow()
	def.Steps[1].Capability = "does_not_exist"
	src.set(def)

	f := newFixture(t, func(c *Config) { c.Flows = src })

	res := f.engine.RunFlow(context.Background(), "demo", "report", nil)
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrValidation)
	assert.Contains(t, res.Error.Message, "does_not_exist")

	runs, err := f.engine.ListRuns(context.Background(), api.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, f.rec.Events())
}

func TestRunFlow_UnknownFlow(t *testing.T) {
	f := newFixture(t)
	res := f.engine.RunFlow(context.Background(), "demo", "nope", nil)
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrValidation)
}

func TestRunFlow_DuplicateRunID(t *testing.T) {
	f := newFixture(t)
	f.register(t, reportFlow())

	f.run(t, "report", nil, api.WithRunID("run-fixed"))
	res := f.engine.RunFlow(context.Background(), "demo", "report", nil, api.WithRunID("run-fixed"))
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrDuplicateRun)
}

func TestRunFlow_GovernanceDenyNeverCallsCapability(t *testing.T) {
	hooks := governance.NewHooks(governance.Policy{
		Enforce:             true,
		BlockedCapabilities: []string{"evaluate"},
	}, nil)
	f := newFixture(t, func(c *Config) { c.Hooks = hooks })

	var instantiated atomic.Int32
	f.reg.Register(api.KindTool, "evaluate", func() api.Capability {
		instantiated.Add(1)
		return api.CapabilityFunc(func(ctx context.Context, call api.Call) api.CapabilityResult {
			return api.Succeeded("should not run")
		})
	})
	f.register(t, reportFlow())

	run := f.run(t, "report", map[string]any{"source": "x"})

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, "evaluate", run.FailedStepID)
	require.NotNil(t, run.Error)
	assert.Equal(t, api.CodeGovernanceDenied, run.Error.Code)
	assert.Equal(t, int32(0), instantiated.Load())

	stored := f.stored(t, run.RunID)
	assert.Equal(t, map[string]api.StepStatus{
		"read":     api.StepSucceeded,
		"evaluate": api.StepFailed,
	}, stepStatuses(stored))
	require.NotNil(t, stored.Step("evaluate").Error)
	assert.Equal(t, api.CodeGovernanceDenied, stored.Step("evaluate").Error.Code)
	assert.Nil(t, stored.Step("assemble"))

	decisions := f.rec.ByType(api.EventGovernanceDecision)
	require.Len(t, decisions, 2)
	assert.Equal(t, false, decisions[1].Payload["allow"])
	assert.Equal(t, "evaluate", decisions[1].StepID)
	assert.Equal(t, governance.ReasonCapabilityBlocked, decisions[1].Payload["reason"])
	assert.Len(t, f.rec.ByType(api.EventRunFailed), 1)
}

func TestRunFlow_TraceIsRedactedArtifactsAreRaw(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunc(api.KindTool, "read", func(ctx context.Context, call api.Call) api.CapabilityResult {
		return api.Succeeded(map[string]any{
			"rows":    []any{"a", "b", "c"},
			"api_key": "sk-live-0123456789",
			"note":    "connect with Authorization: Bearer abc.def.ghi",
		})
	})
	f.register(t, reportFlow())

	run := f.run(t, "report", map[string]any{"source": "db", "password": "hunter2"})
	require.Equal(t, api.RunCompleted, run.Status)

	raw, _ := run.Artifacts["tool.read.output"].(map[string]any)
	assert.Equal(t, "sk-live-0123456789", raw["api_key"])

	events, err := f.engine.ListEvents(context.Background(), run.RunID)
	require.NoError(t, err)
	data, err := json.Marshal(events)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-live-0123456789")
	assert.NotContains(t, string(data), "abc.def.ghi")
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), governance.DefaultMask)

	stored := f.stored(t, run.RunID)
	storedRaw, _ := stored.Artifacts["tool.read.output"].(map[string]any)
	assert.Equal(t, "sk-live-0123456789", storedRaw["api_key"])
}

func TestRunFlow_ConcurrentRunsAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.register(t, reportFlow())

	const workers, perWorker = 6, 10
	var (
		mu  sync.Mutex
		ids = map[string]string{}
	)
	g, ctx := errgroup.WithContext(context.Background())
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				source := fmt.Sprintf("src-%d-%d.csv", w, i)
				res := f.engine.RunFlow(ctx, "demo", "report", map[string]any{"source": source})
				if !res.OK {
					return res.Err()
				}
				if res.Run.Status != api.RunCompleted {
					return fmt.Errorf("run %s ended %s", res.Run.RunID, res.Run.Status)
				}
				mu.Lock()
				ids[res.Run.RunID] = source
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, ids, workers*perWorker)

	runs, err := f.engine.ListRuns(context.Background(), api.RunFilter{Status: api.RunCompleted})
	require.NoError(t, err)
	assert.Len(t, runs, workers*perWorker)

	for id, source := range ids {
		stored := f.stored(t, id)
		require.Len(t, stored.Steps, 3, id)
		report, _ := stored.Artifacts["tool.assemble.output"].(map[string]any)
		assert.Equal(t, source+": 3 rows", report["report"], id)

		events, err := f.engine.ListEvents(context.Background(), id)
		require.NoError(t, err)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Seq)
			assert.Equal(t, id, ev.RunID)
		}
	}
}

func TestRunFlow_IsDeterministic(t *testing.T) {
	f := newFixture(t)
	f.register(t, reportFlow())

	payload := map[string]any{"source": "stable.csv"}
	a := f.run(t, "report", payload)
	b := f.run(t, "report", payload)

	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, a.Artifacts, b.Artifacts)

	ea, err := f.engine.ListEvents(context.Background(), a.RunID)
	require.NoError(t, err)
	eb, err := f.engine.ListEvents(context.Background(), b.RunID)
	require.NoError(t, err)
	assert.Equal(t, eventTypes(ea), eventTypes(eb))

	sa, sb := f.stored(t, a.RunID), f.stored(t, b.RunID)
	assert.Equal(t, stepStatuses(sa), stepStatuses(sb))
	assert.Equal(t, sa.Artifacts, sb.Artifacts)
}

func TestRunFlow_RetryExhaustionFailsOnStep(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunc(api.KindTool, "evaluate", func(ctx context.Context, call api.Call) api.CapabilityResult {
		calls.Add(1)
		return api.Failed("rate_limited", "slow down", true)
	})
	def := reportFlow()
	def.Steps[1].Retry = &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	f.register(t, def)

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, "evaluate", run.FailedStepID)
	require.NotNil(t, run.Error)
	assert.Equal(t, "rate_limited", run.Error.Code)
	assert.Equal(t, int32(3), calls.Load())

	stored := f.stored(t, run.RunID)
	assert.Equal(t, 3, stored.Step("evaluate").AttemptCount)
	assert.Nil(t, stored.Step("assemble"))
	assert.NotContains(t, stored.Artifacts, "tool.assemble.output")

	retries := f.rec.ByType(api.EventStepRetryScheduled)
	require.Len(t, retries, 2)
	assert.EqualValues(t, 1, retries[0].Payload["attempt"])
	assert.EqualValues(t, 2, retries[1].Payload["attempt"])
}

func TestRunFlow_RetrySucceedsAfterTransientFailures(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunc(api.KindTool, "evaluate", func(ctx context.Context, call api.Call) api.CapabilityResult {
		if calls.Add(1) < 3 {
			return api.Failed("temporary", "try again", true)
		}
		return api.Succeeded(map[string]any{"count": 3, "attempt": call.Attempt})
	})
	def := reportFlow()
	def.Steps[1].Retry = &api.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	f.register(t, def)

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunCompleted, run.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, f.stored(t, run.RunID).Step("evaluate").AttemptCount)
	out, _ := run.Artifacts["tool.evaluate.output"].(map[string]any)
	assert.EqualValues(t, 3, out["attempt"])
}

func TestRunFlow_NonTransientFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunc(api.KindTool, "evaluate", func(ctx context.Context, call api.Call) api.CapabilityResult {
		calls.Add(1)
		return api.Failed("bad_request", "malformed rows", false)
	})
	def := reportFlow()
	def.Steps[1].Retry = &api.RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond}
	f.register(t, def)

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, f.rec.ByType(api.EventStepRetryScheduled))
}

func TestRunFlow_RepeatedTimeoutsEscalate(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.RegisterFunc(api.KindTool, "evaluate", func(ctx context.Context, call api.Call) api.CapabilityResult {
		calls.Add(1)
		<-ctx.Done()
		return api.Failed(api.CodeTimeout, "too slow", true)
	})
	def := reportFlow()
	def.Steps[1].Timeout = 10 * time.Millisecond
	def.Steps[1].Retry = &api.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	f.register(t, def)

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, int32(2), calls.Load())
	require.NotNil(t, run.Error)
	assert.Equal(t, api.CodeTimeout, run.Error.Code)
	assert.False(t, run.Error.Transient)
	assert.EqualValues(t, 2, run.Error.Details["consecutive_timeouts"])
}

func TestRunFlow_WhenConditionSkipsStep(t *testing.T) {
	f := newFixture(t)
	f.reg.RegisterFunc(api.KindTool, "read", func(ctx context.Context, call api.Call) api.CapabilityResult {
		return api.Succeeded(map[string]any{"rows": []any{"only-one"}})
	})
	def := reportFlow()
	def.Steps[2].When = "{{artifacts.tool.evaluate.output.sufficient}}"
	f.register(t, def)

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunCompleted, run.Status)
	assert.NotContains(t, run.Artifacts, "tool.assemble.output")
	stored := f.stored(t, run.RunID)
	assert.Equal(t, api.StepSkipped, stored.Step("assemble").Status)
	skipped := f.rec.ByType(api.EventStepSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "assemble", skipped[0].StepID)
}

func TestRunFlow_DuplicateArtifactKeyIsRejected(t *testing.T) {
	src := &staticSource{}
	def := reportFlow()
	def.Steps = append(def.Steps, api.StepDef{ID: "read_again", Kind: api.KindTool, Capability: "read"})
	src.set(def)
	f := newFixture(t, func(c *Config) { c.Flows = src })

	res := f.engine.RunFlow(context.Background(), "demo", "report", nil)

	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrValidation)
	assert.Contains(t, res.Error.Message, `duplicate artifact key "tool.read.output"`)
	runs, err := f.engine.ListRuns(context.Background(), api.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// cancelAfter cancels a context once the named step has completed.
type cancelAfter struct {
	api.NoopObserver
	stepID string
	cancel context.CancelFunc
}

func (c *cancelAfter) OnStepCompleted(ctx context.Context, run *api.RunRecord, step api.StepRecord, d time.Duration) {
	if step.StepID == c.stepID {
		c.cancel()
	}
}

func TestRunFlow_CancelledContextStopsBeforeNextStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, func(c *Config) { c.Observer = &cancelAfter{stepID: "evaluate", cancel: cancel} })
	f.register(t, reportFlow())

	res := f.engine.RunFlow(ctx, "demo", "report", nil)
	require.True(t, res.OK, "%v", res.Error)

	assert.Equal(t, api.RunFailed, res.Run.Status)
	assert.Equal(t, "assemble", res.Run.FailedStepID)
	assert.Equal(t, api.CodeCancelled, res.Run.Error.Code)

	stored := f.stored(t, res.Run.RunID)
	assert.Equal(t, api.RunFailed, stored.Status)
	assert.Equal(t, api.StepSucceeded, stored.Step("evaluate").Status)
	assert.Nil(t, stored.Step("assemble"))
}

func TestRunFlow_FullAutonomyDeniedByDefault(t *testing.T) {
	f := newFixture(t)
	def := reportFlow()
	def.Autonomy = api.AutonomyFullAuto
	f.register(t, def)

	run := f.run(t, "report", nil)

	assert.Equal(t, api.RunFailed, run.Status)
	assert.Equal(t, "read", run.FailedStepID)
	assert.Equal(t, api.CodeGovernanceDenied, run.Error.Code)
}

func TestRunFlow_ObserverSeesLifecycle(t *testing.T) {
	metrics := &api.BasicMetrics{}
	f := newFixture(t, func(c *Config) { c.Observer = metrics })
	f.register(t, reportFlow())

	f.run(t, "report", nil)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.RunsStarted)
	assert.Equal(t, int64(1), snap.RunsCompleted)
	assert.Equal(t, int64(3), snap.StepsSucceeded)
	assert.Zero(t, snap.RunsFailed)
}

func TestListRuns_FiltersAndOrders(t *testing.T) {
	f := newFixture(t)
	f.register(t, reportFlow())
	f.reg.RegisterFunc(api.KindTool, "broken", func(ctx context.Context, call api.Call) api.CapabilityResult {
		return api.Failed("backend_error", "down", false)
	})
	f.register(t, api.FlowDef{ID: "broken", Product: "demo", Steps: []api.StepDef{
		{ID: "only", Kind: api.KindTool, Capability: "broken"},
	}})

	first := f.run(t, "report", nil)
	second := f.run(t, "broken", nil)
	third := f.run(t, "report", nil)

	all, err := f.engine.ListRuns(context.Background(), api.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	got := []string{all[0].RunID, all[1].RunID, all[2].RunID}
	assert.ElementsMatch(t, []string{first.RunID, second.RunID, third.RunID}, got)

	failed, err := f.engine.ListRuns(context.Background(), api.RunFilter{Status: api.RunFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, second.RunID, failed[0].RunID)

	reports, err := f.engine.ListRuns(context.Background(), api.RunFilter{FlowID: "report", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestGetRun_NotFound(t *testing.T) {
	f := newFixture(t)
	res := f.engine.GetRun(context.Background(), "missing")
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), api.ErrRunNotFound)

	_, err := f.engine.ListEvents(context.Background(), "missing")
	assert.ErrorIs(t, err, api.ErrRunNotFound)
}

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/runflow/internal/engine"
	"github.com/petrijr/runflow/internal/flows"
	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/internal/taskqueue"
	"github.com/petrijr/runflow/pkg/api"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) api.Engine {
	t.Helper()

	reg := registry.New()
	reg.RegisterFunc(api.KindTool, "greet", func(ctx context.Context, call api.Call) api.CapabilityResult {
		return api.Succeeded(map[string]any{"greeting": "hello " + call.Params["name"].(string)})
	})

	catalog := flows.NewCatalog(reg)
	require.NoError(t, catalog.Register(api.FlowDef{
		ID:      "greet",
		Product: "demo",
		Steps: []api.StepDef{
			{ID: "greet", Kind: api.KindTool, Capability: "greet", Params: map[string]any{"name": "{{payload.name}}"}},
		},
	}))
	require.NoError(t, catalog.Register(api.FlowDef{
		ID:      "confirm",
		Product: "demo",
		Steps: []api.StepDef{
			{ID: "confirm", Kind: api.KindUserInput, Input: &api.UserInputRequest{
				FormID:   "confirm",
				Required: []string{"ok"},
			}},
			{ID: "greet", Kind: api.KindTool, Capability: "greet", Params: map[string]any{"name": "{{payload.name}}"}},
		},
	}))
	return engine.NewInMemoryEngine(catalog, reg)
}

func newTestWorker(t *testing.T, eng api.Engine) (*Worker, *taskqueue.InMemoryQueue) {
	t.Helper()
	q := taskqueue.NewInMemoryQueue()
	w := NewWithConfig(eng, q, Config{ID: "w1", Backoff: time.Millisecond, Logger: quietLogger()})
	return w, q
}

func processOne(t *testing.T, w *Worker) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	processed, err := w.ProcessOne(ctx)
	require.True(t, processed, "expected a task, got err=%v", err)
	return err
}

func getRun(t *testing.T, eng api.Engine, runID string) *api.RunRecord {
	t.Helper()
	res := eng.GetRun(context.Background(), runID)
	require.True(t, res.OK, "GetRun: %v", res.Error)
	return res.Run
}

func TestWorker_StartRun(t *testing.T) {
	eng := newTestEngine(t)
	w, q := newTestWorker(t, eng)
	ctx := context.Background()

	runID, err := w.EnqueueStartRun(ctx, "demo", "greet", map[string]any{"name": "ada"}, api.WithRequestedBy("alice"))
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, processOne(t, w))
	assert.Equal(t, 0, q.Len())

	run := getRun(t, eng, runID)
	assert.Equal(t, api.RunCompleted, run.Status)
	assert.Equal(t, "alice", run.RequestedBy)
	out, _ := run.Artifacts["tool.greet.output"].(map[string]any)
	assert.Equal(t, "hello ada", out["greeting"])
}

func TestWorker_ExplicitRunID(t *testing.T) {
	eng := newTestEngine(t)
	w, _ := newTestWorker(t, eng)

	runID, err := w.EnqueueStartRun(context.Background(), "demo", "greet", map[string]any{"name": "bo"}, api.WithRunID("run-fixed"))
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", runID)
	require.NoError(t, processOne(t, w))
	assert.Equal(t, api.RunCompleted, getRun(t, eng, "run-fixed").Status)
}

func TestWorker_RedeliveredStartIsDone(t *testing.T) {
	eng := newTestEngine(t)
	w, q := newTestWorker(t, eng)
	ctx := context.Background()

	runID, err := w.EnqueueStartRun(ctx, "demo", "greet", map[string]any{"name": "cy"})
	require.NoError(t, err)
	require.NoError(t, processOne(t, w))

	// A second delivery of the same start finds the run already created.
	require.NoError(t, q.Enqueue(ctx, taskqueue.Task{
		Type: taskqueue.TaskTypeStartRun, RunID: runID, Product: "demo", FlowID: "greet",
		Payload: map[string]any{"name": "cy"},
	}))
	require.NoError(t, processOne(t, w))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, api.RunCompleted, getRun(t, eng, runID).Status)
}

func TestWorker_ResumeAndCancel(t *testing.T) {
	eng := newTestEngine(t)
	w, _ := newTestWorker(t, eng)
	ctx := context.Background()

	first, err := w.EnqueueStartRun(ctx, "demo", "confirm", map[string]any{"name": "di"})
	require.NoError(t, err)
	second, err := w.EnqueueStartRun(ctx, "demo", "confirm", map[string]any{"name": "ed"})
	require.NoError(t, err)
	require.NoError(t, processOne(t, w))
	require.NoError(t, processOne(t, w))
	require.Equal(t, api.RunPendingHuman, getRun(t, eng, first).Status)
	require.Equal(t, api.RunPendingHuman, getRun(t, eng, second).Status)

	require.NoError(t, w.EnqueueResume(ctx, first, api.UserInputResponse{FormID: "confirm", Values: map[string]any{"ok": true}}))
	require.NoError(t, processOne(t, w))
	assert.Equal(t, api.RunCompleted, getRun(t, eng, first).Status)

	require.NoError(t, w.EnqueueCancel(ctx, second, "not needed"))
	require.NoError(t, processOne(t, w))
	cancelled := getRun(t, eng, second)
	assert.Equal(t, api.RunCancelled, cancelled.Status)
	assert.Equal(t, "not needed", cancelled.Meta["cancel_reason"])
}

func TestWorker_RejectedResponseIsAcked(t *testing.T) {
	eng := newTestEngine(t)
	w, q := newTestWorker(t, eng)
	ctx := context.Background()

	runID, err := w.EnqueueStartRun(ctx, "demo", "confirm", map[string]any{"name": "fi"})
	require.NoError(t, err)
	require.NoError(t, processOne(t, w))

	require.NoError(t, w.EnqueueResume(ctx, runID, api.UserInputResponse{FormID: "other"}))
	err = processOne(t, w)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrStaleResponse)
	assert.Equal(t, 0, q.Len(), "a rejected response must not be redelivered")
	assert.Equal(t, api.RunPendingHuman, getRun(t, eng, runID).Status)
}

// busyEngine fails RunFlow with persistence_busy a fixed number of times.
type busyEngine struct {
	api.Engine
	failures int32
	calls    atomic.Int32
}

func (b *busyEngine) RunFlow(ctx context.Context, product, flowID string, payload map[string]any, opts ...api.RunOption) api.Result {
	if b.calls.Add(1) <= b.failures {
		return api.Fail(api.ErrPersistenceBusy)
	}
	return b.Engine.RunFlow(ctx, product, flowID, payload, opts...)
}

func TestWorker_RetriesBusyStore(t *testing.T) {
	busy := &busyEngine{Engine: newTestEngine(t), failures: 2}
	w, q := newTestWorker(t, busy)
	ctx := context.Background()

	runID, err := w.EnqueueStartRun(ctx, "demo", "greet", map[string]any{"name": "gu"})
	require.NoError(t, err)

	assert.ErrorIs(t, processOne(t, w), api.ErrPersistenceBusy)
	assert.Equal(t, 1, q.Len())
	assert.ErrorIs(t, processOne(t, w), api.ErrPersistenceBusy)
	require.NoError(t, processOne(t, w))

	assert.EqualValues(t, 3, busy.calls.Load())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, api.RunCompleted, getRun(t, busy, runID).Status)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	busy := &busyEngine{Engine: newTestEngine(t), failures: 100}
	q := taskqueue.NewInMemoryQueue()
	w := NewWithConfig(busy, q, Config{ID: "w1", MaxAttempts: 2, Backoff: time.Millisecond, Logger: quietLogger()})
	ctx := context.Background()

	_, err := w.EnqueueStartRun(ctx, "demo", "greet", map[string]any{"name": "hu"})
	require.NoError(t, err)

	assert.Error(t, processOne(t, w))
	assert.Equal(t, 1, q.Len())
	assert.Error(t, processOne(t, w))
	assert.Equal(t, 0, q.Len())
	assert.EqualValues(t, 2, busy.calls.Load())
}

func TestWorker_ProcessOneHonoursContext(t *testing.T) {
	w, _ := newTestWorker(t, newTestEngine(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	processed, err := w.ProcessOne(ctx)
	assert.False(t, processed)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWorker_UnknownTaskTypeIsDropped(t *testing.T) {
	w, q := newTestWorker(t, newTestEngine(t))
	require.NoError(t, q.Enqueue(context.Background(), taskqueue.Task{Type: "reindex", RunID: "r"}))

	err := processOne(t, w)
	assert.ErrorIs(t, err, api.ErrValidation)
	assert.Equal(t, 0, q.Len())
}

func TestPool_DrainsQueue(t *testing.T) {
	eng := newTestEngine(t)
	q := taskqueue.NewInMemoryQueue()
	pool := NewPool(eng, q, 3, Config{ID: "pool", Logger: quietLogger()})
	require.Len(t, pool.Workers(), 3)
	assert.Equal(t, "pool-0", pool.Workers()[0].ID())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	var ids []string
	for range 12 {
		id, err := pool.Workers()[0].EnqueueStartRun(context.Background(), "demo", "greet", map[string]any{"name": "x"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			res := eng.GetRun(context.Background(), id)
			if !res.OK || res.Run.Status != api.RunCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

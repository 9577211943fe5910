package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/internal/persistence"
	"github.com/petrijr/runflow/pkg/api"
)

func TestTracer_RedactsPersistsAndFansOut(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	rec := &Recorder{}
	tr := New(store, nil, WithSinks(rec))

	raw := map[string]any{"api_key": "k-1", "query": "hello"}
	tr.Emit(ctx, api.TraceEvent{RunID: "r1", Type: api.EventToolExecuted, Payload: raw})
	tr.Emit(ctx, api.TraceEvent{RunID: "r1", Type: api.EventStepSucceeded})

	assert.Equal(t, "k-1", raw["api_key"], "caller payload untouched")

	got := rec.Events()
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.True(t, got[0].Redacted)
	assert.Equal(t, governance.DefaultMask, got[0].Payload["api_key"])
	assert.Equal(t, "hello", got[0].Payload["query"])
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].At.IsZero())

	stored, err := store.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, governance.DefaultMask, stored[0].Payload["api_key"])
}

func TestTracer_WithoutStoreNumbersPerRun(t *testing.T) {
	rec := &Recorder{}
	tr := New(nil, nil)
	tr.Subscribe(rec)

	ctx := context.Background()
	tr.Emit(ctx, api.TraceEvent{RunID: "a", Type: "x"})
	tr.Emit(ctx, api.TraceEvent{RunID: "b", Type: "x"})
	tr.Emit(ctx, api.TraceEvent{RunID: "a", Type: "y"})

	evs := rec.Events()
	assert.Equal(t, []int64{1, 1, 2}, []int64{evs[0].Seq, evs[1].Seq, evs[2].Seq})
	assert.Equal(t, []string{"x", "x", "y"}, rec.Types())
	assert.Len(t, rec.ByType("x"), 2)
}

type failingStore struct{}

func (failingStore) AppendEvent(ctx context.Context, ev api.TraceEvent) (int64, error) {
	return 0, errors.New("disk full")
}

func TestTracer_StoreFailureIsLoggedNotFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rec := &Recorder{}
	tr := New(failingStore{}, nil, WithLogger(logger), WithSinks(rec))

	tr.Emit(context.Background(), api.TraceEvent{RunID: "r", Type: api.EventRunStarted})

	assert.Len(t, rec.Events(), 1)
	assert.Contains(t, buf.String(), "trace_persist_failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestTracer_SinkPanicIsContained(t *testing.T) {
	rec := &Recorder{}
	panicky := api.TraceSinkFunc(func(ctx context.Context, ev api.TraceEvent) { panic("boom") })
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := New(nil, nil, WithSinks(panicky, rec), WithClock(func() time.Time { return fixed }))

	require.NotPanics(t, func() {
		tr.Emit(context.Background(), api.TraceEvent{RunID: "r", Type: "x"})
	})
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, fixed, rec.Events()[0].At)
}

func TestTracer_SlowSinkDoesNotBlockOtherRuns(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	rec := &Recorder{}
	slow := api.TraceSinkFunc(func(ctx context.Context, ev api.TraceEvent) {
		if ev.RunID == "slow" {
			close(entered)
			<-release
		}
	})
	tr := New(persistence.NewMemoryStore(), nil, WithSinks(slow, rec))
	ctx := context.Background()

	go tr.Emit(ctx, api.TraceEvent{RunID: "slow", Type: "x"})
	<-entered

	done := make(chan struct{})
	go func() {
		tr.Emit(ctx, api.TraceEvent{RunID: "fast", Type: "x"})
		tr.Emit(ctx, api.TraceEvent{RunID: "fast", Type: "y"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("events of run fast waited on the sink of run slow")
	}
	close(release)

	require.Eventually(t, func() bool { return len(rec.Events()) == 3 }, 2*time.Second, 10*time.Millisecond)
	var fast []int64
	for _, ev := range rec.Events() {
		if ev.RunID == "fast" {
			fast = append(fast, ev.Seq)
		}
	}
	assert.Equal(t, []int64{1, 2}, fast)
}

// Package tracing is the trace pipeline: every event is redacted, stored
// with a per-run sequence number, then handed to subscribers in order.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/pkg/api"
)

// EventStore is the part of persistence.RunStore the tracer needs.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.TraceEvent) (int64, error)
}

// Tracer implements governance.Emitter. Events of one run are stored and
// delivered in order; different runs never wait on each other.
type Tracer struct {
	mu       sync.Mutex // guards sinks, seq and lanes
	store    EventStore
	redactor *governance.Redactor
	logger   *slog.Logger
	sinks    []api.TraceSink
	now      func() time.Time

	// seq is used only when there is no store.
	seq   map[string]int64
	lanes map[string]*lane
}

// lane serializes the emits of one run.
type lane struct {
	mu   sync.Mutex
	refs int
}

var _ governance.Emitter = (*Tracer)(nil)

// Option configures a Tracer.
type Option func(*Tracer)

// WithLogger mirrors every event to logger at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracer) { t.logger = l }
}

// WithSinks subscribes sinks at construction.
func WithSinks(sinks ...api.TraceSink) Option {
	return func(t *Tracer) { t.sinks = append(t.sinks, sinks...) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// New returns a Tracer that persists to store (may be nil) and redacts
// with redactor (a default Redactor when nil).
func New(store EventStore, redactor *governance.Redactor, opts ...Option) *Tracer {
	if redactor == nil {
		redactor = governance.NewRedactor()
	}
	t := &Tracer{
		store:    store,
		redactor: redactor,
		now:      time.Now,
		seq:      make(map[string]int64),
		lanes:    make(map[string]*lane),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Subscribe adds a sink. Sinks see events after they are stored.
func (t *Tracer) Subscribe(sink api.TraceSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, sink)
}

// Redactor returns the redactor the tracer applies.
func (t *Tracer) Redactor() *governance.Redactor {
	return t.redactor
}

// Emit redacts, stores and fans out ev. Storage and sink failures are
// logged and never reach the caller.
func (t *Tracer) Emit(ctx context.Context, ev api.TraceEvent) {
	payload, changed := t.redactor.RedactMap(ev.Payload)
	ev.Payload = payload
	ev.Redacted = ev.Redacted || changed
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = t.now().UTC()
	}

	l := t.acquire(ev.RunID)
	defer t.release(ev.RunID, l)

	if t.store != nil {
		seq, err := t.store.AppendEvent(ctx, ev)
		if err != nil {
			t.log(ctx, slog.LevelWarn, "trace_persist_failed",
				slog.String("run_id", ev.RunID),
				slog.String("type", ev.Type),
				slog.Any("error", err))
		}
		ev.Seq = seq
	} else {
		t.mu.Lock()
		t.seq[ev.RunID]++
		ev.Seq = t.seq[ev.RunID]
		t.mu.Unlock()
	}

	t.log(ctx, slog.LevelDebug, "trace",
		slog.String("run_id", ev.RunID),
		slog.String("step_id", ev.StepID),
		slog.String("type", ev.Type),
		slog.Int64("seq", ev.Seq),
		slog.Bool("redacted", ev.Redacted),
	)

	t.mu.Lock()
	sinks := t.sinks[:len(t.sinks):len(t.sinks)]
	t.mu.Unlock()
	for _, s := range sinks {
		t.deliver(ctx, s, ev)
	}
}

func (t *Tracer) acquire(runID string) *lane {
	t.mu.Lock()
	l, ok := t.lanes[runID]
	if !ok {
		l = &lane{}
		t.lanes[runID] = l
	}
	l.refs++
	t.mu.Unlock()
	l.mu.Lock()
	return l
}

func (t *Tracer) release(runID string, l *lane) {
	l.mu.Unlock()
	t.mu.Lock()
	if l.refs--; l.refs == 0 {
		delete(t.lanes, runID)
	}
	t.mu.Unlock()
}

func (t *Tracer) deliver(ctx context.Context, s api.TraceSink, ev api.TraceEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.log(ctx, slog.LevelError, "trace_sink_panic",
				slog.String("run_id", ev.RunID),
				slog.Any("panic", r))
		}
	}()
	s.Consume(ctx, ev)
}

func (t *Tracer) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if t.logger == nil {
		return
	}
	t.logger.LogAttrs(ctx, level, msg, attrs...)
}

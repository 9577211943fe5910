package tracing

import (
	"context"
	"sync"

	"github.com/petrijr/runflow/pkg/api"
)

// Recorder is a TraceSink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []api.TraceEvent
}

var _ api.TraceSink = (*Recorder)(nil)

func (r *Recorder) Consume(ctx context.Context, ev api.TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []api.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.TraceEvent(nil), r.events...)
}

// ByType returns the recorded events of the given type.
func (r *Recorder) ByType(typ string) []api.TraceEvent {
	var out []api.TraceEvent
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the event types in emission order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

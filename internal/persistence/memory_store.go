package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/runflow/pkg/api"
)

// MemoryStore is a goroutine-safe RunStore backed by maps. Records are kept
// in their encoded form, so callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]runDoc
	events map[string][]eventDoc

	locks *runLocks
	opts  LockOptions
}

// Ensure MemoryStore implements RunStore.
var _ RunStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := newStoreConfig(opts)
	return &MemoryStore{
		runs:   make(map[string]runDoc),
		events: make(map[string][]eventDoc),
		locks:  newRunLocks(),
		opts:   cfg.lock,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *api.RunRecord) error {
	doc, err := toRunDoc(run)
	if err != nil {
		return err
	}
	return withRunLock(ctx, s.locks, s.opts, run.RunID, neverBusy, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.runs[run.RunID]; ok {
			return duplicateRun(run.RunID)
		}
		s.runs[run.RunID] = doc
		return nil
	})
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*api.RunRecord, error) {
	s.mu.RLock()
	doc, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, runNotFound(runID)
	}
	return doc.record()
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunRecord, error) {
	s.mu.RLock()
	docs := make([]runDoc, 0, len(s.runs))
	for _, d := range s.runs {
		d.Steps = nil
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt != docs[j].CreatedAt {
			return docs[i].CreatedAt > docs[j].CreatedAt
		}
		return docs[i].RunID > docs[j].RunID
	})

	out := make([]*api.RunRecord, 0, len(docs))
	for _, d := range docs {
		run, err := d.record()
		if err != nil {
			return nil, err
		}
		if matchesFilter(run, filter) {
			out = append(out, run)
		}
	}
	return page(out, filter), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *api.RunRecord, expect api.RunStatus) error {
	return s.Commit(ctx, run, nil, expect)
}

func (s *MemoryStore) AppendStep(ctx context.Context, runID string, step api.StepRecord) error {
	sd, err := toStepDoc(step)
	if err != nil {
		return err
	}
	return withRunLock(ctx, s.locks, s.opts, runID, neverBusy, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		doc, ok := s.runs[runID]
		if !ok {
			return runNotFound(runID)
		}
		for _, existing := range doc.Steps {
			if existing.StepID == step.StepID {
				return stepExists(runID, step.StepID)
			}
		}
		doc.Steps = upsertStepDoc(doc.Steps, sd)
		s.runs[runID] = doc
		return nil
	})
}

func (s *MemoryStore) UpdateStep(ctx context.Context, runID string, step api.StepRecord) error {
	sd, err := toStepDoc(step)
	if err != nil {
		return err
	}
	return withRunLock(ctx, s.locks, s.opts, runID, neverBusy, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		doc, ok := s.runs[runID]
		if !ok {
			return runNotFound(runID)
		}
		for i := range doc.Steps {
			if doc.Steps[i].StepID == step.StepID {
				steps := append([]stepDoc(nil), doc.Steps...)
				steps[i] = sd
				doc.Steps = steps
				s.runs[runID] = doc
				return nil
			}
		}
		return stepNotFound(runID, step.StepID)
	})
}

func (s *MemoryStore) Commit(ctx context.Context, run *api.RunRecord, step *api.StepRecord, expect api.RunStatus) error {
	doc, err := toRunDoc(run)
	if err != nil {
		return err
	}
	var sd *stepDoc
	if step != nil {
		d, err := toStepDoc(*step)
		if err != nil {
			return err
		}
		sd = &d
	}
	return withRunLock(ctx, s.locks, s.opts, run.RunID, neverBusy, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.runs[run.RunID]
		if !ok {
			return runNotFound(run.RunID)
		}
		if expect != "" && api.RunStatus(current.Status) != expect {
			return statusMismatch(run.RunID, expect, api.RunStatus(current.Status))
		}
		doc.Steps = current.Steps
		if sd != nil {
			doc.Steps = upsertStepDoc(append([]stepDoc(nil), current.Steps...), *sd)
		}
		doc.CreatedAt = current.CreatedAt
		s.runs[run.RunID] = doc
		return nil
	})
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev api.TraceEvent) (int64, error) {
	doc, err := toEventDoc(ev)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Seq = int64(len(s.events[ev.RunID])) + 1
	s.events[ev.RunID] = append(s.events[ev.RunID], doc)
	return doc.Seq, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, runID string) ([]api.TraceEvent, error) {
	s.mu.RLock()
	docs := append([]eventDoc(nil), s.events[runID]...)
	s.mu.RUnlock()

	out := make([]api.TraceEvent, 0, len(docs))
	for _, d := range docs {
		ev, err := d.record()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func upsertStepDoc(steps []stepDoc, sd stepDoc) []stepDoc {
	for i := range steps {
		if steps[i].StepID == sd.StepID {
			steps[i] = sd
			return steps
		}
	}
	steps = append(steps, sd)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps
}

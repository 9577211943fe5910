package runflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/runflow/internal/builtin"
	"github.com/petrijr/runflow/internal/taskqueue"
	"github.com/petrijr/runflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// worker pool to provide a simple "local runner" for development and
// debugging.
//
// Typical usage:
//
//	runner := runflow.NewLocalRunner()
//	runflow.NewFlow("demo", "hello").
//	    Tool("echo", "echo_tool", map[string]any{"message": "{{payload.message}}"}).
//	    MustRegister(runner.Catalog)
//
//	// Synchronous run (no queue/worker involved):
//	res := runner.Engine.RunFlow(ctx, "demo", "hello", payload)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	runID, _ := runner.StartAsync(ctx, "demo", "hello", payload)
//	run, _ := runner.WaitFor(ctx, runID)
//	runner.Stop()
type LocalRunner struct {
	Registry *Registry
	Catalog  *Catalog
	Engine   Engine

	// Queue is the in-memory task queue consumed by the workers.
	Queue taskqueue.Queue

	// Worker enqueues tasks; StartWorkers runs a pool sharing its config.
	Worker *worker.Worker

	workerCfg worker.Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// NewLocalRunner constructs a LocalRunner with the built-in capabilities
// registered and an empty flow catalog.
func NewLocalRunner() *LocalRunner {
	reg := NewRegistry()
	builtin.Register(reg)
	catalog := NewCatalog(reg)
	eng := NewInMemoryEngine(catalog, reg)
	q := taskqueue.NewInMemoryQueue()
	cfg := worker.Config{ID: "local"}

	return &LocalRunner{
		Registry:  reg,
		Catalog:   catalog,
		Engine:    eng,
		Queue:     q,
		Worker:    worker.NewWithConfig(eng, q, cfg),
		workerCfg: cfg,
	}
}

// StartWorkers starts a pool of concurrency workers that process tasks
// until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("runflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := worker.NewPool(r.Engine, r.Queue, concurrency, r.workerCfg)
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true

	go func(done chan<- error) { done <- pool.Run(ctx) }(r.done)
	return nil
}

// Stop cancels the workers started by StartWorkers and waits for them to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// StartAsync enqueues a start of flowID and returns the id the run will
// have. The flow must already be registered in Catalog.
func (r *LocalRunner) StartAsync(ctx context.Context, product, flowID string, payload map[string]any, opts ...RunOption) (string, error) {
	return r.Worker.EnqueueStartRun(ctx, product, flowID, payload, opts...)
}

// ResumeAsync enqueues a user input response.
func (r *LocalRunner) ResumeAsync(ctx context.Context, runID string, resp UserInputResponse) error {
	return r.Worker.EnqueueResume(ctx, runID, resp)
}

// CancelAsync enqueues a cancellation.
func (r *LocalRunner) CancelAsync(ctx context.Context, runID, reason string) error {
	return r.Worker.EnqueueCancel(ctx, runID, reason)
}

// WaitFor polls the run until it is terminal or waiting for input.
func (r *LocalRunner) WaitFor(ctx context.Context, runID string) (*RunRecord, error) {
	return WaitFor(ctx, r.Engine, runID, 10*time.Millisecond)
}

// WaitFor polls eng every interval until runID is terminal or
// PENDING_HUMAN. A run that does not exist yet is polled again, since an
// enqueued start may not have been processed.
func WaitFor(ctx context.Context, eng Engine, runID string, interval time.Duration) (*RunRecord, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res := eng.GetRun(ctx, runID)
		switch {
		case res.OK:
			if res.Run.Status.Terminal() || res.Run.Status == RunPendingHuman {
				return res.Run, nil
			}
		case !errors.Is(res.Err(), ErrRunNotFound):
			return nil, res.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

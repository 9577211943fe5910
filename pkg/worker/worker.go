package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/runflow/internal/engine"
	"github.com/petrijr/runflow/internal/taskqueue"
	"github.com/petrijr/runflow/pkg/api"
)

// Config controls how a Worker leases and retries tasks.
type Config struct {
	// ID is the lease owner; a random id when empty.
	ID string

	// Lease is how long a dequeued task stays invisible to other workers.
	Lease time.Duration

	// MaxAttempts bounds deliveries of a task whose handling failed with
	// an infrastructure error.
	MaxAttempts int

	// Backoff is the delay before the first redelivery; it doubles with
	// every further attempt.
	Backoff time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()[:8]
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	now    func() time.Time
}

// New creates a Worker with the default Config.
func New(eng api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(eng, queue, Config{})
}

// NewWithConfig creates a Worker.
func NewWithConfig(eng api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	return &Worker{
		engine: eng,
		queue:  queue,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// ID returns the worker's lease owner id.
func (w *Worker) ID() string { return w.cfg.ID }

// EnqueueStartRun enqueues a task that runs flowID of product and returns
// the id the run will have.
func (w *Worker) EnqueueStartRun(ctx context.Context, product, flowID string, payload map[string]any, opts ...api.RunOption) (string, error) {
	var o api.RunOptions
	for _, opt := range opts {
		opt(&o)
	}
	runID := o.RunID
	if runID == "" {
		runID = engine.NewRunID()
	}
	err := w.queue.Enqueue(ctx, taskqueue.Task{
		Type:        taskqueue.TaskTypeStartRun,
		RunID:       runID,
		Product:     product,
		FlowID:      flowID,
		Payload:     payload,
		Meta:        o.Meta,
		RequestedBy: o.RequestedBy,
		EnqueuedAt:  w.now(),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue start-run %s: %w", runID, err)
	}
	return runID, nil
}

// EnqueueResume enqueues a user input response for runID.
func (w *Worker) EnqueueResume(ctx context.Context, runID string, resp api.UserInputResponse) error {
	err := w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeResumeRun,
		RunID:      runID,
		Response:   &resp,
		EnqueuedAt: w.now(),
	})
	if err != nil {
		return fmt.Errorf("enqueue resume-run %s: %w", runID, err)
	}
	return nil
}

// EnqueueCancel enqueues a cancellation of runID.
func (w *Worker) EnqueueCancel(ctx context.Context, runID, reason string) error {
	err := w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeCancelRun,
		RunID:      runID,
		Reason:     reason,
		EnqueuedAt: w.now(),
	})
	if err != nil {
		return fmt.Errorf("enqueue cancel-run %s: %w", runID, err)
	}
	return nil
}

// ProcessOne leases a single task and processes it. It returns
// (false, ctx.Err()) when ctx ends before a task is available, and
// (true, err) once a task was handled, err being the engine's answer.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.ID, w.cfg.Lease)
	if err != nil {
		return false, err
	}

	log := w.cfg.Logger.With("task_id", task.ID, "task_type", string(task.Type), "run_id", task.RunID, "attempt", task.Attempts)
	handleErr := w.handle(ctx, task)

	if handleErr != nil && retryable(handleErr) && task.Attempts < w.cfg.MaxAttempts {
		delay := w.cfg.Backoff << (task.Attempts - 1)
		log.WarnContext(ctx, "task_retry_scheduled", "delay", delay, "error", handleErr)
		if err := w.queue.Nack(context.WithoutCancel(ctx), task.ID, w.cfg.ID, w.now().Add(delay), handleErr.Error()); err != nil {
			return true, errors.Join(handleErr, fmt.Errorf("nack task %s: %w", task.ID, err))
		}
		return true, handleErr
	}

	if err := w.queue.Ack(context.WithoutCancel(ctx), task.ID, w.cfg.ID); err != nil {
		log.WarnContext(ctx, "task_ack_failed", "error", err)
	}
	if handleErr != nil {
		log.ErrorContext(ctx, "task_failed", "error", handleErr)
		return true, handleErr
	}
	log.DebugContext(ctx, "task_done")
	return true, nil
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	var res api.Result
	switch task.Type {
	case taskqueue.TaskTypeStartRun:
		res = w.engine.RunFlow(ctx, task.Product, task.FlowID, task.Payload,
			api.WithRunID(task.RunID),
			api.WithMeta(task.Meta),
			api.WithRequestedBy(task.RequestedBy),
		)
		if errors.Is(res.Err(), api.ErrDuplicateRun) {
			return nil
		}
	case taskqueue.TaskTypeResumeRun:
		if task.Response == nil {
			return api.NewError(api.CodeValidation, "resume-run task %s has no response", task.ID)
		}
		res = w.engine.Resume(ctx, task.RunID, *task.Response)
	case taskqueue.TaskTypeCancelRun:
		res = w.engine.Cancel(ctx, task.RunID, task.Reason)
	default:
		return api.NewError(api.CodeValidation, "unknown task type %q", task.Type)
	}
	return res.Err()
}

// retryable reports whether redelivering the task could change the
// outcome.
func retryable(err error) bool {
	return errors.Is(err, api.ErrPersistenceBusy) || errors.Is(err, api.ErrInternal)
}

// Pool runs a fixed set of Workers over one queue.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger
}

// NewPool creates n workers sharing cfg; each gets its own lease owner id
// derived from cfg.ID.
func NewPool(eng api.Engine, queue taskqueue.Queue, n int, cfg Config) *Pool {
	if n <= 0 {
		n = 1
	}
	base := cfg.withDefaults()
	p := &Pool{logger: base.Logger}
	for i := range n {
		wc := base
		wc.ID = fmt.Sprintf("%s-%d", base.ID, i)
		p.workers = append(p.workers, NewWithConfig(eng, queue, wc))
	}
	return p
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run processes tasks on every worker until ctx ends. Task failures are
// logged and do not stop a worker; Run returns nil on cancellation.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if !processed {
					if ctx.Err() != nil {
						return nil
					}
					if err != nil {
						p.logger.ErrorContext(ctx, "dequeue_failed", "worker", w.ID(), "error", err)
						return err
					}
					continue
				}
				if err != nil {
					p.logger.DebugContext(ctx, "task_error", "worker", w.ID(), "error", err)
				}
			}
		})
	}
	return g.Wait()
}

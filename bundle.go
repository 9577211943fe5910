package runflow

import (
	"context"

	"github.com/petrijr/runflow/internal/persistence"
	"github.com/petrijr/runflow/internal/taskqueue"
	"github.com/petrijr/runflow/pkg/worker"
)

// WorkerBundle wires a Runtime's engine to a task queue and a worker pool
// consuming it.
type WorkerBundle struct {
	Queue taskqueue.Queue
	Pool  *worker.Pool
}

// OpenQueue returns the task queue matching the runtime's store. Durable
// stores get a durable queue next to the runs, so queued starts and
// responses survive a restart together with them; the memory store gets
// an in-memory queue.
func (rt *Runtime) OpenQueue(ctx context.Context) (taskqueue.Queue, error) {
	switch s := rt.Store.(type) {
	case *persistence.SQLiteStore:
		return taskqueue.NewSQLiteQueue(ctx, s.DB())
	case *persistence.PostgresStore:
		return taskqueue.NewPostgresQueue(ctx, s.DB())
	case *persistence.MongoStore:
		return taskqueue.NewMongoQueue(ctx, s.Database())
	case *persistence.RedisStore:
		return taskqueue.NewRedisQueue(s.Client(), s.Prefix()), nil
	default:
		return taskqueue.NewInMemoryQueue(), nil
	}
}

// NewWorkerBundle opens the runtime's queue and a pool of n workers
// (Config.Workers when n <= 0) over it.
func (rt *Runtime) NewWorkerBundle(ctx context.Context, n int, cfg worker.Config) (*WorkerBundle, error) {
	q, err := rt.OpenQueue(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = rt.Config.Workers
	}
	if cfg.Logger == nil {
		cfg.Logger = rt.Logger
	}
	return &WorkerBundle{Queue: q, Pool: worker.NewPool(rt.Engine, q, n, cfg)}, nil
}

// Enqueuer returns a worker usable for enqueueing tasks.
func (b *WorkerBundle) Enqueuer() *worker.Worker {
	return b.Pool.Workers()[0]
}

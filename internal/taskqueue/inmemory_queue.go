package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryQueue is a Queue held in process memory. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	pending  []*entry
	inflight map[string]*entry
	seq      int64
	notify   chan struct{}
	now      func() time.Time
}

type entry struct {
	task       Task
	seq        int64
	owner      string
	leaseUntil time.Time
}

// idleWait bounds how long Dequeue sleeps before re-checking leases.
const idleWait = 50 * time.Millisecond

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		inflight: make(map[string]*entry),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	q.seq++
	q.pending = append(q.pending, &entry{task: t, seq: q.seq})
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		t, wait := q.claim(owner, lease)
		if t != nil {
			return t, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
	}
}

// claim leases the next due task, or reports how long to wait for one.
func (q *InMemoryQueue) claim(owner string, lease time.Duration) (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id, e := range q.inflight {
		if !now.Before(e.leaseUntil) {
			delete(q.inflight, id)
			e.owner = ""
			q.pending = append(q.pending, e)
		}
	}

	wait := idleWait
	best := -1
	for i, e := range q.pending {
		if e.task.NotBefore.After(now) {
			if d := e.task.NotBefore.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		if best < 0 || earlier(e, q.pending[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil, wait
	}

	e := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	e.owner = owner
	e.leaseUntil = now.Add(lease)
	e.task.Attempts++
	q.inflight[e.task.ID] = e

	t := e.task
	return &t, 0
}

func earlier(a, b *entry) bool {
	if !a.task.NotBefore.Equal(b.task.NotBefore) {
		return a.task.NotBefore.Before(b.task.NotBefore)
	}
	return a.seq < b.seq
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[taskID]
	if !ok || e.owner != owner {
		return ErrLeaseLost
	}
	delete(q.inflight, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, reason string) error {
	q.mu.Lock()
	e, ok := q.inflight[taskID]
	if !ok || e.owner != owner {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	delete(q.inflight, taskID)
	e.owner = ""
	e.task.NotBefore = notBefore
	e.task.LastError = reason
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

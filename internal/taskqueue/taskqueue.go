// Package taskqueue delivers run tasks to workers. Delivery is at least
// once: a dequeued task is leased to one owner and comes back when the
// lease expires without an Ack.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/runflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeStartRun  TaskType = "start-run"
	TaskTypeResumeRun TaskType = "resume-run"
	TaskTypeCancelRun TaskType = "cancel-run"
)

// ErrLeaseLost is returned by Ack and Nack when the task is no longer
// leased to the caller.
var ErrLeaseLost = errors.New("taskqueue: lease lost")

// Task is a unit of work for a worker.
type Task struct {
	ID   string   `json:"id"`
	Type TaskType `json:"type"`

	// RunID is chosen at enqueue time for start-run tasks, so a caller
	// knows the id before any worker picks the task up.
	RunID string `json:"run_id"`

	// start-run
	Product     string         `json:"product,omitempty"`
	FlowID      string         `json:"flow_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`

	// resume-run
	Response *api.UserInputResponse `json:"response,omitempty"`

	// cancel-run
	Reason string `json:"reason,omitempty"`

	// Attempts counts deliveries, including the current one.
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest time the task may be delivered. Zero means
	// immediately.
	NotBefore time.Time `json:"not_before"`
}

// Queue is a leased task queue.
type Queue interface {
	// Enqueue adds a task, assigning an ID when empty.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue blocks until a task is due, leases it to owner for lease and
	// returns it. It returns ctx.Err() when ctx ends first.
	Dequeue(ctx context.Context, owner string, lease time.Duration) (*Task, error)

	// Ack removes a leased task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a leased task for redelivery no earlier than notBefore.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, reason string) error

	// Len returns the approximate number of queued and leased tasks.
	Len() int
}

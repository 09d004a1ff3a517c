package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do with a task.
type TaskType string

const (
	// TaskTypeStart creates a new workflow instance and drives it until it
	// parks or finishes.
	TaskTypeStart TaskType = "start"

	// TaskTypeDrive resumes an existing instance, typically after a signal
	// arrived or a retry backoff elapsed.
	TaskTypeDrive TaskType = "drive"
)

// Task represents a unit of work for a worker pool.
type Task struct {
	ID   string
	Type TaskType

	// WorkflowType names the definition for start tasks.
	WorkflowType string

	// InstanceID addresses the instance. For start tasks it is the id the
	// new instance must be created under.
	InstanceID string

	// Payload carries the start input. Drive tasks leave it nil.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible for
	// processing. Zero means immediately.
	NotBefore time.Time

	// Attempt counts deliveries of this task, starting at 1.
	Attempt int
}

// Delivery is a dequeued task that must be settled exactly once with either
// Ack or Nack. An unsettled delivery becomes visible again after the queue's
// visibility timeout, so processing is at-least-once.
type Delivery struct {
	Task Task

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, delay time.Duration) error
}

// Ack marks the task as done. It is not redelivered afterwards.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Nack returns the task to the queue, eligible again after delay.
func (d *Delivery) Nack(ctx context.Context, delay time.Duration) error {
	return d.nack(ctx, delay)
}

// Queue is a named at-least-once task queue.
type Queue interface {
	// Enqueue adds a task. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue blocks until a task is available or ctx is cancelled. The
	// returned delivery stays invisible to other consumers until settled
	// or until the visibility timeout passes.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Len returns the approximate number of tasks queued, including
	// deliveries currently in flight.
	Len() int
}

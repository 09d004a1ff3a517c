package worker

import (
	"context"
	"encoding/gob"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
)

func init() {
	gob.Register(StartPayload{})
}

// StartPayload is the payload of a start task.
type StartPayload struct {
	Input any
}

// DefaultMaxDeliveries bounds how often a task is redelivered before the
// worker drops it.
const DefaultMaxDeliveries = 10

// Worker pulls tasks from one named queue and executes them on an Engine.
// A worker only ever touches instances routed to its queue, so independent
// pools can serve the order and shipping queues without contending.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	logger *slog.Logger

	// NackDelay computes the redelivery delay for a failed task. Defaults
	// to exponential growth off the delivery attempt.
	NackDelay func(attempt int) time.Duration

	// MaxDeliveries overrides DefaultMaxDeliveries.
	MaxDeliveries int
}

// New creates a Worker bound to the given queue.
func New(engine api.Engine, queue taskqueue.Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine:        engine,
		queue:         queue,
		logger:        logger,
		NackDelay:     defaultNackDelay,
		MaxDeliveries: DefaultMaxDeliveries,
	}
}

func defaultNackDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// EnqueueStart enqueues a task that creates and drives a new instance.
func (w *Worker) EnqueueStart(ctx context.Context, workflowType, instanceID string, input any) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:         taskqueue.TaskTypeStart,
		WorkflowType: workflowType,
		InstanceID:   instanceID,
		Payload:      StartPayload{Input: input},
	})
}

// EnqueueDrive enqueues a task that resumes an existing instance, no earlier
// than at (zero means immediately).
func (w *Worker) EnqueueDrive(ctx context.Context, workflowType, instanceID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:         taskqueue.TaskTypeDrive,
		WorkflowType: workflowType,
		InstanceID:   instanceID,
		NotBefore:    at,
	})
}

// ProcessOne pulls a single task and settles it. Returns false only when the
// context ended before a task was obtained.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	delivery, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	task := delivery.Task

	err = w.handle(ctx, task)
	if err == nil {
		return true, delivery.Ack(ctx)
	}

	if !retryable(err) {
		// Business-terminal or permanently broken: redelivery cannot help.
		w.logger.Error("task failed permanently",
			"queue_task", task.Type, "instance", task.InstanceID, "error", err)
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			return true, ackErr
		}
		return true, err
	}

	max := w.MaxDeliveries
	if max <= 0 {
		max = DefaultMaxDeliveries
	}
	if task.Attempt >= max {
		w.logger.Error("task dropped after repeated redelivery",
			"queue_task", task.Type, "instance", task.InstanceID, "attempt", task.Attempt, "error", err)
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			return true, ackErr
		}
		return true, err
	}

	delay := w.NackDelay(task.Attempt)
	w.logger.Warn("task redelivery scheduled",
		"queue_task", task.Type, "instance", task.InstanceID, "attempt", task.Attempt,
		"delay", delay, "error", err)
	if nackErr := delivery.Nack(ctx, delay); nackErr != nil {
		return true, nackErr
	}
	return true, err
}

func (w *Worker) handle(ctx context.Context, task taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeStart:
		payload, ok := task.Payload.(StartPayload)
		if !ok {
			return errors.New("invalid payload type for start task")
		}
		_, err := w.engine.Start(ctx, task.WorkflowType, task.InstanceID, payload.Input)
		if api.IsConflict(err) {
			// Redelivered start: the instance exists, just drive it.
			return w.engine.Drive(ctx, task.InstanceID)
		}
		return err

	case taskqueue.TaskTypeDrive:
		return w.engine.Drive(ctx, task.InstanceID)

	default:
		return errors.New("unknown task type: " + string(task.Type))
	}
}

// retryable reports whether redelivering the task can change the outcome.
func retryable(err error) bool {
	if errors.Is(err, api.ErrInstanceNotFound) || errors.Is(err, api.ErrInstanceTerminal) {
		return false
	}
	if api.IsRejection(err) {
		return false
	}
	// Conflicts stay retryable: a sequence collision means another writer
	// advanced the log, and the next drive replays past it.
	return true
}

// Run consumes tasks with the given number of goroutines until ctx ends.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if !processed {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					return err
				}
				// Per-task errors are settled via ack/nack; keep going.
			}
		})
	}
	return g.Wait()
}

package taskqueue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// DefaultVisibilityTimeout is how long a dequeued task stays invisible
// before an unsettled delivery is returned to the queue.
const DefaultVisibilityTimeout = 30 * time.Second

// InMemoryQueue is a Queue implementation backed by an in-process buffer.
// It is safe for concurrent use.
type InMemoryQueue struct {
	name       string
	visibility time.Duration

	mu       sync.Mutex
	ready    []Task
	inflight map[string]*time.Timer
	nextID   int64
	wake     chan struct{}
}

// NewInMemoryQueue creates a new queue with the given name.
func NewInMemoryQueue(name string) *InMemoryQueue {
	return &InMemoryQueue{
		name:       name,
		visibility: DefaultVisibilityTimeout,
		inflight:   make(map[string]*time.Timer),
		wake:       make(chan struct{}, 1),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

// SetVisibilityTimeout overrides how long unsettled deliveries stay
// invisible. Useful in tests that exercise redelivery.
func (q *InMemoryQueue) SetVisibilityTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibility = d
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	q.ready = append(q.ready, t)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popReady returns the first eligible task, or nil and the wait until the
// earliest NotBefore among ineligible tasks (zero when the queue is empty).
func (q *InMemoryQueue) popReady() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var wait time.Duration
	for i, t := range q.ready {
		if t.NotBefore.After(now) {
			d := t.NotBefore.Sub(now)
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		q.ready = append(q.ready[:i:i], q.ready[i+1:]...)
		return &t, 0
	}
	return nil, wait
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		t, wait := q.popReady()
		if t != nil {
			return q.deliver(*t), nil
		}

		// With nothing queued at all, wait only for a wake-up.
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

func (q *InMemoryQueue) deliver(t Task) *Delivery {
	q.mu.Lock()
	q.nextID++
	tag := q.name + "/" + strconv.FormatInt(q.nextID, 10)
	visibility := q.visibility

	// Unsettled deliveries come back after the visibility timeout.
	timer := time.AfterFunc(visibility, func() {
		q.mu.Lock()
		if _, ok := q.inflight[tag]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.inflight, tag)
		redelivered := t
		redelivered.Attempt++
		q.ready = append(q.ready, redelivered)
		q.mu.Unlock()
		q.signal()
	})
	q.inflight[tag] = timer
	q.mu.Unlock()

	return &Delivery{
		Task: t,
		ack: func(ctx context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			if tm, ok := q.inflight[tag]; ok {
				tm.Stop()
				delete(q.inflight, tag)
			}
			return nil
		},
		nack: func(ctx context.Context, delay time.Duration) error {
			q.mu.Lock()
			tm, ok := q.inflight[tag]
			if !ok {
				q.mu.Unlock()
				return nil
			}
			tm.Stop()
			delete(q.inflight, tag)
			redelivered := t
			redelivered.Attempt++
			redelivered.NotBefore = time.Now().Add(delay)
			q.ready = append(q.ready, redelivered)
			q.mu.Unlock()
			q.signal()
			return nil
		},
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue is a Queue implementation backed by a RabbitMQ work queue. The
// queue name doubles as the routing key on the default exchange.
//
// Task bodies travel as gob (EncodeTask), so payload concrete types must be
// registered with gob.Register on both ends.
//
// Broker redelivery of unacked messages covers the visibility contract;
// Nack with a delay is emulated by acking the original delivery and
// republishing the task with NotBefore set.
type AMQPQueue struct {
	name     string
	prefetch int

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// NewAMQPQueue declares a durable queue with the given name on the channel
// and returns a Queue bound to it.
func NewAMQPQueue(ch *amqp.Channel, name string, prefetch int) (*AMQPQueue, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}

	return &AMQPQueue{name: name, prefetch: prefetch, ch: ch}, nil
}

var _ Queue = (*AMQPQueue)(nil)

func (q *AMQPQueue) publish(ctx context.Context, t Task) error {
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.ch.PublishWithContext(ctx,
		"",     // default exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/x-gob",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (q *AMQPQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	return q.publish(ctx, t)
}

func (q *AMQPQueue) consumeChan() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, nil
	}
	if err := q.ch.Qos(q.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := q.ch.Consume(
		q.name,
		"",    // consumer tag, broker-assigned
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.name, err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	deliveries, err := q.consumeChan()
	if err != nil {
		return nil, err
	}

	for {
		var raw amqp.Delivery
		var ok bool
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case raw, ok = <-deliveries:
			if !ok {
				return nil, amqp.ErrClosed
			}
		}

		task, err := DecodeTask(raw.Body)
		if err != nil {
			// Undecodable message: drop it rather than loop forever.
			_ = raw.Nack(false, false)
			return nil, err
		}

		// Delay-scheduled tasks come right back from the broker; hold the
		// delivery until it is due.
		if wait := time.Until(task.NotBefore); wait > 0 {
			select {
			case <-ctx.Done():
				_ = raw.Nack(false, true)
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		return &Delivery{
			Task: *task,
			ack: func(ctx context.Context) error {
				return raw.Ack(false)
			},
			nack: func(ctx context.Context, delay time.Duration) error {
				redelivered := *task
				redelivered.Attempt++
				redelivered.NotBefore = time.Now().Add(delay)
				if err := q.publish(ctx, redelivered); err != nil {
					// Keep the original so the task is not lost.
					return raw.Nack(false, true)
				}
				return raw.Ack(false)
			},
		}, nil
	}
}

// Len reports the broker's ready-message count. In-flight deliveries are not
// included; the broker does not expose them per queue.
func (q *AMQPQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		return 0
	}
	return state.Messages
}

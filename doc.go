// Package orderflow provides a durable, crash-recoverable workflow engine for
// order fulfillment.
//
// Orderflow hosts event-sourced state machines: every control-flow decision an
// instance makes is captured as an event in an append-only log, and instance
// state is always a deterministic fold over that log. A process can die at any
// point and another worker picks the instance up, replays its history, and
// continues exactly where it left off, without re-running side effects that
// already happened.
//
// # Core Concepts
//
//  1. Engine
//  2. Workflow definitions
//  3. Activities and the operation ledger
//  4. Signals
//  5. Task queues and Workers
//
// # Engine
//
// The Engine persists instances, drives their state machines, and provides
// APIs to start instances, deliver signals, and read state and history.
// Engines can be backed by in-memory stores (tests), SQLite (embedded
// durability), or PostgreSQL.
//
// A lease per instance guarantees a single writer: two workers may race to
// drive the same instance, but only the lease holder appends events, and the
// log's sequence numbers reject any write that lost the race.
//
// # Workflow definitions
//
// A workflow is a named state machine: an initial state, a handler per state,
// and a set of activities. Handlers are deterministic; everything
// non-deterministic (activity results, signal payloads) flows through the
// Step interface and is recorded in the log the first time it happens.
//
// The built-in fulfillment workflows model the order domain:
//
//	Created -> Validating -> AwaitingApproval -> PaymentPending
//	        -> ShippingInProgress -> Completed
//
// with a shipping child workflow spawned per dispatch attempt.
//
// # Activities and the operation ledger
//
// Activities are the only place side effects happen. Each execution is gated
// by an idempotency key through the operation ledger: a completed operation is
// never re-run, its recorded result is returned instead, and the retry budget
// survives crashes. Transient failures retry with exponential backoff;
// business rejections fail fast.
//
// # Signals
//
// Signals are out-of-band messages (approve, cancel, update-address) delivered
// at-least-once into an instance's inbox and deduplicated by key. Each state
// declares how it treats each signal kind: buffer it, absorb it in place,
// interrupt to another state, or reject it outright.
//
// # Task queues and Workers
//
// Instances run on named task queues ("orders", "shipping"). Workers dequeue
// start and drive tasks, call into the engine, and ack or nack with backoff.
// Queue backends include in-memory, SQLite, and AMQP.
//
// For single-process setups, LocalRunner wires all of the above together; for
// durable setups, NewSQLiteBundle shares one database between engine, queues,
// and business records, and NewAMQPBundle moves the queues onto a RabbitMQ
// broker.
package orderflow

package api

import "context"

// Engine hosts workflow state machines and drives their instances.
//
// Each instance is advanced by at most one worker at a time: Drive acquires a
// store lease before touching the event log, so concurrent workers are safe
// and every instance behaves as a single-threaded cooperative state machine.
type Engine interface {
	// RegisterWorkflow registers a state machine definition by type.
	RegisterWorkflow(def WorkflowDefinition) error

	// Start creates an instance with the caller-chosen id and drives it
	// until it parks or terminates. Returns a ConflictError if the id is
	// already taken.
	Start(ctx context.Context, workflowType, instanceID string, input any) (*WorkflowInstance, error)

	// Signal delivers a signal into the instance's inbox and drives the
	// instance. Returns ErrInstanceNotFound for unknown instances, an error
	// for signals rejected in the current state, and nil for deduplicated
	// redeliveries.
	Signal(ctx context.Context, instanceID string, kind SignalKind, key string, payload any) error

	// Drive advances an instance: replays its event log and runs state
	// handlers until the instance parks on a signal or reaches a terminal
	// state. Safe to call repeatedly and after crashes.
	Drive(ctx context.Context, instanceID string) error

	// GetInstance returns the instance snapshot as of the last durably
	// applied event.
	GetInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// History returns the instance's event log in sequence order.
	History(ctx context.Context, instanceID string) ([]Event, error)

	// ListInstances returns instance snapshots matching the options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// RecoverStuckInstances re-enqueues a drive task for every instance
	// still marked RUNNING, for example after a process crash. It is meant
	// to be called on startup before workers accept new work. Returns the
	// number of instances re-enqueued.
	RecoverStuckInstances(ctx context.Context) (int, error)
}

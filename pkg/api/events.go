package api

import "time"

// EventKind identifies a history event in an instance's event log.
type EventKind string

const (
	EventStateEntered      EventKind = "state.entered"
	EventActivityStarted   EventKind = "activity.started"
	EventActivityCompleted EventKind = "activity.completed"
	EventActivityFailed    EventKind = "activity.failed"
	EventSignalReceived    EventKind = "signal.received"
	EventChildSpawned      EventKind = "child.spawned"
	EventChildReported     EventKind = "child.reported"
)

// Event is one record in an instance's append-only history. The event log is
// the sole source of truth for control flow: instance state is always a
// deterministic fold over events, never mutated directly.
//
// Seq is monotonic per instance and assigned by the engine before append.
// Any non-deterministic data (activity results, signal payloads, the initial
// input) is captured in Payload at the moment it first occurred so that
// replay never recomputes it.
type Event struct {
	InstanceID string
	Seq        int64
	Kind       EventKind
	At         time.Time

	// State is set on EventStateEntered: the state being entered.
	State string

	// Activity fields, set on activity events.
	Activity string
	Key      string // idempotency key (activity events) or dedup key (signal events)
	Attempt  int

	// Signal is set on EventSignalReceived and EventChildReported.
	Signal SignalKind

	// Payload carries the event-specific data: initial input on the first
	// StateEntered, activity result on ActivityCompleted, signal payload on
	// SignalReceived/ChildReported, child id on ChildSpawned.
	Payload any

	// Err holds the failure message on EventActivityFailed.
	Err string

	// Final marks the ActivityFailed event that exhausted the retry budget.
	Final bool
}

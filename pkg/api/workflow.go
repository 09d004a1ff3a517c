package api

import (
	"context"
	"time"
)

// Status represents the lifecycle status of a workflow instance as seen by
// status queries. It is derived from the durably-applied event log, never
// from an in-flight attempt.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Well-known terminal states shared by all machines hosted on the engine.
// A state with no registered handler is terminal; these three additionally
// map onto the corresponding Status values.
const (
	StateCompleted = "Completed"
	StateCancelled = "Cancelled"
	StateFailed    = "Failed"
)

// StatusForState maps a state name to an instance Status, assuming the
// instance is neither waiting nor mid-drive.
func StatusForState(state string, terminal bool) Status {
	switch state {
	case StateCompleted:
		return StatusCompleted
	case StateCancelled:
		return StatusCancelled
	case StateFailed:
		return StatusFailed
	}
	if terminal {
		return StatusCompleted
	}
	return StatusRunning
}

// RetryPolicy controls how an activity is retried when it returns a
// transient error. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Backoff between attempts is exponential: InitialBackoff grows by
// BackoffMultiplier (default 2.0) each attempt, capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy mirrors the activity configuration the system was
// designed around: three attempts, 1s initial delay doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ActivityFunc is a side-effecting business operation invoked by the
// activity executor. Input and result must be gob-encodable; the result is
// captured in the event log and returned verbatim on replay.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityRequest describes one activity execution requested by a state
// handler.
type ActivityRequest struct {
	Name  string
	Input any

	// IdempotencyKey gates the side effect through the operation ledger so
	// redelivery and crash-recovery never re-run a successful call. It also
	// keys the recorded result for replay.
	IdempotencyKey string

	// Retry overrides the engine's default retry policy when non-nil.
	Retry *RetryPolicy
}

// ChildSpec describes a child workflow instance to spawn. The parent records
// only the child's instance id (a weak reference); all child-to-parent
// communication flows through the signal dispatcher.
type ChildSpec struct {
	WorkflowType string
	InstanceID   string
	Input        any
}

// Step is the capability surface handed to state handlers. All methods are
// replay-aware: a completed activity returns its recorded result without
// re-executing, and a spawned child is not spawned twice.
type Step interface {
	// ExecuteActivity runs (or replays) an activity and returns its result.
	// Transient failures are retried per policy; a BusinessRejection or
	// RetryExhaustedError is returned for the handler to branch on.
	ExecuteActivity(ctx context.Context, req ActivityRequest) (any, error)

	// WaitSignal consumes the oldest buffered signal matching one of kinds,
	// or parks the instance by returning an await error (which the handler
	// must propagate).
	WaitSignal(kinds ...SignalKind) (*Signal, error)

	// SpawnChild starts a child instance on the child workflow's task queue
	// and records the reference as a ChildSpawned event. Idempotent under
	// replay.
	SpawnChild(spec ChildSpec) error
}

// StateHandler drives an instance while it is in one state. It returns the
// next state to enter. Handlers must be deterministic given the instance
// state: side effects go through Step, which captures their outcomes as
// events.
type StateHandler func(ctx context.Context, step Step, st *InstanceState) (next string, err error)

// ApplyFunc folds one event into the machine's domain facts (st.Vars). It
// must be pure: same event sequence, same vars, regardless of wall clock or
// machine.
type ApplyFunc func(st *InstanceState, ev Event)

// WorkflowDefinition describes a state machine hosted by the engine.
type WorkflowDefinition struct {
	// Type names the workflow, e.g. "order" or "shipping".
	Type string

	// Queue is the task queue this workflow's instances run on.
	Queue string

	// Initial is the state entered on start.
	Initial string

	// States maps state names to handlers. States without a handler
	// (Completed, Cancelled, Failed) are terminal.
	States map[string]StateHandler

	// Activities maps activity names to their implementations.
	Activities map[string]ActivityFunc

	// Apply folds domain facts from events. Optional.
	Apply ApplyFunc

	// Signals decides signal dispositions per state. Nil buffers everything.
	Signals SignalPolicyFunc

	// DefaultRetry applies to activities without an explicit policy.
	DefaultRetry RetryPolicy
}

// Terminal reports whether state has no handler in the definition.
func (d WorkflowDefinition) Terminal(state string) bool {
	_, ok := d.States[state]
	return !ok
}

// InstanceState is the deterministic fold of an instance's event log. It is
// owned exclusively by the engine while a lease is held and rebuilt from
// events on every drive.
type InstanceState struct {
	InstanceID   string
	WorkflowType string
	ParentID     string

	// Current is the state most recently entered.
	Current string

	// LastSeq is the sequence number of the last folded event.
	LastSeq int64

	// Input is the payload captured on the first StateEntered event.
	Input any

	// Vars holds machine-owned domain facts folded by ApplyFunc.
	Vars map[string]any

	// ActivityResults maps idempotency keys to recorded results.
	ActivityResults map[string]any

	// ActivityAttempts counts started attempts per idempotency key, so the
	// retry budget holds across crashes.
	ActivityAttempts map[string]int

	// ActivityFailures maps idempotency keys to the message of their final
	// failure. Replay surfaces these without re-running the activity.
	ActivityFailures map[string]string

	// Children maps spawned child instance ids to their reported terminal
	// status ("" until the child reports).
	Children map[string]string

	// StateSignals are the signals already consumed since Current was
	// entered, in consumption order. WaitSignal serves these on replay
	// before looking at the live inbox, so a crash between consuming a
	// signal and the next transition cannot lose it.
	StateSignals []Signal

	// LastError is the message of the most recent final activity failure.
	LastError string
}

// NewInstanceState returns an empty fold for the given instance.
func NewInstanceState(instanceID, workflowType, parentID string) *InstanceState {
	return &InstanceState{
		InstanceID:       instanceID,
		WorkflowType:     workflowType,
		ParentID:         parentID,
		Vars:             make(map[string]any),
		ActivityResults:  make(map[string]any),
		ActivityAttempts: make(map[string]int),
		ActivityFailures: make(map[string]string),
		Children:         make(map[string]string),
	}
}

// WorkflowInstance is the queryable snapshot of an instance: the last
// durably-applied state, never an uncommitted attempt.
type WorkflowInstance struct {
	ID           string
	WorkflowType string
	Status       Status
	State        string
	LastSeq      int64
	ParentID     string
	Input        any
	Output       any
	Err          string
}

// InstanceListOptions controls how instances are listed. Zero values mean
// "no filter" for that field.
type InstanceListOptions struct {
	WorkflowType string
	Status       Status
}

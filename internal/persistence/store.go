package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// ErrInstanceNotFound is returned when a workflow instance is not found.
var ErrInstanceNotFound = errors.New("instance not found")

// InstanceFilter is used to select instance snapshots from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowType string
	Status       api.Status
}

// InstanceStore handles storage of workflow instance snapshots and the
// per-instance leases that give each instance a single writer.
type InstanceStore interface {
	// SaveInstance creates a snapshot row. It returns a ConflictError if the
	// instance id is already taken.
	SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// instance. If the instance is currently leased by another owner and the
	// lease has not expired, it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// EventStore is the append-only per-instance history used to reconstruct
// state after a crash. Events carry their sequence numbers; appending an
// event whose (instance, seq) already exists fails with a ConflictError.
type EventStore interface {
	AppendEvents(ctx context.Context, instanceID string, events []api.Event) error
	ListEvents(ctx context.Context, instanceID string) ([]api.Event, error)
}

// BeginOutcome is the result of LedgerStore.Begin.
type BeginOutcome int

const (
	// BeginFresh permits the caller to execute the side effect; the record
	// is now InProgress and owned by this caller.
	BeginFresh BeginOutcome = iota

	// BeginInProgress means another caller holds the record; wait and retry
	// later rather than double-executing.
	BeginInProgress

	// BeginCompleted short-circuits: the stored result is returned without
	// re-executing the side effect.
	BeginCompleted
)

// BeginResult carries the outcome of a Begin call.
type BeginResult struct {
	Outcome  BeginOutcome
	Result   any
	Attempts int
}

// OpStatus is the status of an idempotent operation record.
type OpStatus string

const (
	OpInProgress OpStatus = "IN_PROGRESS"
	OpSucceeded  OpStatus = "SUCCEEDED"
	OpFailed     OpStatus = "FAILED"
)

// OperationRecord is the persisted outcome of a side-effecting call keyed by
// a caller-supplied idempotency key. For a given key the underlying side
// effect executes at most once with a successful terminal status.
type OperationRecord struct {
	Key       string
	Status    OpStatus
	Result    any
	Err       string
	Attempts  int
	UpdatedAt time.Time
}

// LedgerStore records outcomes of side-effecting calls so re-execution after
// a crash or redelivery never repeats a completed side effect.
//
// Exactly one caller transitions a key to InProgress at a time; a Failed
// record is claimable again (the retry re-begins it), and an InProgress
// record older than the store's staleness TTL is treated as abandoned by a
// crashed worker and becomes claimable.
type LedgerStore interface {
	Begin(ctx context.Context, key string) (BeginResult, error)
	Complete(ctx context.Context, key string, result any) error
	Fail(ctx context.Context, key string, opErr error) error
	GetOperation(ctx context.Context, key string) (*OperationRecord, error)
}

// SignalStore is the per-instance ordered signal inbox.
type SignalStore interface {
	// Append stores a signal and assigns its per-instance order. It returns
	// accepted=false when the signal is a deduplicated redelivery (same
	// instance, kind and non-empty dedup key as an earlier signal).
	Append(ctx context.Context, sig *api.Signal) (accepted bool, err error)

	// Pending returns the instance's unconsumed signals in send order.
	Pending(ctx context.Context, instanceID string) ([]api.Signal, error)

	// MarkConsumed removes a signal from the pending set.
	MarkConsumed(ctx context.Context, instanceID string, signalID int64) error
}

// Persistence bundles the stores so the engine can depend on a single
// abstraction.
type Persistence struct {
	Instances InstanceStore
	Events    EventStore
	Ledger    LedgerStore
	Signals   SignalStore
}

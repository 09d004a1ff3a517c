package api

import (
	"encoding/gob"
	"time"
)

// SignalKind identifies an out-of-band message delivered into a running
// instance's inbox.
type SignalKind string

const (
	SignalApprove             SignalKind = "approve"
	SignalCancel              SignalKind = "cancel"
	SignalUpdateAddress       SignalKind = "update-address"
	SignalChildCompleted      SignalKind = "child-completed"
	SignalChildDispatchFailed SignalKind = "child-dispatch-failed"
)

// Signal is an asynchronous, externally-originated message. Delivery into the
// inbox is at-least-once; the dispatcher deduplicates by (instance, kind,
// dedup key) when Key is non-empty, so re-sending an approve is a no-op.
//
// ID is assigned by the signal store and orders signals per instance; signals
// across different instances have no ordering guarantee.
type Signal struct {
	ID         int64
	InstanceID string
	Kind       SignalKind
	Key        string
	Payload    any
	ReceivedAt time.Time
}

// ChildReport is the payload of the signal the engine sends a parent when one
// of its children reaches a terminal state.
type ChildReport struct {
	ChildID string
	State   string
	Status  Status
	Output  any
	Err     string
}

func init() {
	gob.Register(ChildReport{})
}

// DispositionKind says what the engine does with a delivered signal given the
// instance's current state.
type DispositionKind int

const (
	// DispositionBuffer keeps the signal in the inbox until the instance
	// reaches a state that consumes it.
	DispositionBuffer DispositionKind = iota

	// DispositionAbsorb applies the signal (as a SignalReceived event folded
	// by the machine) without a state change. Used for address updates.
	DispositionAbsorb

	// DispositionInterrupt applies the signal and transitions the instance
	// to the disposition's Target state. Used for cancellation.
	DispositionInterrupt

	// DispositionReject refuses the signal in the current state; the sender
	// receives an error. Used once an irreversible side effect has begun.
	DispositionReject
)

// SignalDisposition pairs a DispositionKind with its target state (only for
// DispositionInterrupt).
type SignalDisposition struct {
	Kind   DispositionKind
	Target string
}

func Buffer() SignalDisposition { return SignalDisposition{Kind: DispositionBuffer} }
func Absorb() SignalDisposition { return SignalDisposition{Kind: DispositionAbsorb} }

func InterruptTo(state string) SignalDisposition {
	return SignalDisposition{Kind: DispositionInterrupt, Target: state}
}
func RejectSignal() SignalDisposition { return SignalDisposition{Kind: DispositionReject} }

// SignalPolicyFunc decides the disposition of a signal kind in a given state.
// A nil policy buffers everything.
type SignalPolicyFunc func(state string, kind SignalKind) SignalDisposition

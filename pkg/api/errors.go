package api

import (
	"errors"
	"fmt"
)

// ErrInstanceNotFound is returned when no workflow instance exists under the
// requested id.
var ErrInstanceNotFound = errors.New("workflow instance not found")

// ErrInstanceTerminal is returned when an operation addresses an instance
// that already reached a terminal state.
var ErrInstanceTerminal = errors.New("workflow instance is terminal")

// ErrSignalRejected is returned when a signal is refused in the instance's
// current state, for example a cancel after the carrier was dispatched.
var ErrSignalRejected = errors.New("signal rejected in current state")

// ConflictError reports a uniqueness violation: a duplicate instance id, or
// an event sequence number that is already taken.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// TransientError marks a failure as retryable. Unclassified errors are
// treated as transient too; wrapping just makes the intent explicit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf is Transient with formatting.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BusinessRejection is a terminal domain refusal, such as a declined card or
// an invalid order. It is never retried.
type BusinessRejection struct {
	Reason string
}

func (e *BusinessRejection) Error() string { return e.Reason }

// Reject creates a BusinessRejection with the given reason.
func Reject(reason string) error {
	return &BusinessRejection{Reason: reason}
}

// Rejectf is Reject with formatting.
func Rejectf(format string, args ...any) error {
	return &BusinessRejection{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a BusinessRejection.
func IsRejection(err error) bool {
	var br *BusinessRejection
	return errors.As(err, &br)
}

// RetryExhaustedError reports that an activity failed on every allowed
// attempt. It wraps the last attempt's error.
type RetryExhaustedError struct {
	Activity string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %v", e.Activity, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// IsRetryExhausted reports whether err is a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}

// awaitSignalError is the sentinel a state handler returns from WaitSignal
// when no matching signal is buffered yet. The engine parks the instance
// instead of treating it as a failure.
type awaitSignalError struct {
	kinds []SignalKind
}

func (e *awaitSignalError) Error() string {
	return fmt.Sprintf("awaiting signal %v", e.kinds)
}

// NewAwaitSignal creates the park sentinel for the given signal kinds.
func NewAwaitSignal(kinds ...SignalKind) error {
	return &awaitSignalError{kinds: kinds}
}

// IsAwaitSignal reports whether err is the park sentinel, returning the
// awaited kinds.
func IsAwaitSignal(err error) ([]SignalKind, bool) {
	var ae *awaitSignalError
	if errors.As(err, &ae) {
		return ae.kinds, true
	}
	return nil, false
}

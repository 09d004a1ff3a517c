package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/pkg/api"
)

// recordingRecorder captures the durable facts an execution produced.
type recordingRecorder struct {
	started   []int
	failed    []int
	finals    []bool
	completed int
	result    any
}

func (r *recordingRecorder) AttemptStarted(ctx context.Context, name, key string, attempt int) error {
	r.started = append(r.started, attempt)
	return nil
}

func (r *recordingRecorder) AttemptFailed(ctx context.Context, name, key string, attempt int, final bool, cause error) error {
	r.failed = append(r.failed, attempt)
	r.finals = append(r.finals, final)
	return nil
}

func (r *recordingRecorder) Completed(ctx context.Context, name, key string, attempt int, result any) error {
	r.completed++
	r.result = result
	return nil
}

func newTestExecutor(t *testing.T, faults FaultInjector) (*Executor, *persistence.InMemoryStore) {
	t.Helper()
	store := persistence.NewInMemoryStore()
	ex := NewExecutor(store, faults, nil, nil)
	ex.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return ex, store
}

func chargeRequest(fn api.ActivityFunc) Request {
	return Request{
		InstanceID: "ord-1",
		Name:       "ChargePayment",
		Key:        "ord-1/charge",
		Fn:         fn,
		Retry:      api.DefaultRetryPolicy(),
	}
}

func TestExecutor_SuccessFirstAttempt(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	calls := 0
	rec := &recordingRecorder{}
	result, err := ex.Execute(context.Background(), chargeRequest(func(ctx context.Context, input any) (any, error) {
		calls++
		return "pay-1", nil
	}), rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "pay-1" {
		t.Fatalf("expected pay-1, got %v", result)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(rec.started) != 1 || rec.completed != 1 || len(rec.failed) != 0 {
		t.Fatalf("unexpected recording: %+v", rec)
	}
}

func TestExecutor_StoredResultSkipsSideEffect(t *testing.T) {
	ex, store := newTestExecutor(t, nil)
	ctx := context.Background()

	// A previous run already charged the payment.
	if res, err := store.Begin(ctx, "ord-1/charge"); err != nil || res.Outcome != persistence.BeginFresh {
		t.Fatalf("seed Begin: res=%+v err=%v", res, err)
	}
	if err := store.Complete(ctx, "ord-1/charge", "pay-original"); err != nil {
		t.Fatalf("seed Complete: %v", err)
	}

	calls := 0
	rec := &recordingRecorder{}
	result, err := ex.Execute(ctx, chargeRequest(func(ctx context.Context, input any) (any, error) {
		calls++
		return "pay-second-charge", nil
	}), rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "pay-original" {
		t.Fatalf("expected stored result, got %v", result)
	}
	if calls != 0 {
		t.Fatalf("side effect ran %d times, expected 0", calls)
	}
	if rec.completed != 1 {
		t.Fatalf("expected completion recorded, got %+v", rec)
	}
}

func TestExecutor_TransientFailuresRetryThenSucceed(t *testing.T) {
	faults := NewScriptedFaults()
	faults.FailNext("ChargePayment",
		api.Transient(errors.New("gateway timeout")),
		api.Transient(errors.New("gateway timeout")),
	)
	ex, _ := newTestExecutor(t, faults)

	calls := 0
	rec := &recordingRecorder{}
	result, err := ex.Execute(context.Background(), chargeRequest(func(ctx context.Context, input any) (any, error) {
		calls++
		return "pay-3", nil
	}), rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "pay-3" {
		t.Fatalf("expected pay-3, got %v", result)
	}
	// Injected faults preempt the real call on attempts 1 and 2.
	if calls != 1 {
		t.Fatalf("expected 1 real call, got %d", calls)
	}
	if len(rec.started) != 3 {
		t.Fatalf("expected 3 attempts recorded, got %v", rec.started)
	}
	if len(rec.failed) != 2 || rec.finals[0] || rec.finals[1] {
		t.Fatalf("expected 2 non-final failures, got failed=%v finals=%v", rec.failed, rec.finals)
	}
}

func TestExecutor_BudgetExhaustion(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	calls := 0
	rec := &recordingRecorder{}
	_, err := ex.Execute(context.Background(), chargeRequest(func(ctx context.Context, input any) (any, error) {
		calls++
		return nil, api.Transient(errors.New("still down"))
	}), rec)

	if !api.IsRetryExhausted(err) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	var exhausted *api.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("errors.As failed on %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", exhausted.Attempts)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
	if len(rec.failed) != 3 || !rec.finals[2] {
		t.Fatalf("expected final flag on last failure: failed=%v finals=%v", rec.failed, rec.finals)
	}
}

func TestExecutor_BusinessRejectionNeverRetries(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	calls := 0
	rec := &recordingRecorder{}
	_, err := ex.Execute(context.Background(), chargeRequest(func(ctx context.Context, input any) (any, error) {
		calls++
		return nil, api.Reject("card declined")
	}), rec)

	if !api.IsRejection(err) {
		t.Fatalf("expected BusinessRejection, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(rec.failed) != 1 || !rec.finals[0] {
		t.Fatalf("rejection must be recorded final: %+v", rec)
	}
}

func TestExecutor_PriorAttemptsShrinkBudget(t *testing.T) {
	ex, _ := newTestExecutor(t, nil)

	calls := 0
	rec := &recordingRecorder{}
	req := chargeRequest(func(ctx context.Context, input any) (any, error) {
		calls++
		return nil, api.Transient(errors.New("still down"))
	})
	// Two attempts happened before the crash; only one remains.
	req.PriorAttempts = 2

	_, err := ex.Execute(context.Background(), req, rec)
	if !api.IsRetryExhausted(err) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call after restart, got %d", calls)
	}
	if len(rec.started) != 1 || rec.started[0] != 3 {
		t.Fatalf("expected attempt numbered 3, got %v", rec.started)
	}
}

func TestExecutor_SpentBudgetAdoptsStoredResult(t *testing.T) {
	ex, store := newTestExecutor(t, nil)
	ctx := context.Background()

	// The final allowed attempt charged the payment, but its worker died
	// before the completion reached the event log.
	if res, err := store.Begin(ctx, "ord-1/charge"); err != nil || res.Outcome != persistence.BeginFresh {
		t.Fatalf("seed Begin: res=%+v err=%v", res, err)
	}
	if err := store.Complete(ctx, "ord-1/charge", "charged-42"); err != nil {
		t.Fatalf("seed Complete: %v", err)
	}

	calls := 0
	rec := &recordingRecorder{}
	req := chargeRequest(func(ctx context.Context, input any) (any, error) {
		calls++
		return "charged-again", nil
	})
	req.PriorAttempts = 3

	result, err := ex.Execute(ctx, req, rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "charged-42" {
		t.Fatalf("expected stored result, got %v", result)
	}
	if calls != 0 {
		t.Fatalf("side effect ran %d times, expected 0", calls)
	}
	if rec.completed != 1 || rec.result != "charged-42" {
		t.Fatalf("expected stored completion recorded, got %+v", rec)
	}
}

func TestExecutor_SpentBudgetKeepsLastFailure(t *testing.T) {
	ex, store := newTestExecutor(t, nil)
	ctx := context.Background()

	// Three attempts failed before the crash; nothing succeeded.
	if res, err := store.Begin(ctx, "ord-1/charge"); err != nil || res.Outcome != persistence.BeginFresh {
		t.Fatalf("seed Begin: res=%+v err=%v", res, err)
	}
	if err := store.Fail(ctx, "ord-1/charge", errors.New("gateway timeout")); err != nil {
		t.Fatalf("seed Fail: %v", err)
	}

	calls := 0
	rec := &recordingRecorder{}
	req := chargeRequest(func(ctx context.Context, input any) (any, error) {
		calls++
		return nil, nil
	})
	req.PriorAttempts = 3

	_, err := ex.Execute(ctx, req, rec)
	var exhausted *api.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if exhausted.Err == nil {
		t.Fatalf("exhaustion must carry the stored failure, got %v", exhausted)
	}
	if calls != 0 {
		t.Fatalf("side effect ran %d times, expected 0", calls)
	}
	op, opErr := store.GetOperation(ctx, "ord-1/charge")
	if opErr != nil || op == nil || op.Status != persistence.OpFailed {
		t.Fatalf("claim must be released: op=%+v err=%v", op, opErr)
	}
}

func TestExecutor_InFlightClaimBlocks(t *testing.T) {
	ex, store := newTestExecutor(t, nil)
	ctx := context.Background()

	// Another worker holds the claim.
	if res, err := store.Begin(ctx, "ord-1/charge"); err != nil || res.Outcome != persistence.BeginFresh {
		t.Fatalf("seed Begin: res=%+v err=%v", res, err)
	}

	rec := &recordingRecorder{}
	_, err := ex.Execute(ctx, chargeRequest(func(ctx context.Context, input any) (any, error) {
		t.Fatal("side effect must not run")
		return nil, nil
	}), rec)

	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	if len(rec.started) != 0 {
		t.Fatalf("no attempt should be recorded, got %v", rec.started)
	}
}

func TestExecutor_UnclassifiedErrorsAreRetried(t *testing.T) {
	faults := NewScriptedFaults()
	faults.FailNext("ChargePayment", errors.New("plain failure"))
	ex, _ := newTestExecutor(t, faults)

	rec := &recordingRecorder{}
	result, err := ex.Execute(context.Background(), chargeRequest(func(ctx context.Context, input any) (any, error) {
		return "pay-ok", nil
	}), rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "pay-ok" {
		t.Fatalf("expected recovery after plain error, got %v", result)
	}
	if len(rec.started) != 2 {
		t.Fatalf("expected 2 attempts, got %v", rec.started)
	}
}

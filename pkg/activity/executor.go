package activity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/pkg/api"
)

// ErrInFlight is returned when another worker currently holds the ledger
// claim for the same idempotency key. The caller should back off and drive
// the instance again later.
var ErrInFlight = api.Transient(errInFlight{})

type errInFlight struct{}

func (errInFlight) Error() string { return "operation already in flight" }

// Recorder receives the durable facts of an execution. The engine appends
// them to the instance's event log before the executor moves on, so a crash
// at any point leaves a replayable trail.
type Recorder interface {
	AttemptStarted(ctx context.Context, name, key string, attempt int) error
	AttemptFailed(ctx context.Context, name, key string, attempt int, final bool, cause error) error
	Completed(ctx context.Context, name, key string, attempt int, result any) error
}

// Request describes one activity execution.
type Request struct {
	WorkflowType string
	InstanceID   string
	Name         string
	Key          string
	Input        any
	Fn           api.ActivityFunc
	Retry        api.RetryPolicy

	// PriorAttempts is how many attempts earlier runs already recorded for
	// this key. The remaining budget shrinks accordingly, so a crash-restart
	// cycle cannot grow the total past Retry.MaxAttempts.
	PriorAttempts int
}

// Executor runs activities through the operation ledger with retries and
// exponential backoff. Every attempt is recorded before the side effect
// runs, and results land in the ledger before they are reported, so a
// re-execution after a crash either finds the stored result or a claimable
// record, never a half-done invisible effect.
type Executor struct {
	Ledger   persistence.LedgerStore
	Faults   FaultInjector
	Observer api.Observer
	Logger   *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(ledger persistence.LedgerStore, faults FaultInjector, obs api.Observer, logger *slog.Logger) *Executor {
	if faults == nil {
		faults = NoFaults{}
	}
	if obs == nil {
		obs = api.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{Ledger: ledger, Faults: faults, Observer: obs, Logger: logger}
}

// Execute runs the activity until it succeeds, exhausts its attempt budget,
// or hits a business rejection.
//
// The error result is one of:
//   - nil: the result is authoritative (possibly recovered from the ledger)
//   - ErrInFlight: another worker holds the claim
//   - a *api.BusinessRejection: terminal, do not retry
//   - a *api.RetryExhaustedError wrapping the last attempt's error
func (e *Executor) Execute(ctx context.Context, req Request, rec Recorder) (any, error) {
	policy := req.Retry
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := policy.InitialBackoff
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	log := e.Logger.With("instance", req.InstanceID, "activity", req.Name, "key", req.Key)

	// Fast-forward past backoffs already paid for in earlier runs.
	for i := 0; i < req.PriorAttempts; i++ {
		backoff = nextBackoff(backoff, multiplier, policy.MaxBackoff)
	}

	var lastErr error
	for attempt := req.PriorAttempts + 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		begin, err := e.Ledger.Begin(ctx, req.Key)
		if err != nil {
			return nil, err
		}

		switch begin.Outcome {
		case persistence.BeginCompleted:
			// A previous run finished the side effect; adopt its result.
			log.Info("recovered stored result", "attempt", attempt)
			if err := rec.Completed(ctx, req.Name, req.Key, attempt-1, begin.Result); err != nil {
				return nil, err
			}
			return begin.Result, nil

		case persistence.BeginInProgress:
			log.Warn("operation held by another worker")
			return nil, ErrInFlight
		}

		if err := rec.AttemptStarted(ctx, req.Name, req.Key, attempt); err != nil {
			return nil, err
		}
		e.Observer.OnActivityAttempt(ctx, req.WorkflowType, req.InstanceID, req.Name, attempt)

		started := time.Now()
		result, attemptErr := e.runOnce(ctx, req, attempt)
		elapsed := time.Since(started)
		if attemptErr == nil {
			if err := e.Ledger.Complete(ctx, req.Key, result); err != nil {
				return nil, err
			}
			if err := rec.Completed(ctx, req.Name, req.Key, attempt, result); err != nil {
				return nil, err
			}
			e.Observer.OnActivityFinished(ctx, req.WorkflowType, req.InstanceID, req.Name, attempt, nil, elapsed)
			return result, nil
		}

		if err := e.Ledger.Fail(ctx, req.Key, attemptErr); err != nil {
			return nil, err
		}

		if api.IsRejection(attemptErr) {
			log.Info("activity rejected", "attempt", attempt, "error", attemptErr)
			if err := rec.AttemptFailed(ctx, req.Name, req.Key, attempt, true, attemptErr); err != nil {
				return nil, err
			}
			e.Observer.OnActivityFinished(ctx, req.WorkflowType, req.InstanceID, req.Name, attempt, attemptErr, elapsed)
			return nil, attemptErr
		}

		lastErr = attemptErr
		final := attempt == maxAttempts
		if err := rec.AttemptFailed(ctx, req.Name, req.Key, attempt, final, attemptErr); err != nil {
			return nil, err
		}

		if final {
			log.Error("retry budget exhausted", "attempts", attempt, "error", attemptErr)
			exhausted := &api.RetryExhaustedError{Activity: req.Name, Attempts: attempt, Err: lastErr}
			e.Observer.OnActivityFinished(ctx, req.WorkflowType, req.InstanceID, req.Name, attempt, exhausted, elapsed)
			return nil, exhausted
		}

		e.Observer.OnActivityFinished(ctx, req.WorkflowType, req.InstanceID, req.Name, attempt, attemptErr, elapsed)
		log.Warn("attempt failed, backing off", "attempt", attempt, "backoff", backoff, "error", attemptErr)
		if backoff > 0 {
			if err := e.wait(ctx, capBackoff(backoff, policy.MaxBackoff)); err != nil {
				return nil, err
			}
		}
		backoff = nextBackoff(backoff, multiplier, policy.MaxBackoff)
	}

	// PriorAttempts already met or exceeded the budget, so no attempt ran.
	// The final attempt of an earlier run may still have finished the side
	// effect before its worker died, so consult the ledger before giving up.
	begin, err := e.Ledger.Begin(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	switch begin.Outcome {
	case persistence.BeginCompleted:
		log.Info("recovered stored result", "attempt", req.PriorAttempts)
		if err := rec.Completed(ctx, req.Name, req.Key, req.PriorAttempts, begin.Result); err != nil {
			return nil, err
		}
		return begin.Result, nil
	case persistence.BeginInProgress:
		log.Warn("operation held by another worker")
		return nil, ErrInFlight
	}

	cause := lastErr
	if op, opErr := e.Ledger.GetOperation(ctx, req.Key); opErr == nil && op != nil && op.Err != "" {
		cause = errors.New(op.Err)
	}
	log.Error("retry budget exhausted", "attempts", req.PriorAttempts, "error", cause)
	exhausted := &api.RetryExhaustedError{Activity: req.Name, Attempts: req.PriorAttempts, Err: cause}
	// Begin just claimed the record; release it so the claim cannot dangle.
	if err := e.Ledger.Fail(ctx, req.Key, exhausted); err != nil {
		return nil, err
	}
	return nil, exhausted
}

func (e *Executor) runOnce(ctx context.Context, req Request, attempt int) (any, error) {
	if err := e.Faults.Fault(req.Name, req.Key, attempt); err != nil {
		return nil, err
	}
	return req.Fn(ctx, req.Input)
}

func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func capBackoff(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

func nextBackoff(d time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(d) * multiplier)
	if max > 0 && next > max {
		return max
	}
	return next
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/activity"
	"github.com/petrijr/orderflow/pkg/api"
)

// session is one drive of one instance under the engine's lease. It owns the
// event appender and implements api.Step for the state handlers.
type session struct {
	e    *engine
	def  api.WorkflowDefinition
	inst *api.WorkflowInstance
	st   *api.InstanceState
	ctx  context.Context

	// replay holds the signals the current state already consumed in an
	// earlier run. WaitSignal drains it before touching the live inbox.
	replay []api.Signal

	// afterRelease collects instance ids to drive once this session's
	// lease is gone, so a parent never re-enters itself mid-drive.
	afterRelease []string
}

var _ api.Step = (*session)(nil)

// append assigns sequence numbers, persists the events, and folds them. A
// conflict means another writer got there despite the lease; the drive aborts
// and a redelivery replays from the log.
func (s *session) append(ctx context.Context, events ...api.Event) error {
	now := time.Now()
	for i := range events {
		events[i].InstanceID = s.st.InstanceID
		events[i].Seq = s.st.LastSeq + int64(i) + 1
		events[i].At = now
	}
	if err := s.e.store.Events.AppendEvents(ctx, s.st.InstanceID, events); err != nil {
		return err
	}
	for i := range events {
		applyEvent(s.def, s.st, events[i])
	}
	return nil
}

// syncSnapshot writes the queryable instance snapshot from the fold.
func (s *session) syncSnapshot(ctx context.Context, status api.Status) error {
	s.inst.State = s.st.Current
	s.inst.LastSeq = s.st.LastSeq
	s.inst.Status = status
	s.inst.Err = s.st.LastError
	if out, ok := s.st.Vars["output"]; ok {
		s.inst.Output = out
	}
	return s.e.store.Instances.UpdateInstance(ctx, s.inst)
}

func (s *session) enterState(ctx context.Context, state string) error {
	if err := s.append(ctx, api.Event{Kind: api.EventStateEntered, State: state}); err != nil {
		return err
	}
	s.replay = nil
	s.e.observer.OnStateEntered(ctx, s.def.Type, s.st.InstanceID, state)
	return s.syncSnapshot(ctx, api.StatusRunning)
}

func (s *session) ExecuteActivity(ctx context.Context, req api.ActivityRequest) (any, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = s.st.InstanceID + "/" + req.Name
	}

	// Replay: the log already holds the outcome.
	if result, ok := s.st.ActivityResults[key]; ok {
		return result, nil
	}
	if msg, ok := s.st.ActivityFailures[key]; ok {
		return nil, s.replayFailure(req, key, msg)
	}

	fn, ok := s.def.Activities[req.Name]
	if !ok {
		return nil, fmt.Errorf("workflow %q has no activity %q", s.def.Type, req.Name)
	}
	policy := s.def.DefaultRetry
	if req.Retry != nil {
		policy = *req.Retry
	}

	return s.e.executor.Execute(ctx, activity.Request{
		WorkflowType:  s.def.Type,
		InstanceID:    s.st.InstanceID,
		Name:          req.Name,
		Key:           key,
		Input:         req.Input,
		Fn:            fn,
		Retry:         policy,
		PriorAttempts: s.st.ActivityAttempts[key],
	}, &sessionRecorder{s: s, ctx: ctx})
}

// replayFailure reconstructs the terminal activity error from the fold. An
// exhausted budget maps to RetryExhaustedError, anything short of it was a
// business rejection.
func (s *session) replayFailure(req api.ActivityRequest, key, msg string) error {
	policy := s.def.DefaultRetry
	if req.Retry != nil {
		policy = *req.Retry
	}
	if s.st.ActivityAttempts[key] >= policy.MaxAttempts {
		return &api.RetryExhaustedError{
			Activity: req.Name,
			Attempts: s.st.ActivityAttempts[key],
			Err:      fmt.Errorf("%s", msg),
		}
	}
	return &api.BusinessRejection{Reason: msg}
}

func (s *session) WaitSignal(kinds ...api.SignalKind) (*api.Signal, error) {
	match := func(k api.SignalKind) bool {
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}

	// Signals this state consumed before a crash come back from the log.
	for i, sig := range s.replay {
		if match(sig.Kind) {
			s.replay = append(s.replay[:i:i], s.replay[i+1:]...)
			return &sig, nil
		}
	}

	pending, err := s.e.store.Signals.Pending(s.ctx, s.st.InstanceID)
	if err != nil {
		return nil, err
	}
	for _, sig := range pending {
		if !match(sig.Kind) {
			continue
		}
		if err := s.consumeSignal(s.ctx, sig); err != nil {
			return nil, err
		}
		return &sig, nil
	}
	return nil, api.NewAwaitSignal(kinds...)
}

// consumeSignal makes the consumption durable: event first, then the inbox
// mark. If the process dies between the two, the replay queue absorbs the
// redelivered copy via dedup or the kind filter.
func (s *session) consumeSignal(ctx context.Context, sig api.Signal) error {
	kind := api.EventSignalReceived
	if sig.Kind == api.SignalChildCompleted || sig.Kind == api.SignalChildDispatchFailed {
		kind = api.EventChildReported
	}
	ev := api.Event{
		Kind:    kind,
		Signal:  sig.Kind,
		Key:     sig.Key,
		Payload: sig.Payload,
	}
	if err := s.append(ctx, ev); err != nil {
		return err
	}
	// The fold just queued it for replay; this run consumes it now.
	if n := len(s.st.StateSignals); n > 0 {
		s.st.StateSignals = s.st.StateSignals[:n-1]
	}
	return s.e.store.Signals.MarkConsumed(ctx, s.st.InstanceID, sig.ID)
}

func (s *session) SpawnChild(spec api.ChildSpec) error {
	if spec.InstanceID == "" {
		return fmt.Errorf("child spec needs an instance id")
	}
	if _, ok := s.st.Children[spec.InstanceID]; ok {
		// Replay: already spawned.
		return nil
	}

	childDef, err := s.e.registry.lookup(spec.WorkflowType)
	if err != nil {
		return err
	}

	if err := s.append(s.ctx, api.Event{
		Kind:    api.EventChildSpawned,
		Payload: spec.InstanceID,
	}); err != nil {
		return err
	}

	child := &api.WorkflowInstance{
		ID:           spec.InstanceID,
		WorkflowType: spec.WorkflowType,
		Status:       api.StatusRunning,
		ParentID:     s.st.InstanceID,
		Input:        spec.Input,
	}
	if err := s.e.store.Instances.SaveInstance(s.ctx, child); err != nil && !api.IsConflict(err) {
		return s.reportDispatchFailure(spec, err)
	}

	if q, ok := s.e.queues[childDef.Queue]; ok {
		err := q.Enqueue(s.ctx, taskqueue.Task{
			Type:         taskqueue.TaskTypeDrive,
			WorkflowType: spec.WorkflowType,
			InstanceID:   spec.InstanceID,
		})
		if err != nil {
			return s.reportDispatchFailure(spec, err)
		}
		return nil
	}

	// No queue configured for the child: drive it once our lease is gone.
	s.afterRelease = append(s.afterRelease, spec.InstanceID)
	return nil
}

// reportDispatchFailure turns a failed child hand-off into a signal to
// ourselves, so the waiting handler can fail the order instead of hanging.
func (s *session) reportDispatchFailure(spec api.ChildSpec, cause error) error {
	sig := &api.Signal{
		InstanceID: s.st.InstanceID,
		Kind:       api.SignalChildDispatchFailed,
		Key:        "dispatch/" + spec.InstanceID,
		Payload: api.ChildReport{
			ChildID: spec.InstanceID,
			Status:  api.StatusFailed,
			Err:     cause.Error(),
		},
	}
	if _, err := s.e.store.Signals.Append(s.ctx, sig); err != nil {
		return err
	}
	return nil
}

type sessionRecorder struct {
	s   *session
	ctx context.Context
}

func (r *sessionRecorder) AttemptStarted(ctx context.Context, name, key string, attempt int) error {
	return r.s.append(ctx, api.Event{
		Kind:     api.EventActivityStarted,
		Activity: name,
		Key:      key,
		Attempt:  attempt,
	})
}

func (r *sessionRecorder) AttemptFailed(ctx context.Context, name, key string, attempt int, final bool, cause error) error {
	return r.s.append(ctx, api.Event{
		Kind:     api.EventActivityFailed,
		Activity: name,
		Key:      key,
		Attempt:  attempt,
		Err:      cause.Error(),
		Final:    final,
	})
}

func (r *sessionRecorder) Completed(ctx context.Context, name, key string, attempt int, result any) error {
	return r.s.append(ctx, api.Event{
		Kind:     api.EventActivityCompleted,
		Activity: name,
		Key:      key,
		Attempt:  attempt,
		Payload:  result,
	})
}

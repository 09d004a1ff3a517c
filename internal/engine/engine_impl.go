package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/activity"
	"github.com/petrijr/orderflow/pkg/api"
)

// DefaultLeaseTTL bounds how long a crashed worker can block an instance.
const DefaultLeaseTTL = 30 * time.Second

// Config wires an engine to its stores, queues, and observability.
type Config struct {
	Store persistence.Persistence

	// Queues maps queue names (api.WorkflowDefinition.Queue) to their
	// transports. Workflows whose queue is absent run inline: Start,
	// Signal, and child hand-offs drive them synchronously.
	Queues map[string]taskqueue.Queue

	Observer api.Observer
	Logger   *slog.Logger

	// Faults optionally injects activity failures, for tests and demos.
	Faults activity.FaultInjector

	// LeaseTTL overrides DefaultLeaseTTL.
	LeaseTTL time.Duration
}

type engine struct {
	store    persistence.Persistence
	queues   map[string]taskqueue.Queue
	registry *registry
	executor *activity.Executor
	observer api.Observer
	logger   *slog.Logger
	leaseTTL time.Duration

	// owner identifies this engine as a lease holder.
	owner string
}

// New creates an engine from the given configuration.
func New(cfg Config) (api.Engine, error) {
	if cfg.Store.Instances == nil || cfg.Store.Events == nil || cfg.Store.Ledger == nil || cfg.Store.Signals == nil {
		return nil, fmt.Errorf("engine config is missing a store")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	queues := cfg.Queues
	if queues == nil {
		queues = make(map[string]taskqueue.Queue)
	}

	return &engine{
		store:    cfg.Store,
		queues:   queues,
		registry: newRegistry(),
		executor: activity.NewExecutor(cfg.Store.Ledger, cfg.Faults, obs, logger),
		observer: obs,
		logger:   logger,
		leaseTTL: ttl,
		owner:    uuid.NewString(),
	}, nil
}

func (e *engine) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.register(def)
}

func (e *engine) Start(ctx context.Context, workflowType, instanceID string, input any) (*api.WorkflowInstance, error) {
	if _, err := e.registry.lookup(workflowType); err != nil {
		return nil, err
	}
	if instanceID == "" {
		return nil, fmt.Errorf("instance id must not be empty")
	}

	inst := &api.WorkflowInstance{
		ID:           instanceID,
		WorkflowType: workflowType,
		Status:       api.StatusRunning,
		Input:        input,
	}
	if err := e.store.Instances.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.observer.OnInstanceStart(ctx, workflowType, instanceID)

	if err := e.Drive(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.GetInstance(ctx, instanceID)
}

func (e *engine) Signal(ctx context.Context, instanceID string, kind api.SignalKind, key string, payload any) error {
	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if isTerminalStatus(inst.Status) {
		return fmt.Errorf("%s: %w", instanceID, api.ErrInstanceTerminal)
	}

	def, err := e.registry.lookup(inst.WorkflowType)
	if err != nil {
		return err
	}
	if def.Signals != nil {
		if d := def.Signals(inst.State, kind); d.Kind == api.DispositionReject {
			return fmt.Errorf("%s in state %s: %w", kind, inst.State, api.ErrSignalRejected)
		}
	}

	accepted, err := e.store.Signals.Append(ctx, &api.Signal{
		InstanceID: instanceID,
		Kind:       kind,
		Key:        key,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	if !accepted {
		// Deduplicated redelivery.
		e.logger.Debug("signal deduplicated", "instance", instanceID, "kind", kind, "key", key)
		return nil
	}
	e.observer.OnSignal(ctx, instanceID, kind)

	return e.dispatchDrive(ctx, def, instanceID)
}

// dispatchDrive hands the instance to its queue, or drives it inline when the
// queue is not wired.
func (e *engine) dispatchDrive(ctx context.Context, def api.WorkflowDefinition, instanceID string) error {
	if q, ok := e.queues[def.Queue]; ok {
		return q.Enqueue(ctx, taskqueue.Task{
			Type:         taskqueue.TaskTypeDrive,
			WorkflowType: def.Type,
			InstanceID:   instanceID,
		})
	}
	return e.Drive(ctx, instanceID)
}

func (e *engine) Drive(ctx context.Context, instanceID string) error {
	after, err := e.drive(ctx, instanceID)

	// Deferred drives run only after our lease is released, so a handler
	// can never re-enter its own instance through a child or a signal.
	for _, id := range after {
		if derr := e.Drive(ctx, id); derr != nil {
			e.logger.Error("deferred drive failed", "instance", id, "error", derr)
		}
	}
	return err
}

func (e *engine) drive(ctx context.Context, instanceID string) (after []string, err error) {
	inst, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if isTerminalStatus(inst.Status) {
		return nil, nil
	}
	def, err := e.registry.lookup(inst.WorkflowType)
	if err != nil {
		return nil, err
	}

	acquired, err := e.store.Instances.TryAcquireLease(ctx, instanceID, e.owner, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, api.Transientf("instance %s is leased by another worker", instanceID)
	}
	defer func() {
		if rerr := e.store.Instances.ReleaseLease(ctx, instanceID, e.owner); rerr != nil {
			e.logger.Warn("lease release failed", "instance", instanceID, "error", rerr)
		}
	}()

	events, err := e.store.Events.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	st := fold(def, instanceID, inst.ParentID, events)

	s := &session{e: e, def: def, inst: inst, st: st, ctx: ctx}
	s.replay = append([]api.Signal(nil), st.StateSignals...)

	if len(events) == 0 {
		// First drive: the initial state entry captures the input, the one
		// non-deterministic fact a replay must never recompute.
		if err := s.append(ctx, api.Event{
			Kind:    api.EventStateEntered,
			State:   def.Initial,
			Payload: inst.Input,
		}); err != nil {
			return nil, err
		}
		e.observer.OnStateEntered(ctx, def.Type, instanceID, def.Initial)
		if err := s.syncSnapshot(ctx, api.StatusRunning); err != nil {
			return nil, err
		}
	}

	for {
		if def.Terminal(st.Current) {
			return s.afterRelease, e.finalize(ctx, s)
		}

		moved, err := e.drainSignals(ctx, s)
		if err != nil {
			return s.afterRelease, err
		}
		if moved {
			continue
		}

		handler := def.States[st.Current]
		next, err := handler(ctx, s, st)
		switch {
		case err == nil:
			if err := s.enterState(ctx, next); err != nil {
				return s.afterRelease, err
			}

		case isAwait(err):
			return s.afterRelease, s.syncSnapshot(ctx, api.StatusWaiting)

		default:
			// Infrastructure failure: keep the instance RUNNING and let
			// the task redelivery retry the drive.
			if serr := s.syncSnapshot(ctx, api.StatusRunning); serr != nil {
				e.logger.Warn("snapshot sync failed", "instance", instanceID, "error", serr)
			}
			return s.afterRelease, err
		}
	}
}

func isAwait(err error) bool {
	_, ok := api.IsAwaitSignal(err)
	return ok
}

// drainSignals applies pending signal dispositions for the current state.
// It returns true when an interrupt changed the state.
func (e *engine) drainSignals(ctx context.Context, s *session) (bool, error) {
	if s.def.Signals == nil {
		return false, nil
	}
	pending, err := e.store.Signals.Pending(ctx, s.st.InstanceID)
	if err != nil {
		return false, err
	}

	for _, sig := range pending {
		switch d := s.def.Signals(s.st.Current, sig.Kind); d.Kind {
		case api.DispositionAbsorb:
			if err := s.consumeSignal(ctx, sig); err != nil {
				return false, err
			}

		case api.DispositionInterrupt:
			if err := s.consumeSignal(ctx, sig); err != nil {
				return false, err
			}
			if err := s.enterState(ctx, d.Target); err != nil {
				return false, err
			}
			return true, nil

		default:
			// Buffered (or rejectable) signals stay in the inbox for
			// WaitSignal or a later state.
		}
	}
	return false, nil
}

// finalize settles a terminal instance and reports to the parent, if any.
func (e *engine) finalize(ctx context.Context, s *session) error {
	status := api.StatusForState(s.st.Current, true)
	if err := s.syncSnapshot(ctx, status); err != nil {
		return err
	}
	e.observer.OnInstanceFinished(ctx, s.def.Type, s.st.InstanceID, status)
	e.logger.Info("instance finished",
		"workflow", s.def.Type,
		"instance", s.st.InstanceID,
		"state", s.st.Current,
		"status", status,
	)

	if s.st.ParentID == "" {
		return nil
	}

	report := api.ChildReport{
		ChildID: s.st.InstanceID,
		State:   s.st.Current,
		Status:  status,
		Output:  s.inst.Output,
		Err:     s.st.LastError,
	}
	err := e.Signal(ctx, s.st.ParentID, api.SignalChildCompleted, "child/"+s.st.InstanceID, report)
	if err != nil && !errors.Is(err, api.ErrInstanceTerminal) && !errors.Is(err, api.ErrInstanceNotFound) {
		return err
	}
	if err != nil {
		e.logger.Warn("parent not reachable for child report",
			"instance", s.st.InstanceID, "parent", s.st.ParentID, "error", err)
	}
	return nil
}

func (e *engine) GetInstance(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	return e.getInstance(ctx, instanceID)
}

func (e *engine) getInstance(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	inst, err := e.store.Instances.GetInstance(ctx, instanceID)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		return nil, fmt.Errorf("%s: %w", instanceID, api.ErrInstanceNotFound)
	}
	return inst, err
}

func (e *engine) History(ctx context.Context, instanceID string) ([]api.Event, error) {
	if _, err := e.getInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.Events.ListEvents(ctx, instanceID)
}

func (e *engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{
		WorkflowType: opts.WorkflowType,
		Status:       opts.Status,
	})
}

func (e *engine) RecoverStuckInstances(ctx context.Context) (int, error) {
	stuck, err := e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, inst := range stuck {
		def, err := e.registry.lookup(inst.WorkflowType)
		if err != nil {
			e.logger.Warn("stuck instance has unknown workflow type",
				"instance", inst.ID, "workflow", inst.WorkflowType)
			continue
		}
		if err := e.dispatchDrive(ctx, def, inst.ID); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("re-enqueued stuck instances", "count", recovered)
	}
	return recovered, nil
}

func isTerminalStatus(s api.Status) bool {
	switch s {
	case api.StatusCompleted, api.StatusCancelled, api.StatusFailed:
		return true
	}
	return false
}

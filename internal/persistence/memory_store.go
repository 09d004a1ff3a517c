package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// DefaultInProgressTTL is how long an InProgress ledger record may sit
// untouched before it is treated as abandoned by a crashed worker.
const DefaultInProgressTTL = 30 * time.Second

type lease struct {
	owner   string
	expires time.Time
}

// InMemoryStore is a goroutine-safe implementation of InstanceStore,
// EventStore, LedgerStore and SignalStore backed by maps. It is non-durable
// and intended for tests and local development.
type InMemoryStore struct {
	mu            sync.RWMutex
	instances     map[string]*api.WorkflowInstance
	events        map[string][]api.Event
	leases        map[string]lease
	operations    map[string]*OperationRecord
	signals       map[string][]api.Signal
	seenSignals   map[string]map[string]bool
	nextSignalID  int64
	inProgressTTL time.Duration
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances:     make(map[string]*api.WorkflowInstance),
		events:        make(map[string][]api.Event),
		leases:        make(map[string]lease),
		operations:    make(map[string]*OperationRecord),
		signals:       make(map[string][]api.Signal),
		seenSignals:   make(map[string]map[string]bool),
		inProgressTTL: DefaultInProgressTTL,
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ InstanceStore = (*InMemoryStore)(nil)
	_ EventStore    = (*InMemoryStore)(nil)
	_ LedgerStore   = (*InMemoryStore)(nil)
	_ SignalStore   = (*InMemoryStore)(nil)
)

// SetInProgressTTL overrides the ledger staleness TTL; useful in tests.
func (s *InMemoryStore) SetInProgressTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgressTTL = ttl
}

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return &api.ConflictError{Resource: "instance", ID: inst.ID}
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.WorkflowType != "" && inst.WorkflowType != filter.WorkflowType {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[instanceID]
	if ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[instanceID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if !ok || l.owner != owner {
		return &api.ConflictError{Resource: "lease", ID: instanceID}
	}
	s.leases[instanceID] = lease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[instanceID]
	if ok && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, instanceID string, events []api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[instanceID]
	var lastSeq int64
	if len(log) > 0 {
		lastSeq = log[len(log)-1].Seq
	}
	for _, ev := range events {
		if ev.Seq <= lastSeq {
			return &api.ConflictError{Resource: "event", ID: instanceID}
		}
		lastSeq = ev.Seq
	}
	s.events[instanceID] = append(log, events...)
	return nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[instanceID]
	out := make([]api.Event, len(log))
	copy(out, log)
	return out, nil
}

func (s *InMemoryStore) Begin(ctx context.Context, key string) (BeginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.operations[key]
	if !ok {
		s.operations[key] = &OperationRecord{
			Key:       key,
			Status:    OpInProgress,
			Attempts:  1,
			UpdatedAt: time.Now(),
		}
		return BeginResult{Outcome: BeginFresh, Attempts: 1}, nil
	}

	switch rec.Status {
	case OpSucceeded:
		return BeginResult{Outcome: BeginCompleted, Result: rec.Result, Attempts: rec.Attempts}, nil
	case OpInProgress:
		if time.Since(rec.UpdatedAt) < s.inProgressTTL {
			return BeginResult{Outcome: BeginInProgress, Attempts: rec.Attempts}, nil
		}
		// Stale: the worker that began this operation is gone.
		fallthrough
	default: // OpFailed or stale InProgress
		rec.Status = OpInProgress
		rec.Attempts++
		rec.UpdatedAt = time.Now()
		return BeginResult{Outcome: BeginFresh, Attempts: rec.Attempts}, nil
	}
}

func (s *InMemoryStore) Complete(ctx context.Context, key string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.operations[key]
	if !ok {
		return &api.ConflictError{Resource: "operation", ID: key}
	}
	rec.Status = OpSucceeded
	rec.Result = result
	rec.Err = ""
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) Fail(ctx context.Context, key string, opErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.operations[key]
	if !ok {
		return &api.ConflictError{Resource: "operation", ID: key}
	}
	rec.Status = OpFailed
	rec.Err = opErr.Error()
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) GetOperation(ctx context.Context, key string) (*OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.operations[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) Append(ctx context.Context, sig *api.Signal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dedup keys are remembered even after consumption, so a redelivered
	// approve stays a no-op.
	if sig.Key != "" {
		dedup := string(sig.Kind) + "/" + sig.Key
		seen := s.seenSignals[sig.InstanceID]
		if seen[dedup] {
			return false, nil
		}
		if seen == nil {
			seen = make(map[string]bool)
			s.seenSignals[sig.InstanceID] = seen
		}
		seen[dedup] = true
	}
	s.nextSignalID++
	sig.ID = s.nextSignalID
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}
	s.signals[sig.InstanceID] = append(s.signals[sig.InstanceID], *sig)
	return true, nil
}

func (s *InMemoryStore) Pending(ctx context.Context, instanceID string) ([]api.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := s.signals[instanceID]
	out := make([]api.Signal, len(pending))
	copy(out, pending)
	return out, nil
}

func (s *InMemoryStore) MarkConsumed(ctx context.Context, instanceID string, signalID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.signals[instanceID]
	for i, sig := range pending {
		if sig.ID == signalID {
			s.signals[instanceID] = append(pending[:i:i], pending[i+1:]...)
			return nil
		}
	}
	return nil
}

package activity

import (
	"math/rand"
	"sync"

	"github.com/petrijr/orderflow/pkg/api"
)

// FaultInjector decides whether an activity attempt fails artificially
// before the real implementation runs. Injected failures go through the
// same classification and retry path as real ones.
type FaultInjector interface {
	// Fault returns a non-nil error to fail the attempt.
	Fault(activity, idempotencyKey string, attempt int) error
}

// NoFaults never injects anything.
type NoFaults struct{}

func (NoFaults) Fault(string, string, int) error { return nil }

// ScriptedFaults injects a fixed sequence of errors per activity name.
// Each attempt consumes one scripted error; when the script runs out the
// activity behaves normally. Safe for concurrent use.
type ScriptedFaults struct {
	mu     sync.Mutex
	script map[string][]error
}

func NewScriptedFaults() *ScriptedFaults {
	return &ScriptedFaults{script: make(map[string][]error)}
}

// FailNext schedules errs to be injected on the next attempts of the named
// activity, in order.
func (s *ScriptedFaults) FailNext(activity string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[activity] = append(s.script[activity], errs...)
}

func (s *ScriptedFaults) Fault(activity, idempotencyKey string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.script[activity]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.script[activity] = queue[1:]
	return err
}

// RandomFaults fails attempts with the given probability, mimicking an
// unreliable downstream dependency. Injected errors are transient.
type RandomFaults struct {
	// Rate is the failure probability in [0, 1].
	Rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomFaults seeds an injector with its own rng so runs are
// reproducible when the seed is fixed.
func NewRandomFaults(rate float64, seed int64) *RandomFaults {
	return &RandomFaults{Rate: rate, rng: rand.New(rand.NewSource(seed))}
}

func (r *RandomFaults) Fault(activity, idempotencyKey string, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.Float64() < r.Rate {
		return api.Transientf("injected fault in %s (attempt %d)", activity, attempt)
	}
	return nil
}

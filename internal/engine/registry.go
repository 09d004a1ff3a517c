package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/orderflow/pkg/api"
)

// registry holds the workflow definitions hosted by an engine.
type registry struct {
	mu   sync.RWMutex
	defs map[string]api.WorkflowDefinition
}

func newRegistry() *registry {
	return &registry{defs: make(map[string]api.WorkflowDefinition)}
}

func (r *registry) register(def api.WorkflowDefinition) error {
	if def.Type == "" {
		return fmt.Errorf("workflow definition needs a type")
	}
	if def.Initial == "" {
		return fmt.Errorf("workflow %q needs an initial state", def.Type)
	}
	if _, ok := def.States[def.Initial]; !ok {
		return fmt.Errorf("workflow %q: initial state %q has no handler", def.Type, def.Initial)
	}
	if def.DefaultRetry.MaxAttempts == 0 {
		def.DefaultRetry = api.DefaultRetryPolicy()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("workflow %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

func (r *registry) lookup(workflowType string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[workflowType]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("unknown workflow type %q", workflowType)
	}
	return def, nil
}

package agent

import (
	"fmt"
	"sync"
)

// Registry is the ordered set of agents built at startup.
//
// Registration order is preserved and used as the final routing tie-break.
// The registry is written during startup only; after Seal it is read-only and
// lookups do not contend.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string // Registration order for deterministic routing
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		order:  make([]string, 0),
	}
}

// Register adds an agent to the registry.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed, cannot register %s", a.Key())
	}
	key := a.Key()
	if _, exists := r.agents[key]; exists {
		return fmt.Errorf("agent %s already registered", key)
	}

	r.agents[key] = a
	r.order = append(r.order, key)
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get retrieves a registered agent by key.
func (r *Registry) Get(key string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, key)
	}
	return a, nil
}

// Keys returns all agent keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// List returns all agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Agent, 0, len(r.order))
	for _, key := range r.order {
		list = append(list, r.agents[key])
	}
	return list
}

// Default returns the first agent whose descriptor is flagged default.
func (r *Registry) Default() (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.order {
		if a := r.agents[key]; a.Descriptor().Default {
			return a, true
		}
	}
	return nil, false
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

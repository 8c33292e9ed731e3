// Package tools holds the named callables agents can expose to their model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aixgo-dev/orchestra/pkg/llm/provider"
)

// ErrToolNotFound is returned when a tool name is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Func executes a tool. Input and output are JSON documents.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool is a named callable with a model-facing description.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema of the arguments object.
	Parameters json.RawMessage
	Fn         Func
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Registry is a concurrency-safe set of tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Fn == nil {
		return fmt.Errorf("tool %s has no function", t.Name)
	}
	if len(t.Parameters) == 0 {
		t.Parameters = emptySchema
	} else if !json.Valid(t.Parameters) {
		return fmt.Errorf("tool %s has an invalid parameter schema", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Call executes the named tool. Invalid JSON arguments are rejected before the
// tool runs.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return nil, fmt.Errorf("tool %s: arguments are not valid JSON", name)
	}
	out, err := t.Fn(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return out, nil
}

// Definitions returns the model-facing definitions for the named tools.
func (r *Registry) Definitions(names []string) ([]provider.Tool, error) {
	defs := make([]provider.Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		defs = append(defs, provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return defs, nil
}

package agents

import (
	"errors"
	"fmt"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/pkg/llm/provider"
	"github.com/aixgo-dev/orchestra/pkg/tools"
)

// CreateAgents builds one LLMAgent per descriptor, all sharing client, and
// returns them in a sealed registry in descriptor order.
//
// It fails with an *agent.LoadError when a descriptor is invalid, names an
// unknown tool, duplicates a key, or when more than one descriptor is marked
// as the default.
func CreateAgents(client provider.Provider, registry *tools.Registry, descs []agent.Descriptor, opts ...Option) (*agent.Registry, error) {
	if len(descs) == 0 {
		return nil, &agent.LoadError{Source: "agents", Err: errors.New("no agent descriptors")}
	}

	reg := agent.NewRegistry()
	defaultKey := ""
	for _, d := range descs {
		if d.Default {
			if defaultKey != "" {
				return nil, &agent.LoadError{Source: d.Key, Err: fmt.Errorf("%q is already the default agent", defaultKey)}
			}
			defaultKey = d.Key
		}

		a, err := NewLLMAgent(d, client, registry, opts...)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, &agent.LoadError{Source: d.Key, Err: err}
		}
	}
	reg.Seal()
	return reg, nil
}

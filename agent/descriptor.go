package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Descriptor is the declarative definition of an agent persona.
// Descriptors are immutable after load.
type Descriptor struct {
	// Key uniquely identifies the agent in the registry.
	Key string `yaml:"key" json:"key"`

	Name         string `yaml:"name" json:"name"`
	Instructions string `yaml:"instructions" json:"instructions"`

	// Tier is the priority rank; higher tiers win routing ties.
	Tier int `yaml:"tier" json:"tier"`

	// Capabilities are the keywords the router matches messages against.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Tools are the names of tool registry entries bound to the agent.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Model overrides the chat client's default model.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Default marks the general-purpose fallback agent.
	Default bool `yaml:"default,omitempty" json:"default,omitempty"`
}

// Validate checks required fields.
func (d Descriptor) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Key) == "" {
		errs = append(errs, errors.New("key is required"))
	} else if strings.ContainsAny(d.Key, " \t\n/") {
		errs = append(errs, fmt.Errorf("key %q must not contain whitespace or '/'", d.Key))
	}
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(d.Instructions) == "" {
		errs = append(errs, errors.New("instructions are required"))
	}
	for i, c := range d.Capabilities {
		if strings.TrimSpace(c) == "" {
			errs = append(errs, fmt.Errorf("capability %d is empty", i))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	d.Capabilities = append([]string(nil), d.Capabilities...)
	d.Tools = append([]string(nil), d.Tools...)
	return d
}

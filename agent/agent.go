package agent

import "context"

// Agent is an immutable, capability-tagged execution unit bound to a chat
// client and a subset of tools.
//
// Agents are built once at startup and shared by every session. Invoke must be
// safe for concurrent use.
type Agent interface {
	// Key returns the unique registry key of the agent.
	Key() string

	// Descriptor returns the declarative description the agent was built from.
	Descriptor() Descriptor

	// Invoke runs the agent once for the given invocation.
	Invoke(ctx context.Context, inv *Invocation) (*Response, error)
}

// Invocation is the input of one agent call inside a workflow run.
type Invocation struct {
	// Agent is the key of the agent being invoked.
	Agent string

	SessionID string
	RunID     string
	NodeID    string

	// Input is the inbound user message of the run.
	Input string

	// Prior holds the output of the preceding agent(s). Empty for entry nodes.
	Prior string

	// Answer is the human response to a previous info request from this node.
	Answer string

	// History is a snapshot of the session thread, oldest first.
	History []Message

	// OnChunk, when set, receives incremental output as the agent produces it.
	OnChunk func(chunk string)

	// Metadata carries free-form values for interceptors.
	Metadata map[string]any
}

// InfoRequest asks the caller for more input before the node can complete.
type InfoRequest struct {
	Prompt string `json:"prompt"`
}

// Response is the result of one agent call.
type Response struct {
	Content    string       `json:"content"`
	TokensUsed int          `json:"tokens_used"`
	InfoNeeded *InfoRequest `json:"info_needed,omitempty"`
}

// Func adapts a function to an Agent with the given descriptor.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, inv *Invocation) (*Response, error)
}

// Key implements Agent.
func (f *Func) Key() string { return f.Desc.Key }

// Descriptor implements Agent.
func (f *Func) Descriptor() Descriptor { return f.Desc }

// Invoke implements Agent.
func (f *Func) Invoke(ctx context.Context, inv *Invocation) (*Response, error) {
	return f.Fn(ctx, inv)
}

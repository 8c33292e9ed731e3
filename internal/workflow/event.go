package workflow

// EventType identifies an Event.
type EventType string

const (
	EventAgentStarted      EventType = "agent_started"
	EventAgentOutput       EventType = "agent_output"
	EventRequestInfo       EventType = "request_info"
	EventWorkflowOutput    EventType = "workflow_output"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// Event is one element of a run's event sequence.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Node  string    `json:"node,omitempty"`
	Agent string    `json:"agent,omitempty"`

	// Text is the agent output for AgentOutput and the workflow output for
	// WorkflowOutput.
	Text string `json:"text,omitempty"`
	// Partial marks an incremental AgentOutput chunk.
	Partial bool `json:"partial,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`

	Reason string `json:"reason,omitempty"`
	// Outputs carries the outputs produced before a failure.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Degraded marks a fallback WorkflowOutput, and the WorkflowCompleted
	// after it, that stand in for a run the model could not finish.
	Degraded bool `json:"degraded,omitempty"`
}

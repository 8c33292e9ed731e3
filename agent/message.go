package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a thread message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one entry of a session thread. Messages are immutable once
// appended to a thread.
type Message struct {
	// ID is a unique identifier, generated by NewMessage.
	ID string `json:"id"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Agent is the key of the agent that produced an assistant message.
	Agent string `json:"agent,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Metadata contains optional key-value pairs for tracing and correlation.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates a message with a generated ID and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// UserMessage is shorthand for NewMessage(RoleUser, content).
func UserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// AssistantMessage creates an assistant message attributed to an agent.
func AssistantMessage(agentKey, content string) Message {
	m := NewMessage(RoleAssistant, content)
	m.Agent = agentKey
	return m
}

// WithMetadata returns a copy of m carrying the additional metadata pair.
//
//	msg := agent.UserMessage("hi").
//	    WithMetadata("channel", "cli")
func (m Message) WithMetadata(key, value string) Message {
	md := make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		md[k] = v
	}
	md[key] = value
	m.Metadata = md
	return m
}

// Clone creates a deep copy of the message.
func (m Message) Clone() Message {
	if m.Metadata == nil {
		return m
	}
	md := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		md[k] = v
	}
	m.Metadata = md
	return m
}

// String returns a human-readable representation of the message for debugging.
func (m Message) String() string {
	if m.Agent != "" {
		return fmt.Sprintf("Message{ID:%s, Role:%s, Agent:%s}", m.ID, m.Role, m.Agent)
	}
	return fmt.Sprintf("Message{ID:%s, Role:%s}", m.ID, m.Role)
}

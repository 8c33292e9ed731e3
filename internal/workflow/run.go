package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/aixgo-dev/orchestra/agent"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusSuspended, StatusCompleted, StatusFailed},
	StatusSuspended: {StatusRunning, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PendingRequest is an unanswered request for human input.
type PendingRequest struct {
	RequestID string `json:"request_id"`
	Node      string `json:"node"`
	Agent     string `json:"agent"`
	Prompt    string `json:"prompt"`
}

// Run is one execution of a Definition.
//
// The engine mutates a run while its event sequence is being consumed.
// Fields may be read freely once the sequence has ended; Snapshot is safe
// at any time.
type Run struct {
	mu sync.Mutex

	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Input      string     `json:"input"`
	Definition Definition `json:"definition"`
	Status     Status     `json:"status"`

	// Step counts completed nodes. It never decreases.
	Step      int               `json:"step"`
	Completed []string          `json:"completed,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`

	// AgentsUsed lists agent keys in completion order.
	AgentsUsed []string `json:"agents_used,omitempty"`
	TokensUsed int      `json:"tokens_used"`

	Pending []PendingRequest `json:"pending,omitempty"`
	// Answers holds human responses keyed by node, consumed when the node
	// is re-invoked.
	Answers map[string]string `json:"answers,omitempty"`

	Output       string `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// History is the session thread at the time the run was created.
	History []agent.Message `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Stream enables incremental AgentOutput events.
	Stream bool `json:"-"`

	err  error
	exit string
}

// Err returns the error that failed the run, if it failed in this process.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// CurrentStatus returns the status under the run lock.
func (r *Run) CurrentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// PartialOutputs returns a copy of the outputs produced so far.
func (r *Run) PartialOutputs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.Outputs)
}

// PendingRequests returns a copy of the unanswered requests.
func (r *Run) PendingRequests() []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PendingRequest(nil), r.Pending...)
}

func (r *Run) transitionLocked(to Status) error {
	if !canTransition(r.Status, to) {
		return &WorkflowError{
			Reason: fmt.Sprintf("run %s: %s -> %s", r.ID, r.Status, to),
			Err:    ErrIllegalTransition,
		}
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Run) transition(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *Run) isCompleted(node string) bool {
	_, ok := r.Outputs[node]
	return ok
}

func (r *Run) isPending(node string) bool {
	for _, p := range r.Pending {
		if p.Node == node {
			return true
		}
	}
	return false
}

// SnapshotVersion is the current snapshot format.
const SnapshotVersion = 1

type snapshot struct {
	Version int `json:"version"`
	*Run
}

// Snapshot serializes the run.
func (r *Run) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(snapshot{Version: SnapshotVersion, Run: r})
}

// Restore rebuilds a run from Snapshot output. A run that was captured while
// running comes back suspended so Resume can continue it.
func Restore(data []byte) (*Run, error) {
	r := &Run{}
	s := snapshot{Run: r}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &WorkflowError{Reason: "decode snapshot", Err: err}
	}
	if s.Version != SnapshotVersion {
		return nil, &WorkflowError{Reason: fmt.Sprintf("unsupported snapshot version %d", s.Version)}
	}
	if r.ID == "" {
		return nil, &WorkflowError{Reason: "snapshot has no run id"}
	}
	switch r.Status {
	case StatusPending, StatusSuspended, StatusCompleted, StatusFailed:
	case StatusRunning:
		r.Status = StatusSuspended
	default:
		return nil, &WorkflowError{Reason: fmt.Sprintf("snapshot has unknown status %q", r.Status)}
	}

	def := r.Definition.normalize()
	_, exit, err := def.compile()
	if err != nil {
		return nil, err
	}
	r.Definition = def
	r.exit = exit
	if r.Outputs == nil {
		r.Outputs = make(map[string]string)
	}
	if r.Answers == nil {
		r.Answers = make(map[string]string)
	}
	for _, id := range r.Completed {
		if _, ok := def.node(id); !ok {
			return nil, &WorkflowError{Reason: fmt.Sprintf("snapshot completed node %q is not in the topology", id)}
		}
	}
	if r.Step != len(r.Completed) {
		return nil, &WorkflowError{Reason: fmt.Sprintf("snapshot step %d does not match %d completed nodes", r.Step, len(r.Completed))}
	}
	return r, nil
}

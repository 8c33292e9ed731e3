package workflow

import (
	"errors"
	"fmt"

	"github.com/aixgo-dev/orchestra/internal/graph"
)

// Kind is the topology of a workflow.
type Kind string

const (
	KindSequential Kind = "sequential"
	KindDAG        Kind = "dag"
)

// Join selects how several terminal outputs become one.
type Join string

const (
	// JoinNone requires a single exit node.
	JoinNone Join = ""
	// JoinConcat concatenates terminal outputs in declaration order.
	JoinConcat Join = "concat"
)

// Node is one agent invocation in a workflow.
type Node struct {
	// ID is unique within the definition. Defaults to Agent.
	ID    string `json:"id" yaml:"id"`
	Agent string `json:"agent" yaml:"agent"`
	// After lists the nodes that must complete first.
	After []string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Definition is a validated workflow topology.
type Definition struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Nodes []Node `json:"nodes" yaml:"nodes"`

	// Exit names the node whose output is the workflow output. Optional
	// when the graph has a single terminal node.
	Exit string `json:"exit,omitempty" yaml:"exit,omitempty"`
	Join Join   `json:"join,omitempty" yaml:"join,omitempty"`
}

// Sequential builds a definition running agents in list order, each one
// receiving the previous output.
func Sequential(agents ...string) Definition {
	def := Definition{Kind: KindSequential}
	used := make(map[string]bool, len(agents))
	for i, a := range agents {
		n := Node{ID: a, Agent: a}
		if used[a] {
			n.ID = fmt.Sprintf("%s#%d", a, i)
		}
		used[n.ID] = true
		if i > 0 {
			n.After = []string{def.Nodes[i-1].ID}
		}
		def.Nodes = append(def.Nodes, n)
	}
	return def
}

// Agents returns the agent key of every node in declaration order.
func (d Definition) Agents() []string {
	out := make([]string, len(d.Nodes))
	for i, n := range d.Nodes {
		out[i] = n.Agent
	}
	return out
}

func (d Definition) node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// normalize fills default node ids. It returns a copy.
func (d Definition) normalize() Definition {
	out := d
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			n.ID = n.Agent
		}
		n.After = append([]string(nil), n.After...)
		out.Nodes[i] = n
	}
	if out.Kind == "" {
		out.Kind = KindDAG
	}
	return out
}

// compile validates d and returns its graph and resolved exit node. The exit
// is empty for JoinConcat.
func (d Definition) compile() (*graph.Graph, string, error) {
	fail := func(reason string, err error) (*graph.Graph, string, error) {
		return nil, "", &WorkflowError{Reason: reason, Err: err}
	}

	switch d.Kind {
	case KindSequential, KindDAG:
	default:
		return fail(fmt.Sprintf("unknown topology %q", d.Kind), nil)
	}
	if len(d.Nodes) == 0 {
		return fail("invalid topology", graph.ErrEmptyGraph)
	}

	g := graph.New()
	for _, n := range d.Nodes {
		if n.Agent == "" {
			return fail(fmt.Sprintf("node %q has no agent", n.ID), nil)
		}
		if err := g.AddNode(n.ID, n.After); err != nil {
			return fail("invalid topology", err)
		}
	}
	if err := g.Validate(); err != nil {
		return fail("invalid topology", err)
	}
	if d.Kind == KindSequential {
		for i, n := range d.Nodes {
			if (i == 0 && len(n.After) != 0) || (i > 0 && (len(n.After) != 1 || n.After[0] != d.Nodes[i-1].ID)) {
				return fail(fmt.Sprintf("sequential node %q must follow the previous node only", n.ID), nil)
			}
		}
	}

	terminals := g.Terminals()
	switch d.Join {
	case JoinNone:
	case JoinConcat:
		if d.Exit != "" {
			return fail("exit and join are mutually exclusive", nil)
		}
		return g, "", nil
	default:
		return fail(fmt.Sprintf("unknown join %q", d.Join), nil)
	}

	exit := d.Exit
	if exit == "" {
		if len(terminals) > 1 {
			return fail(fmt.Sprintf("%d terminal nodes %v need an exit or a join", len(terminals), terminals), nil)
		}
		exit = terminals[0]
	}
	if !g.Has(exit) {
		return fail(fmt.Sprintf("exit node %q does not exist", exit), nil)
	}
	if len(g.Successors(exit)) > 0 {
		return fail(fmt.Sprintf("exit node %q is not a terminal node", exit), nil)
	}

	contributes := g.Ancestors(exit)
	for _, id := range g.Nodes() {
		if !contributes[id] {
			return fail(fmt.Sprintf("node %q is unreachable from exit %q", id, exit), errUnreachable)
		}
	}
	return g, exit, nil
}

var errUnreachable = errors.New("unreachable node")

// Validate checks the topology without running it.
func (d Definition) Validate() error {
	_, _, err := d.normalize().compile()
	return err
}

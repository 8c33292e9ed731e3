// Package graph validates and orders the node graph of a DAG workflow.
//
// Nodes keep their declaration order. Every query that returns several
// nodes returns them in that order, so schedules and joins are deterministic.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrCycleDetected is returned when the graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrUnknownDependency is returned when a node names a predecessor that
	// was never added.
	ErrUnknownDependency = errors.New("unknown predecessor")

	// ErrDuplicateNode is returned by AddNode for a name already present.
	ErrDuplicateNode = errors.New("duplicate node")

	// ErrEmptyGraph is returned when validating a graph without nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")
)

// CycleError reports a cycle found by Validate. Path starts and ends at
// the same node and follows predecessor edges.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycleDetected.Error()
	}
	return fmt.Sprintf("%s: node %q waits on itself via %s", ErrCycleDetected, e.Path[0], strings.Join(e.Path, " -> "))
}

// Is matches ErrCycleDetected.
func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// Node is a vertex with the names of the nodes it waits for.
type Node struct {
	Name         string
	Predecessors []string
}

// Graph is a directed graph of workflow nodes. Edges point from a
// predecessor to the node that waits for it.
type Graph struct {
	mu    sync.RWMutex
	order []string
	nodes map[string]*Node
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// AddNode appends a node. Predecessors may be added later; Validate checks
// they all exist.
func (g *Graph) AddNode(name string, predecessors []string) error {
	if name == "" {
		return errors.New("node name is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.nodes[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, name)
	}
	preds := make([]string, 0, len(predecessors))
	seen := make(map[string]bool, len(predecessors))
	for _, p := range predecessors {
		if !seen[p] {
			seen[p] = true
			preds = append(preds, p)
		}
	}
	g.nodes[name] = &Node{Name: name, Predecessors: preds}
	g.order = append(g.order, name)
	return nil
}

// Validate checks for an empty graph, unknown predecessors and cycles.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.order) == 0 {
		return ErrEmptyGraph
	}
	for _, name := range g.order {
		for _, p := range g.nodes[name].Predecessors {
			if _, ok := g.nodes[p]; !ok {
				return fmt.Errorf("%w: node %q waits for %q", ErrUnknownDependency, name, p)
			}
		}
	}

	// DFS colouring: 0 unvisited, 1 on the stack, 2 done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case 1:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			path := append(append([]string(nil), stack[start:]...), name)
			return &CycleError{Path: path}
		case 2:
			return nil
		}
		colors[name] = 1
		stack = append(stack, name)
		for _, p := range g.nodes[name].Predecessors {
			if err := visit(p); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		colors[name] = 2
		return nil
	}

	for _, name := range g.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// TopologicalLevels groups nodes by depth using Kahn's algorithm. Level 0
// holds the roots; nodes in one level only wait for earlier levels.
func (g *Graph) TopologicalLevels() ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for _, name := range g.order {
		inDegree[name] = len(g.nodes[name].Predecessors)
	}
	successors := g.successorsLocked()

	var levels [][]string
	for len(inDegree) > 0 {
		var level []string
		for _, name := range g.order {
			if d, ok := inDegree[name]; ok && d == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, ErrCycleDetected
		}
		for _, name := range level {
			delete(inDegree, name)
			for _, s := range successors[name] {
				inDegree[s]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func (g *Graph) successorsLocked() map[string][]string {
	out := make(map[string][]string, len(g.nodes))
	for _, name := range g.order {
		for _, p := range g.nodes[name].Predecessors {
			out[p] = append(out[p], name)
		}
	}
	return out
}

// Nodes returns node names in declaration order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Has reports whether name is a node.
func (g *Graph) Has(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[name]
	return ok
}

// Predecessors returns the nodes name waits for, or nil if name is unknown.
func (g *Graph) Predecessors(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	return append([]string(nil), n.Predecessors...)
}

// Successors returns the nodes waiting for name, in declaration order.
func (g *Graph) Successors(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.successorsLocked()[name]
}

// Roots returns nodes without predecessors.
func (g *Graph) Roots() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, name := range g.order {
		if len(g.nodes[name].Predecessors) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// Terminals returns nodes nothing waits for.
func (g *Graph) Terminals() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	succ := g.successorsLocked()
	var out []string
	for _, name := range g.order {
		if len(succ[name]) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// Ancestors returns the set of nodes name transitively waits for, including
// name itself.
func (g *Graph) Ancestors(name string) map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		node, ok := g.nodes[n]
		if !ok {
			continue
		}
		seen[n] = true
		stack = append(stack, node.Predecessors...)
	}
	return seen
}

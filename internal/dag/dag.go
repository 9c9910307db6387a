// Package dag orders build units and workspace packages by their
// dependencies.
//
// An edge from A to B means A must finish before B starts. Orders are
// deterministic: among nodes that are ready at the same time, the one added
// first comes first.
package dag

import (
	"fmt"
	"strings"
)

// CycleError reports nodes that could not be ordered.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Nodes, " -> "))
}

// Graph is a directed graph keyed by string.
type Graph struct {
	nodes []string
	index map[string]int
	out   map[string][]string
	in    map[string][]string
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// AddNode adds name if it is not already present.
func (g *Graph) AddNode(name string) {
	if _, ok := g.index[name]; ok {
		return
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, name)
}

// AddEdge records that from must finish before to. Both nodes are added.
// Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	for _, n := range g.out[from] {
		if n == to {
			return
		}
	}
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
}

// Has reports whether name is a node.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// Prerequisites returns the nodes that must finish before name.
func (g *Graph) Prerequisites(name string) []string {
	return append([]string(nil), g.in[name]...)
}

// Dependents returns the nodes that wait for name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.out[name]...)
}

// Downstream returns every node reachable from name, excluding name, in
// insertion order.
func (g *Graph) Downstream(name string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), g.out[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.out[n]...)
	}
	var out []string
	for _, n := range g.nodes {
		if seen[n] && n != name {
			out = append(out, n)
		}
	}
	return out
}

// TopologicalSort returns an order in which every node follows its
// prerequisites, using Kahn's algorithm.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	pending := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		pending[n] = len(g.in[n])
	}

	var ready []string
	for _, n := range g.nodes {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		var next []string
		for _, m := range g.out[n] {
			pending[m]--
			if pending[m] == 0 {
				next = append(next, m)
			}
		}
		ready = g.merge(ready, next)
	}

	if len(order) != len(g.nodes) {
		var stuck []string
		for _, n := range g.nodes {
			if pending[n] > 0 {
				stuck = append(stuck, n)
			}
		}
		return nil, &CycleError{Nodes: stuck}
	}
	return order, nil
}

// merge inserts newly ready nodes into the ready queue by insertion index.
func (g *Graph) merge(ready, next []string) []string {
	for _, n := range next {
		i := len(ready)
		for j, r := range ready {
			if g.index[n] < g.index[r] {
				i = j
				break
			}
		}
		ready = append(ready, "")
		copy(ready[i+1:], ready[i:])
		ready[i] = n
	}
	return ready
}

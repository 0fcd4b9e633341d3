package sim

import (
	"fmt"
	"sort"
	"strings"
)

// WaitForGraph maps each waiting agent to the agents holding the resource it
// waits for. Adjacency lists are sorted and free of duplicates.
type WaitForGraph map[AgentID][]AgentID

// BuildWaitFor derives the wait-for graph from the current queues and holders.
// It is rebuilt on demand; nothing is cached between calls.
func BuildWaitFor(rm *ResourceManager) WaitForGraph {
	g := make(WaitForGraph)
	for _, res := range rm.Resources() {
		s := rm.slots[res]
		if len(s.queue) == 0 {
			continue
		}
		for _, w := range s.queue {
			for _, h := range s.occupants {
				if h != w.Agent {
					g[w.Agent] = append(g[w.Agent], h)
				}
			}
		}
	}
	for a, out := range g {
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		dedup := out[:0]
		for i, b := range out {
			if i == 0 || b != out[i-1] {
				dedup = append(dedup, b)
			}
		}
		g[a] = dedup
	}
	return g
}

// EdgeCount returns the number of wait-for edges.
func (g WaitForGraph) EdgeCount() int {
	n := 0
	for _, out := range g {
		n += len(out)
	}
	return n
}

// HasEdge reports whether from waits for to.
func (g WaitForGraph) HasEdge(from, to AgentID) bool {
	for _, b := range g[from] {
		if b == to {
			return true
		}
	}
	return false
}

// Cycle is a wait-for cycle rotated to start at its smallest agent id.
// Each member waits for the next; the last waits for the first.
type Cycle []AgentID

// Signature identifies the cycle's member set regardless of order.
func (c Cycle) Signature() string {
	ids := c.Members()
	parts := make([]string, len(ids))
	for i, a := range ids {
		parts[i] = fmt.Sprint(int(a))
	}
	return strings.Join(parts, ",")
}

// Members returns the cycle's agents in ascending id order.
func (c Cycle) Members() []AgentID {
	ids := append([]AgentID(nil), c...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Contains reports whether a is a member of the cycle.
func (c Cycle) Contains(a AgentID) bool {
	for _, m := range c {
		if m == a {
			return true
		}
	}
	return false
}

func (c Cycle) canonical() Cycle {
	lo := 0
	for i := range c {
		if c[i] < c[lo] {
			lo = i
		}
	}
	out := make(Cycle, 0, len(c))
	out = append(out, c[lo:]...)
	return append(out, c[:lo]...)
}

func (c Cycle) key() string {
	parts := make([]string, len(c))
	for i, a := range c {
		parts[i] = fmt.Sprint(int(a))
	}
	return strings.Join(parts, ">")
}

const (
	white = iota
	grey
	black
)

// DetectCycles runs a three-color depth-first search over g, visiting roots
// and successors in ascending id order, and returns every cycle closed by a
// back-edge. Results are deterministic for a given graph.
func DetectCycles(g WaitForGraph) []Cycle {
	roots := make([]AgentID, 0, len(g))
	for a := range g {
		roots = append(roots, a)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	color := make(map[AgentID]int)
	pos := make(map[AgentID]int)
	seen := make(map[string]bool)
	var stack []AgentID
	var cycles []Cycle

	var visit func(u AgentID)
	visit = func(u AgentID) {
		color[u] = grey
		pos[u] = len(stack)
		stack = append(stack, u)
		for _, v := range g[u] {
			switch color[v] {
			case white:
				visit(v)
			case grey:
				c := append(Cycle(nil), stack[pos[v]:]...).canonical()
				if k := c.key(); !seen[k] {
					seen[k] = true
					cycles = append(cycles, c)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
	}
	for _, a := range roots {
		if color[a] == white {
			visit(a)
		}
	}
	return cycles
}

package sim

import (
	"fmt"
	"math"
	"sort"
)

// NodeID identifies a node. Node ids are dense: 0..NumNodes-1.
type NodeID int

// EdgeID identifies an edge. Edge ids are dense: 0..NumEdges-1.
type EdgeID int

// Node is a location agents occupy. Capacity bounds simultaneous occupants.
type Node struct {
	ID       NodeID
	Name     string
	X, Y     float64
	Capacity int // 0 defaults to 1
}

// Edge connects two nodes. A bidirectional edge has two independent one-way
// capacity pools, each of size Capacity.
type Edge struct {
	ID            EdgeID
	From, To      NodeID
	Length        float64
	Bidirectional bool
	Capacity      int // 0 defaults to 1
}

// Arc is one traversable direction of an edge.
type Arc struct {
	Edge     EdgeID
	Reverse  bool // true when traversing To → From of a bidirectional edge
	From, To NodeID
	Length   float64
}

// Resource returns the directional capacity pool this arc consumes.
func (a Arc) Resource() ResourceID { return EdgeResource(a.Edge, a.Reverse) }

// Topology is the immutable environment graph. Only occupancy (held by the
// ResourceManager) changes during a run.
type Topology struct {
	nodes      []Node
	edges      []Edge
	out        [][]Arc
	admissible bool
}

// NewTopology validates structural references and builds adjacency.
// Node and edge ids must equal their slice index.
func NewTopology(nodes []Node, edges []Edge) (*Topology, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("topology has no nodes")
	}
	t := &Topology{
		nodes:      make([]Node, len(nodes)),
		edges:      make([]Edge, len(edges)),
		out:        make([][]Arc, len(nodes)),
		admissible: true,
	}
	for i, n := range nodes {
		if int(n.ID) != i {
			return nil, fmt.Errorf("node %d: id %d does not match index", i, n.ID)
		}
		if n.Capacity < 0 {
			return nil, fmt.Errorf("node %d: capacity must be positive, got %d", i, n.Capacity)
		}
		if n.Capacity == 0 {
			n.Capacity = 1
		}
		t.nodes[i] = n
	}
	for i, e := range edges {
		if int(e.ID) != i {
			return nil, fmt.Errorf("edge %d: id %d does not match index", i, e.ID)
		}
		if !t.valid(e.From) || !t.valid(e.To) {
			return nil, fmt.Errorf("edge %d: endpoint out of range (%d -> %d)", i, e.From, e.To)
		}
		if e.From == e.To {
			return nil, fmt.Errorf("edge %d: self-loop on node %d", i, e.From)
		}
		if !(e.Length > 0) || math.IsInf(e.Length, 0) {
			return nil, fmt.Errorf("edge %d: length must be positive and finite, got %v", i, e.Length)
		}
		if e.Capacity < 0 {
			return nil, fmt.Errorf("edge %d: capacity must be positive, got %d", i, e.Capacity)
		}
		if e.Capacity == 0 {
			e.Capacity = 1
		}
		t.edges[i] = e
		t.out[e.From] = append(t.out[e.From], Arc{Edge: e.ID, From: e.From, To: e.To, Length: e.Length})
		if e.Bidirectional {
			t.out[e.To] = append(t.out[e.To], Arc{Edge: e.ID, Reverse: true, From: e.To, To: e.From, Length: e.Length})
		}
		if e.Length < t.Distance(e.From, e.To)-1e-9 {
			t.admissible = false
		}
	}
	for _, arcs := range t.out {
		sort.Slice(arcs, func(i, j int) bool {
			if arcs[i].To != arcs[j].To {
				return arcs[i].To < arcs[j].To
			}
			if arcs[i].Edge != arcs[j].Edge {
				return arcs[i].Edge < arcs[j].Edge
			}
			return !arcs[i].Reverse && arcs[j].Reverse
		})
	}
	return t, nil
}

// NewGridTopology builds a w×h grid of capacity-1 nodes joined by
// bidirectional capacity-1 edges. Node (x, y) has id y*w + x.
func NewGridTopology(w, h int, spacing float64) (*Topology, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("grid dimensions must be positive, got %dx%d", w, h)
	}
	if !(spacing > 0) {
		return nil, fmt.Errorf("grid spacing must be positive, got %v", spacing)
	}
	nodes := make([]Node, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			nodes = append(nodes, Node{
				ID:       NodeID(y*w + x),
				Name:     fmt.Sprintf("n%d_%d", x, y),
				X:        float64(x) * spacing,
				Y:        float64(y) * spacing,
				Capacity: 1,
			})
		}
	}
	var edges []Edge
	add := func(a, b int) {
		edges = append(edges, Edge{
			ID: EdgeID(len(edges)), From: NodeID(a), To: NodeID(b),
			Length: spacing, Bidirectional: true, Capacity: 1,
		})
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			id := y*w + x
			if x+1 < w {
				add(id, id+1)
			}
			if y+1 < h {
				add(id, id+w)
			}
		}
	}
	return NewTopology(nodes, edges)
}

func (t *Topology) valid(n NodeID) bool { return n >= 0 && int(n) < len(t.nodes) }

// NumNodes returns the node count.
func (t *Topology) NumNodes() int { return len(t.nodes) }

// NumEdges returns the edge count.
func (t *Topology) NumEdges() int { return len(t.edges) }

// Node returns the node with the given id.
func (t *Topology) Node(id NodeID) Node { return t.nodes[id] }

// Edge returns the edge with the given id.
func (t *Topology) Edge(id EdgeID) Edge { return t.edges[id] }

// HasNode reports whether id names a node of this topology.
func (t *Topology) HasNode(id NodeID) bool { return t.valid(id) }

// Out returns the arcs leaving n, ordered by (To, Edge).
func (t *Topology) Out(n NodeID) []Arc { return t.out[n] }

// Distance is the Euclidean distance between two nodes.
func (t *Topology) Distance(a, b NodeID) float64 {
	na, nb := t.nodes[a], t.nodes[b]
	return math.Hypot(na.X-nb.X, na.Y-nb.Y)
}

// HeuristicAdmissible reports whether every edge is at least as long as the
// straight line between its endpoints, which makes Euclidean distance an
// admissible A* heuristic.
func (t *Topology) HeuristicAdmissible() bool { return t.admissible }

// Capacity returns the capacity of a node or directional edge pool.
func (t *Topology) Capacity(r ResourceID) (int, error) {
	switch r.Kind {
	case KindNode:
		if !t.valid(NodeID(r.Index)) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownResource, r)
		}
		return t.nodes[r.Index].Capacity, nil
	case KindEdge:
		if r.Index < 0 || r.Index >= len(t.edges) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownResource, r)
		}
		e := t.edges[r.Index]
		if r.Reverse && !e.Bidirectional {
			return 0, fmt.Errorf("%w: %s (edge is one-way)", ErrUnknownResource, r)
		}
		return e.Capacity, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownResource, r)
}

// Resources lists every capacity-constrained resource: nodes first, then
// edge pools in edge order (forward before reverse).
func (t *Topology) Resources() []ResourceID {
	res := make([]ResourceID, 0, len(t.nodes)+2*len(t.edges))
	for i := range t.nodes {
		res = append(res, NodeResource(NodeID(i)))
	}
	for _, e := range t.edges {
		res = append(res, EdgeResource(e.ID, false))
		if e.Bidirectional {
			res = append(res, EdgeResource(e.ID, true))
		}
	}
	return res
}

// StronglyConnected reports whether every node can reach every other node.
func (t *Topology) StronglyConnected() bool {
	n := len(t.nodes)
	reverse := make([][]NodeID, n)
	for u, arcs := range t.out {
		for _, a := range arcs {
			reverse[a.To] = append(reverse[a.To], NodeID(u))
		}
	}
	forward := func(u NodeID) []NodeID {
		next := make([]NodeID, len(t.out[u]))
		for i, a := range t.out[u] {
			next[i] = a.To
		}
		return next
	}
	backward := func(u NodeID) []NodeID { return reverse[u] }
	return reachAll(n, forward) && reachAll(n, backward)
}

func reachAll(n int, next func(NodeID) []NodeID) bool {
	seen := make([]bool, n)
	seen[0] = true
	stack := []NodeID{0}
	count := 1
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, v := range next(u) {
			if !seen[v] {
				seen[v] = true
				count++
				stack = append(stack, v)
			}
		}
	}
	return count == n
}

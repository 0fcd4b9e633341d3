package sim

import (
	"container/heap"
	"fmt"
	"math"
)

// Hop is one edge traversal of a path.
type Hop struct {
	Edge     EdgeID
	Reverse  bool
	From, To NodeID
	Length   float64
}

// EdgeResource returns the directional pool the hop consumes.
func (h Hop) EdgeResource() ResourceID { return EdgeResource(h.Edge, h.Reverse) }

// NodeResource returns the node the hop enters.
func (h Hop) NodeResource() ResourceID { return NodeResource(h.To) }

// Path is an ordered route. Nodes has len(Hops)+1 entries.
// Cost is the search cost, which exceeds the length when congestion is priced in.
type Path struct {
	Nodes []NodeID
	Hops  []Hop
	Cost  float64
}

// Length returns the geometric length of the path.
func (p Path) Length() float64 {
	total := 0.0
	for _, h := range p.Hops {
		total += h.Length
	}
	return total
}

// Routing modes.
const (
	RoutingShortest        = "shortest"
	RoutingCongestionAware = "congestion-aware"
)

const costTieEpsilon = 1e-9

// RouteOptions selects the path cost and excluded nodes of one search.
type RouteOptions struct {
	Mode   string  // "shortest" (default) or "congestion-aware"
	Weight float64 // congestion weight, congestion-aware only
	Now    int64
	Avoid  map[NodeID]bool // nodes excluded from the search; the target is never excluded
}

// Router computes paths over a topology. Paths are computed on request and
// never cached, so congestion is read at the tick of the query.
type Router struct {
	topo *Topology
	rm   *ResourceManager
}

// NewRouter creates a router. rm may be nil for pure shortest-path use.
func NewRouter(topo *Topology, rm *ResourceManager) *Router {
	return &Router{topo: topo, rm: rm}
}

// ShortestPath returns the minimum-length path.
func (r *Router) ShortestPath(from, to NodeID) (Path, error) {
	return r.Route(from, to, RouteOptions{Mode: RoutingShortest})
}

// CongestionAwarePath prices each arc at length + weight × congestion, where
// congestion is the larger of the arc's pool score and its head node's score.
func (r *Router) CongestionAwarePath(from, to NodeID, weight float64, now int64) (Path, error) {
	return r.Route(from, to, RouteOptions{Mode: RoutingCongestionAware, Weight: weight, Now: now})
}

// Route runs A* with the Euclidean heuristic when it is admissible for the
// topology and a zero heuristic otherwise. The frontier is ordered by
// (f, node id); among equal-cost parents the lower node id wins.
func (r *Router) Route(from, to NodeID, opts RouteOptions) (Path, error) {
	if !r.topo.HasNode(from) || !r.topo.HasNode(to) {
		return Path{}, fmt.Errorf("%w: %d -> %d (unknown node)", ErrNoPath, from, to)
	}
	if from == to {
		return Path{Nodes: []NodeID{from}}, nil
	}
	cost := func(a Arc) float64 { return a.Length }
	if opts.Mode == RoutingCongestionAware && r.rm != nil && opts.Weight > 0 {
		cost = func(a Arc) float64 {
			c := math.Max(r.rm.CongestionScore(a.Resource(), opts.Now),
				r.rm.CongestionScore(NodeResource(a.To), opts.Now))
			return a.Length + opts.Weight*c
		}
	}
	h := func(NodeID) float64 { return 0 }
	if r.topo.HeuristicAdmissible() {
		h = func(n NodeID) float64 { return r.topo.Distance(n, to) }
	}

	n := r.topo.NumNodes()
	g := make([]float64, n)
	parent := make([]int, n) // predecessor node id, -1 = none
	via := make([]Arc, n)
	closed := make([]bool, n)
	for i := range g {
		g[i] = math.Inf(1)
		parent[i] = -1
	}
	g[from] = 0

	frontier := &routeHeap{}
	heap.Push(frontier, &routeNode{node: from, g: 0, f: h(from)})
	for frontier.Len() > 0 {
		cur := heap.Pop(frontier).(*routeNode)
		u := cur.node
		if closed[u] || cur.g > g[u]+costTieEpsilon {
			continue
		}
		closed[u] = true
		if u == to {
			break
		}
		for _, a := range r.topo.Out(u) {
			v := a.To
			if closed[v] || (opts.Avoid[v] && v != to) {
				continue
			}
			ng := g[u] + cost(a)
			switch {
			case ng < g[v]-costTieEpsilon:
				g[v] = ng
				parent[v] = int(u)
				via[v] = a
				heap.Push(frontier, &routeNode{node: v, g: ng, f: ng + h(v)})
			case ng <= g[v]+costTieEpsilon && int(u) < parent[v]:
				parent[v] = int(u)
				via[v] = a
			}
		}
	}
	if !closed[to] {
		return Path{}, fmt.Errorf("%w: %d -> %d", ErrNoPath, from, to)
	}

	var hops []Hop
	for v := to; v != from; v = NodeID(parent[v]) {
		a := via[v]
		hops = append(hops, Hop{Edge: a.Edge, Reverse: a.Reverse, From: a.From, To: a.To, Length: a.Length})
	}
	p := Path{Hops: make([]Hop, len(hops)), Nodes: make([]NodeID, 0, len(hops)+1), Cost: g[to]}
	for i := range hops {
		p.Hops[i] = hops[len(hops)-1-i]
	}
	p.Nodes = append(p.Nodes, from)
	for _, hp := range p.Hops {
		p.Nodes = append(p.Nodes, hp.To)
	}
	return p, nil
}

// routeNode is a frontier entry.
type routeNode struct {
	node NodeID
	g    float64
	f    float64
}

// routeHeap implements heap.Interface ordered by (f, node id).
type routeHeap []*routeNode

func (h routeHeap) Len() int { return len(h) }
func (h routeHeap) Less(i, j int) bool {
	if math.Abs(h[i].f-h[j].f) > costTieEpsilon {
		return h[i].f < h[j].f
	}
	return h[i].node < h[j].node
}
func (h routeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *routeHeap) Push(x any)   { *h = append(*h, x.(*routeNode)) }
func (h *routeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

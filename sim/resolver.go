package sim

import (
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
)

// ResolutionOutcome is the result of one resolution attempt on a cycle.
type ResolutionOutcome int

const (
	// Resolved: a member yielded and left its wait-queue.
	Resolved ResolutionOutcome = iota
	// Deferred: the strategy leaves the cycle in place for now (timeout strategy
	// before any member's wait has expired). Not counted as an attempt.
	Deferred
	// Failed: no candidate could yield. A recheck is scheduled.
	Failed
)

func (o ResolutionOutcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Deferred:
		return "deferred"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Resolution describes what the resolver did with a cycle.
type Resolution struct {
	Outcome  ResolutionOutcome
	Cycle    Cycle
	Yielder  AgentID // valid when Outcome == Resolved
	Attempts int     // attempts on this cycle signature so far
}

// Resolver breaks wait-for cycles by making one member yield.
// Strategy and selector are closed sets dispatched with a switch.
type Resolver struct {
	strategy    string
	selector    string
	backoffHops int
	maxAttempts int
	rng         *rand.Rand

	attempts map[string]int
	members  map[string][]AgentID
}

// NewResolver creates a resolver from the resolver config.
// rng backs the random selector and may be nil for other selectors.
func NewResolver(cfg ResolverConfig, rng *rand.Rand) *Resolver {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = ResolvePriority
	}
	selector := cfg.BackoffSelector
	if selector == "" {
		selector = SelectLowestID
	}
	return &Resolver{
		strategy:    strategy,
		selector:    selector,
		backoffHops: cfg.BackoffHops,
		maxAttempts: cfg.MaxResolutionAttempts,
		rng:         rng,
		attempts:    make(map[string]int),
		members:     make(map[string][]AgentID),
	}
}

// Attempts returns the attempt count of a cycle signature.
func (r *Resolver) Attempts(signature string) int { return r.attempts[signature] }

// Resolve attempts to break cycle c. Members marked escalated (their wait
// timed out) are exempt from yielding. Exceeding MaxResolutionAttempts for the
// cycle's signature returns an UnresolvedDeadlockError.
func (r *Resolver) Resolve(s *Simulator, c Cycle) (Resolution, error) {
	exempt := make(map[AgentID]bool)
	for _, id := range c {
		if s.agents[id].escalated {
			exempt[id] = true
		}
	}
	if r.strategy == ResolveTimeout && len(exempt) == 0 {
		return Resolution{Outcome: Deferred, Cycle: c}, nil
	}

	sig := c.Signature()
	r.attempts[sig]++
	r.members[sig] = c.Members()
	n := r.attempts[sig]
	if n > r.maxAttempts {
		return Resolution{Outcome: Failed, Cycle: c, Attempts: n},
			&UnresolvedDeadlockError{Time: s.Now(), Agents: c.Members(), Attempts: n - 1}
	}

	forbidden := make(map[NodeID]bool)
	for _, id := range c {
		a := s.agents[id]
		for _, res := range a.held {
			if res.Kind == KindNode {
				forbidden[NodeID(res.Index)] = true
			}
		}
		if a.waiting {
			forbidden[awaitedNode(s.topo, a.waitingOn)] = true
		}
	}

	maxHops := s.topo.NumNodes()
	if r.strategy == ResolveBackoff {
		maxHops = r.backoffHops
	}

	for _, id := range r.candidates(s, c, exempt) {
		a := s.agents[id]
		discourage := make(map[NodeID]bool)
		for _, other := range c {
			if other == id {
				continue
			}
			for _, n := range s.agents[other].remainingNodes() {
				discourage[n] = true
			}
		}
		ok, err := s.yield(a, forbidden, discourage, maxHops)
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			logrus.Infof("[tick %07d] deadlock %v resolved: agent %d yields (%s, attempt %d)",
				s.Now(), []AgentID(c), id, r.strategy, n)
			return Resolution{Outcome: Resolved, Cycle: c, Yielder: id, Attempts: n}, nil
		}
	}
	logrus.Warnf("[tick %07d] deadlock %v: no member can yield (attempt %d/%d)", s.Now(), []AgentID(c), n, r.maxAttempts)
	return Resolution{Outcome: Failed, Cycle: c, Attempts: n}, nil
}

const (
	idleBlockPrefix = "idle:"
	idleBlockDetail = "idle-holder"
)

// ResolveIdleBlock handles waiter w queued behind idle agent h when h has no
// free node to move to. w steps aside off the way h would leave by and parks
// until h has cleared w's route. Attempts count per (w, h) pair against
// MaxResolutionAttempts under every strategy, and the backoff strategy's hop
// limit applies to the step aside.
func (r *Resolver) ResolveIdleBlock(s *Simulator, w, h *Agent) (Resolution, error) {
	c := Cycle{w.ID, h.ID}.canonical()
	sig := idleBlockPrefix + c.Signature()
	r.attempts[sig]++
	r.members[sig] = c.Members()
	n := r.attempts[sig]
	if n > r.maxAttempts {
		return Resolution{Outcome: Failed, Cycle: c, Attempts: n},
			&UnresolvedDeadlockError{Time: s.Now(), Agents: c.Members(), Attempts: n - 1}
	}

	maxHops := s.topo.NumNodes()
	if r.strategy == ResolveBackoff {
		maxHops = r.backoffHops
	}
	route := w.routeNodes()
	escape := s.escapeRoute(h, w, route)
	ok, err := s.yield(w, map[NodeID]bool{h.Location: true}, escape, maxHops)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		logrus.Warnf("[tick %07d] agent %d blocked by idle agent %d: no room to step aside (attempt %d/%d)",
			s.Now(), w.ID, h.ID, n, r.maxAttempts)
		return Resolution{Outcome: Failed, Cycle: c, Attempts: n}, nil
	}
	w.parkedFor = h
	if h.clearFor == nil {
		h.clearFor = make(map[NodeID]bool)
	}
	for node := range route {
		h.clearFor[node] = true
	}
	h.clearWaiters = append(h.clearWaiters, w)
	s.idleBlocked = true
	logrus.Infof("[tick %07d] agent %d steps aside for idle agent %d (%s, attempt %d)",
		s.Now(), w.ID, h.ID, r.strategy, n)
	return Resolution{Outcome: Resolved, Cycle: c, Yielder: w.ID, Attempts: n}, nil
}

// candidates returns the non-exempt members in the order they are asked to yield.
func (r *Resolver) candidates(s *Simulator, c Cycle, exempt map[AgentID]bool) []AgentID {
	ids := make([]AgentID, 0, len(c))
	for _, id := range c.Members() {
		if !exempt[id] {
			ids = append(ids, id)
		}
	}
	if r.strategy != ResolveBackoff {
		// lowest priority first, highest id among equals
		sort.SliceStable(ids, func(i, j int) bool {
			pi, pj := s.agents[ids[i]].Priority, s.agents[ids[j]].Priority
			if pi != pj {
				return pi < pj
			}
			return ids[i] > ids[j]
		})
		return ids
	}
	switch r.selector {
	case SelectOldestHolder:
		sort.SliceStable(ids, func(i, j int) bool {
			ti, tj := s.agents[ids[i]].locationSince, s.agents[ids[j]].locationSince
			if ti != tj {
				return ti < tj
			}
			return ids[i] < ids[j]
		})
	case SelectRandom:
		if r.rng != nil {
			perm := r.rng.Perm(len(ids))
			shuffled := make([]AgentID, len(ids))
			for i, p := range perm {
				shuffled[i] = ids[p]
			}
			ids = shuffled
		}
	}
	return ids
}

// progress clears the attempt counters of every cycle containing agent.
// Called when the agent completes a task: the cycle is no longer the same episode.
func (r *Resolver) progress(agent AgentID) {
	for sig, members := range r.members {
		for _, m := range members {
			if m == agent {
				delete(r.attempts, sig)
				delete(r.members, sig)
				break
			}
		}
	}
}

// awaitedNode is the node a waiter is trying to enter.
func awaitedNode(t *Topology, res ResourceID) NodeID {
	if res.Kind == KindNode {
		return NodeID(res.Index)
	}
	e := t.Edge(EdgeID(res.Index))
	if res.Reverse {
		return e.From
	}
	return e.To
}

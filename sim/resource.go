package sim

import (
	"fmt"
	"math"
	"sort"
)

// ResourceKind distinguishes node slots from directional edge pools.
type ResourceKind int

const (
	KindNode ResourceKind = iota
	KindEdge
)

// ResourceID names one capacity-constrained resource.
type ResourceID struct {
	Kind    ResourceKind
	Index   int
	Reverse bool // edge pools only
}

// NodeResource returns the resource id of a node.
func NodeResource(n NodeID) ResourceID { return ResourceID{Kind: KindNode, Index: int(n)} }

// EdgeResource returns the resource id of one direction of an edge.
func EdgeResource(e EdgeID, reverse bool) ResourceID {
	return ResourceID{Kind: KindEdge, Index: int(e), Reverse: reverse}
}

// String renders "node:4", "edge:3" or "edge:3~" (reverse pool).
func (r ResourceID) String() string {
	if r.Kind == KindNode {
		return fmt.Sprintf("node:%d", r.Index)
	}
	if r.Reverse {
		return fmt.Sprintf("edge:%d~", r.Index)
	}
	return fmt.Sprintf("edge:%d", r.Index)
}

// Waiter is one entry in a resource's wait-queue.
type Waiter struct {
	Agent       AgentID
	Priority    int
	ArrivalTime int64 // tick the agent joined the queue
	Escalated   bool  // set by PromoteWaiter; escalated waiters precede all others
	seq         uint64
}

// Outcome is the result of a reservation request.
type Outcome int

const (
	Granted Outcome = iota
	Queued
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Grant records a queued reservation that became an occupancy on release.
type Grant struct {
	Resource ResourceID
	Agent    AgentID
	Waited   int64
}

// ResourceSlot is the occupancy and queue state of one resource.
type ResourceSlot struct {
	ID        ResourceID
	Capacity  int
	occupants []AgentID
	queue     []Waiter

	// congestion accumulator: score decays toward load with the configured half-life
	score      float64
	load       float64
	lastUpdate int64
	peak       int
}

// ResourceManager is the single owner of occupancy and wait-queue state.
// Every reservation in a run goes through it.
//
// Thread-safety: NOT thread-safe. Owned by one Simulator.
type ResourceManager struct {
	slots      map[ResourceID]*ResourceSlot
	order      []ResourceID
	discipline QueueDiscipline
	maxQueue   int
	halfLife   int64
	seq        uint64
}

// NewResourceManager creates one slot per node and per directional edge pool.
func NewResourceManager(topo *Topology, discipline QueueDiscipline, cfg ResourceConfig) *ResourceManager {
	rm := &ResourceManager{
		slots:      make(map[ResourceID]*ResourceSlot),
		discipline: discipline,
		maxQueue:   cfg.MaxQueueLength,
		halfLife:   cfg.CongestionHalfLife,
	}
	for _, id := range topo.Resources() {
		capacity, _ := topo.Capacity(id)
		rm.slots[id] = &ResourceSlot{ID: id, Capacity: capacity}
		rm.order = append(rm.order, id)
	}
	return rm
}

func (rm *ResourceManager) slot(res ResourceID) (*ResourceSlot, error) {
	s, ok := rm.slots[res]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, res)
	}
	return s, nil
}

// Reserve requests one unit of res for agent. The request is granted only
// when a unit is free and nobody is queued ahead (no barging). Otherwise the
// agent joins the wait-queue, or is rejected when the queue is full.
// Re-reserving a held resource is granted; re-reserving while queued stays queued.
func (rm *ResourceManager) Reserve(res ResourceID, agent AgentID, priority int, now int64) (Outcome, error) {
	s, err := rm.slot(res)
	if err != nil {
		return Rejected, err
	}
	if s.holds(agent) {
		return Granted, nil
	}
	if s.waiting(agent) >= 0 {
		return Queued, nil
	}
	if len(s.occupants) < s.Capacity && len(s.queue) == 0 {
		s.advance(now, rm.halfLife)
		s.occupants = append(s.occupants, agent)
		s.touch()
		return Granted, nil
	}
	if rm.maxQueue > 0 && len(s.queue) >= rm.maxQueue {
		return Rejected, nil
	}
	s.advance(now, rm.halfLife)
	rm.seq++
	s.queue = append(s.queue, Waiter{Agent: agent, Priority: priority, ArrivalTime: now, seq: rm.seq})
	rm.sortQueue(s)
	s.touch()
	return Queued, nil
}

// Release frees agent's unit of res and grants it to waiters in discipline
// order while capacity remains. The returned grants are already occupancies.
func (rm *ResourceManager) Release(res ResourceID, agent AgentID, now int64) ([]Grant, error) {
	s, err := rm.slot(res)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, a := range s.occupants {
		if a == agent {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, violation(now, "release", ErrNotHolder, "agent %d does not hold %s", agent, res)
	}
	s.advance(now, rm.halfLife)
	s.occupants = append(s.occupants[:idx], s.occupants[idx+1:]...)
	var grants []Grant
	for len(s.occupants) < s.Capacity && len(s.queue) > 0 {
		w := s.queue[0]
		s.queue = s.queue[1:]
		s.occupants = append(s.occupants, w.Agent)
		grants = append(grants, Grant{Resource: res, Agent: w.Agent, Waited: now - w.ArrivalTime})
	}
	s.touch()
	return grants, nil
}

// CancelWait removes agent from the wait-queue of res. Returns false if it was not queued.
func (rm *ResourceManager) CancelWait(res ResourceID, agent AgentID, now int64) bool {
	s, err := rm.slot(res)
	if err != nil {
		return false
	}
	i := s.waiting(agent)
	if i < 0 {
		return false
	}
	s.advance(now, rm.halfLife)
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
	s.touch()
	return true
}

// PromoteWaiter escalates a waiter so it is served before non-escalated waiters.
func (rm *ResourceManager) PromoteWaiter(res ResourceID, agent AgentID) bool {
	s, err := rm.slot(res)
	if err != nil {
		return false
	}
	i := s.waiting(agent)
	if i < 0 {
		return false
	}
	s.queue[i].Escalated = true
	rm.sortQueue(s)
	return true
}

func (rm *ResourceManager) sortQueue(s *ResourceSlot) {
	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i], s.queue[j]
		if a.Escalated != b.Escalated {
			return a.Escalated
		}
		return rm.discipline.Less(a, b)
	})
}

// Holds reports whether agent occupies res.
func (rm *ResourceManager) Holds(res ResourceID, agent AgentID) bool {
	s, ok := rm.slots[res]
	return ok && s.holds(agent)
}

// Holders returns the occupants of res in acquisition order.
func (rm *ResourceManager) Holders(res ResourceID) []AgentID {
	s, ok := rm.slots[res]
	if !ok {
		return nil
	}
	return append([]AgentID(nil), s.occupants...)
}

// Waiters returns the wait-queue of res in service order.
func (rm *ResourceManager) Waiters(res ResourceID) []Waiter {
	s, ok := rm.slots[res]
	if !ok {
		return nil
	}
	return append([]Waiter(nil), s.queue...)
}

// QueueLength returns the number of agents waiting for res.
func (rm *ResourceManager) QueueLength(res ResourceID) int {
	if s, ok := rm.slots[res]; ok {
		return len(s.queue)
	}
	return 0
}

// Occupancy returns the number of agents holding res.
func (rm *ResourceManager) Occupancy(res ResourceID) int {
	if s, ok := rm.slots[res]; ok {
		return len(s.occupants)
	}
	return 0
}

// Capacity returns the capacity of res, or 0 if unknown.
func (rm *ResourceManager) Capacity(res ResourceID) int {
	if s, ok := rm.slots[res]; ok {
		return s.Capacity
	}
	return 0
}

// PeakOccupancy returns the highest occupancy res reached so far.
func (rm *ResourceManager) PeakOccupancy(res ResourceID) int {
	if s, ok := rm.slots[res]; ok {
		return s.peak
	}
	return 0
}

// FreeFor reports whether agent could take res right now: a unit is free
// (counting agent's own unit as free) and nobody else is queued.
func (rm *ResourceManager) FreeFor(res ResourceID, agent AgentID) bool {
	s, ok := rm.slots[res]
	if !ok {
		return false
	}
	others := 0
	for _, a := range s.occupants {
		if a != agent {
			others++
		}
	}
	if others >= s.Capacity {
		return false
	}
	for _, w := range s.queue {
		if w.Agent != agent {
			return false
		}
	}
	return true
}

// CongestionScore returns the exponentially time-weighted load ratio of res
// at tick now. Load is (occupants + waiters) / capacity; the score moves
// halfway toward the current load every CongestionHalfLife ticks. A
// non-positive half-life makes the score equal to the instantaneous load.
func (rm *ResourceManager) CongestionScore(res ResourceID, now int64) float64 {
	s, ok := rm.slots[res]
	if !ok {
		return 0
	}
	if rm.halfLife <= 0 {
		return s.load
	}
	return s.scoreAt(now, rm.halfLife)
}

// QueuedAgents counts wait-queue memberships per agent across all resources.
func (rm *ResourceManager) QueuedAgents() map[AgentID]int {
	out := make(map[AgentID]int)
	for _, id := range rm.order {
		for _, w := range rm.slots[id].queue {
			out[w.Agent]++
		}
	}
	return out
}

// Resources returns every resource id in deterministic order.
func (rm *ResourceManager) Resources() []ResourceID { return rm.order }

// CheckInvariants verifies occupancy ≤ capacity, no duplicate occupants or
// waiters, and that a non-empty queue implies a full slot.
func (rm *ResourceManager) CheckInvariants(now int64) error {
	for _, id := range rm.order {
		s := rm.slots[id]
		if len(s.occupants) > s.Capacity {
			return violation(now, "check", ErrCapacityExceeded,
				"%s has %d occupants, capacity %d", id, len(s.occupants), s.Capacity)
		}
		seen := make(map[AgentID]bool, len(s.occupants)+len(s.queue))
		for _, a := range s.occupants {
			if seen[a] {
				return violation(now, "check", ErrInvariant, "agent %d occupies %s twice", a, id)
			}
			seen[a] = true
		}
		for _, w := range s.queue {
			if seen[w.Agent] {
				return violation(now, "check", ErrInvariant, "agent %d both holds and waits for %s", w.Agent, id)
			}
			seen[w.Agent] = true
		}
		if len(s.queue) > 0 && len(s.occupants) < s.Capacity {
			return violation(now, "check", ErrInvariant,
				"%s has %d waiters with %d of %d units free", id, len(s.queue), s.Capacity-len(s.occupants), s.Capacity)
		}
	}
	return nil
}

func (s *ResourceSlot) holds(agent AgentID) bool {
	for _, a := range s.occupants {
		if a == agent {
			return true
		}
	}
	return false
}

func (s *ResourceSlot) waiting(agent AgentID) int {
	for i, w := range s.queue {
		if w.Agent == agent {
			return i
		}
	}
	return -1
}

// advance folds the time since the last update into the score.
func (s *ResourceSlot) advance(now, halfLife int64) {
	if halfLife > 0 {
		s.score = s.scoreAt(now, halfLife)
	}
	if now > s.lastUpdate {
		s.lastUpdate = now
	}
}

func (s *ResourceSlot) scoreAt(now, halfLife int64) float64 {
	dt := now - s.lastUpdate
	if dt <= 0 {
		return s.score
	}
	alpha := 1 - math.Exp(-float64(dt)*math.Ln2/float64(halfLife))
	return s.score + (s.load-s.score)*alpha
}

// touch recomputes load after a mutation.
func (s *ResourceSlot) touch() {
	s.load = float64(len(s.occupants)+len(s.queue)) / float64(s.Capacity)
	if len(s.occupants) > s.peak {
		s.peak = len(s.occupants)
	}
}

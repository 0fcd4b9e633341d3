package sim

import (
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/fleetsim/sim/trace"
)

// === dispatch ===

func (s *Simulator) arrive(t *Task) error {
	r := s.rec(trace.KindTaskCreated)
	r.Task = t.ID
	r.Resource = NodeResource(t.Station).String()
	s.emit(r)

	if a := s.nearestIdle(t.Station); a != nil {
		return s.assign(a, t)
	}
	if s.cfg.MaxPendingTasks > 0 && len(s.pending) >= s.cfg.MaxPendingTasks {
		s.rejectTask(t, "pending queue full")
		return nil
	}
	s.pending = append(s.pending, t)
	r = s.rec(trace.KindTaskDelayed)
	r.Task = t.ID
	r.Detail = "no idle agent"
	s.emit(r)
	return nil
}

// nearestIdle returns the idle agent with the cheapest shortest path to
// node, lowest id on ties. Nil when no idle agent can reach it.
func (s *Simulator) nearestIdle(node NodeID) *Agent {
	var best *Agent
	bestCost := math.Inf(1)
	for _, a := range s.agents {
		if a.State != StateIdle || a.goal != goalNone {
			continue
		}
		p, err := s.router.ShortestPath(a.Location, node)
		if err != nil {
			continue
		}
		if p.Cost < bestCost-costTieEpsilon {
			best, bestCost = a, p.Cost
		}
	}
	return best
}

func (s *Simulator) assign(a *Agent, t *Task) error {
	t.State = TaskAssigned
	t.Agent = a.ID
	t.AssignedAt = s.Now()
	a.task = t
	r := s.agentRec(trace.KindTaskAssigned, a)
	r.Resource = NodeResource(t.Station).String()
	s.emit(r)
	logrus.Debugf("[tick %07d] task %d -> agent %d", s.Now(), t.ID, a.ID)
	s.setGoal(a, goalStation, t.Station)
	return nil
}

func (s *Simulator) rejectTask(t *Task, reason string) {
	t.State = TaskRejected
	r := s.rec(trace.KindTaskRejected)
	r.Task = t.ID
	if t.Agent >= 0 {
		r.Agent = int(t.Agent)
	}
	r.Detail = reason
	s.emit(r)
	logrus.Warnf("[tick %07d] task %d rejected: %s", s.Now(), t.ID, reason)
}

// === movement ===

func (s *Simulator) setGoal(a *Agent, g goalKind, target NodeID) {
	s.releaseParked(a)
	a.goal = g
	a.target = target
	a.plan = nil
	a.avoid = nil
	a.replan = false
	s.scheduleStep(a, s.Now())
}

// scheduleStep replaces any pending step of a with one at tick at.
func (s *Simulator) scheduleStep(a *Agent, at int64) {
	if a.nextStep != 0 {
		s.queue.Cancel(a.nextStep)
	}
	a.nextStep = s.schedule(&MoveStartEvent{time: at, Agent: a})
}

func (s *Simulator) scheduleRetry(a *Agent, at int64) {
	if a.nextStep != 0 {
		s.queue.Cancel(a.nextStep)
	}
	a.nextStep = s.schedule(&RetryEvent{time: at, Agent: a})
}

// step advances a toward its target by one hop, or handles arrival.
func (s *Simulator) step(a *Agent) error {
	if a.parked {
		a.parked, a.parkedFor = false, nil
	}
	if a.waiting || a.pendingGrant || a.Transit != nil || a.goal == goalNone ||
		a.State == StateWorking || a.State == StateCharging {
		return nil
	}
	if a.Location == a.target {
		return s.arrived(a)
	}
	if s.needsRoute(a) {
		p, err := s.route(a)
		if errors.Is(err, ErrNoPath) {
			return s.unreachable(a)
		}
		if err != nil {
			return err
		}
		a.plan = p.Hops
		a.replan = false
	}
	s.setState(a, StateTraveling)
	return s.acquireHop(a)
}

func (s *Simulator) needsRoute(a *Agent) bool {
	if len(a.plan) == 0 || a.plan[0].From != a.Location || a.replan {
		return true
	}
	return a.goal != goalRetreat && s.cfg.Policy.RoutingMode == RoutingCongestionAware
}

func (s *Simulator) route(a *Agent) (Path, error) {
	opts := RouteOptions{
		Mode:   s.cfg.Policy.RoutingMode,
		Weight: s.cfg.Policy.CongestionWeight,
		Now:    s.Now(),
		Avoid:  a.avoid,
	}
	p, err := s.router.Route(a.Location, a.target, opts)
	if err != nil && len(a.avoid) > 0 {
		a.avoid = nil
		opts.Avoid = nil
		p, err = s.router.Route(a.Location, a.target, opts)
	}
	return p, err
}

func (s *Simulator) unreachable(a *Agent) error {
	logrus.Warnf("[tick %07d] agent %d: no path from %d to %d", s.Now(), a.ID, a.Location, a.target)
	switch a.goal {
	case goalStation, goalDestination:
		t := a.task
		a.task = nil
		s.rejectTask(t, "unreachable")
		return s.becomeIdle(a)
	case goalRetreat:
		return s.finishRetreat(a)
	default:
		return s.becomeIdle(a)
	}
}

// acquireHop reserves the next node, then the directional edge pool, and
// starts the traversal once both are held.
func (s *Simulator) acquireHop(a *Agent) error {
	if len(a.plan) == 0 {
		s.scheduleStep(a, s.Now())
		return nil
	}
	hop := a.plan[0]
	for _, res := range []ResourceID{hop.NodeResource(), hop.EdgeResource()} {
		if s.rm.Holds(res, a.ID) {
			continue
		}
		out, err := s.reserve(a, res)
		if err != nil {
			return err
		}
		switch out {
		case Queued:
			return s.startWait(a, res)
		case Rejected:
			return s.contention(a, res)
		}
	}
	return s.startMove(a, hop)
}

func (s *Simulator) reserve(a *Agent, res ResourceID) (Outcome, error) {
	out, err := s.rm.Reserve(res, a.ID, a.Priority, s.Now())
	if err != nil {
		return out, err
	}
	var kind trace.Kind
	switch out {
	case Granted:
		a.held = append(a.held, res)
		kind = trace.KindResourceGranted
	case Queued:
		kind = trace.KindResourceQueued
	case Rejected:
		kind = trace.KindResourceRejected
	}
	r := s.agentRec(kind, a)
	r.Resource = res.String()
	s.emit(r)
	return out, nil
}

func (s *Simulator) release(a *Agent, res ResourceID) error {
	grants, err := s.rm.Release(res, a.ID, s.Now())
	if err != nil {
		return err
	}
	a.dropHeld(res)
	r := s.agentRec(trace.KindResourceReleased, a)
	r.Resource = res.String()
	s.emit(r)
	for _, g := range grants {
		s.onGranted(g)
	}
	return nil
}

// releaseAhead releases every reservation except the current location.
func (s *Simulator) releaseAhead(a *Agent) error {
	loc := NodeResource(a.Location)
	for _, res := range append([]ResourceID(nil), a.held...) {
		if res == loc {
			continue
		}
		if err := s.release(a, res); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) travelTicks(length, speed float64) int64 {
	ticks := int64(math.Ceil(length * float64(s.cfg.Motion.TicksPerUnit) / speed))
	if ticks < 1 {
		return 1
	}
	return ticks
}

func (s *Simulator) startMove(a *Agent, hop Hop) error {
	a.plan = a.plan[1:]
	h := hop
	a.Transit = &h
	s.setState(a, StateTraveling)
	s.schedule(&MoveEndEvent{time: s.Now() + s.travelTicks(hop.Length, a.Speed), Agent: a, Hop: hop})
	return nil
}

// moveEnd lands a on the hop's head node and frees the tail node and the edge.
// The next hop is always taken by a fresh MoveStartEvent at the same tick, so
// grants produced by these releases are dispatched first.
func (s *Simulator) moveEnd(a *Agent, hop Hop) error {
	prev := a.Location
	a.Transit = nil
	a.Location = hop.To
	a.locationSince = s.Now()
	a.Distance += hop.Length
	if s.cfg.Battery.Enabled {
		a.Battery = math.Max(0, a.Battery-hop.Length*s.cfg.Battery.DrainPerUnit)
	}
	if err := s.release(a, NodeResource(prev)); err != nil {
		return err
	}
	if err := s.release(a, hop.EdgeResource()); err != nil {
		return err
	}
	s.scheduleStep(a, s.Now())
	return nil
}

// contention handles a rejected reservation: drop reservations ahead, avoid
// the contended node and retry after RetryDelay.
func (s *Simulator) contention(a *Agent, res ResourceID) error {
	if a.task != nil {
		r := s.agentRec(trace.KindTaskDelayed, a)
		r.Resource = res.String()
		r.Detail = "contention"
		s.emit(r)
	}
	logrus.Warnf("[tick %07d] agent %d rejected on %s, rerouting", s.Now(), a.ID, res)
	if node := awaitedNode(s.topo, res); node != a.target {
		a.avoid = map[NodeID]bool{node: true}
	}
	a.plan = nil
	if err := s.releaseAhead(a); err != nil {
		return err
	}
	s.scheduleRetry(a, s.Now()+s.cfg.Resolver.RetryDelay)
	return nil
}

// === arrival and service ===

func (s *Simulator) arrived(a *Agent) error {
	a.plan = nil
	a.avoid = nil
	switch a.goal {
	case goalStation, goalDestination:
		s.setState(a, StateWorking)
		s.schedule(&ServiceStartEvent{time: s.Now(), Agent: a})
	case goalRetreat:
		return s.finishRetreat(a)
	case goalCharger:
		s.setState(a, StateCharging)
		r := s.agentRec(trace.KindChargingStarted, a)
		r.Resource = NodeResource(a.Location).String()
		s.emit(r)
		b := s.cfg.Battery
		ticks := int64(math.Ceil(float64(b.ChargeTicks) * (1 - a.Battery/b.Capacity)))
		if ticks < 1 {
			ticks = 1
		}
		s.schedule(&ChargeEndEvent{time: s.Now() + ticks, Agent: a})
	}
	return nil
}

func (s *Simulator) startService(a *Agent) error {
	t := a.task
	if t == nil {
		return s.becomeIdle(a)
	}
	t.State = TaskInService
	ticks := t.ServiceTicks
	if t.delivering {
		ticks = t.DropoffTicks
	}
	s.schedule(&ServiceEndEvent{time: s.Now() + ticks, Agent: a})
	return nil
}

func (s *Simulator) endService(a *Agent) error {
	t := a.task
	if t == nil {
		return s.becomeIdle(a)
	}
	if !t.delivering {
		if st := s.stationAt[a.Location]; st != nil {
			st.Served++
		}
		if t.HasDestination && t.Destination != a.Location {
			t.delivering = true
			t.State = TaskAssigned
			s.setState(a, StateTraveling)
			s.setGoal(a, goalDestination, t.Destination)
			return nil
		}
	}
	t.State = TaskCompleted
	t.CompletedAt = s.Now()
	a.TasksCompleted++
	r := s.agentRec(trace.KindTaskCompleted, a)
	r.Duration = t.CompletedAt - t.Arrival
	s.emit(r)
	logrus.Infof("[tick %07d] task %d completed by agent %d", s.Now(), t.ID, a.ID)
	a.task = nil
	s.resolver.progress(a.ID)
	return s.becomeIdle(a)
}

func (s *Simulator) endCharge(a *Agent) error {
	a.Battery = s.cfg.Battery.Capacity
	r := s.agentRec(trace.KindChargingEnded, a)
	r.Resource = NodeResource(a.Location).String()
	s.emit(r)
	return s.becomeIdle(a)
}

func (s *Simulator) finishRetreat(a *Agent) error {
	a.plan = nil
	a.roomFor = nil
	if a.clearing {
		s.releaseParked(a)
	}
	if a.resumeGoal != goalNone {
		g, target := a.resumeGoal, a.resumeTarget
		a.resumeGoal = goalNone
		if h := a.parkedFor; h != nil {
			// hold here until h has left the route, or RetryDelay at most
			// when h has not started moving
			a.goal, a.target = g, target
			a.avoid, a.replan = nil, false
			a.parked = true
			wake := s.Now() + s.cfg.Resolver.RetryDelay
			if h.clearing && h.clearETA > wake {
				wake = h.clearETA
			}
			s.scheduleRetry(a, wake)
			return nil
		}
		s.setGoal(a, g, target)
		return nil
	}
	return s.becomeIdle(a)
}

// becomeIdle sends a to charge if its battery is low, hands it the oldest
// pending task, or moves it off its node if others are queued for it.
func (s *Simulator) becomeIdle(a *Agent) error {
	a.goal = goalNone
	a.plan = nil
	a.avoid = nil
	a.replan = false
	s.setState(a, StateIdle)

	if b := s.cfg.Battery; b.Enabled && a.Battery < b.RechargeThreshold*b.Capacity {
		if node, ok := s.nearestCharger(a); ok {
			s.setGoal(a, goalCharger, node)
			return nil
		}
		logrus.Warnf("[tick %07d] agent %d: battery low (%.1f) and no reachable charger", s.Now(), a.ID, a.Battery)
	}
	if len(s.pending) > 0 {
		t := s.pending[0]
		s.pending = s.pending[1:]
		return s.assign(a, t)
	}
	if a.clearFor != nil {
		s.clearAside(a)
		return nil
	}
	if loc := NodeResource(a.Location); s.rm.QueueLength(loc) > 0 {
		s.evict(a, loc)
	}
	return nil
}

func (s *Simulator) nearestCharger(a *Agent) (NodeID, bool) {
	best, found := NodeID(0), false
	bestCost := math.Inf(1)
	for _, st := range s.stations {
		if st.Kind != StationCharger {
			continue
		}
		p, err := s.router.ShortestPath(a.Location, st.Node)
		if err != nil {
			continue
		}
		if p.Cost < bestCost-costTieEpsilon {
			best, bestCost, found = st.Node, p.Cost, true
		}
	}
	return best, found
}

// === waiting ===

func (s *Simulator) onGranted(g Grant) {
	b := s.agents[g.Agent]
	b.held = append(b.held, g.Resource)
	r := s.agentRec(trace.KindResourceGranted, b)
	r.Resource = g.Resource.String()
	r.Duration = g.Waited
	s.emit(r)
	s.endWait(b)
	b.pendingGrant = true
	s.schedule(&ResourceGrantEvent{time: s.Now(), Agent: b, Resource: g.Resource})
}

func (s *Simulator) startWait(a *Agent, res ResourceID) error {
	a.waiting = true
	a.waitingOn = res
	a.waitSince = s.Now()
	a.Waits++
	a.replan = true
	s.setState(a, StateWaiting)
	r := s.agentRec(trace.KindWaitStarted, a)
	r.Resource = res.String()
	s.emit(r)
	logrus.Debugf("[tick %07d] agent %d waits for %s held by %v", s.Now(), a.ID, res, s.rm.Holders(res))

	if timeout := s.cfg.Resolver.WaitTimeout; timeout > 0 {
		a.timeoutEvent = s.schedule(&WaitTimeoutEvent{time: s.Now() + timeout, Agent: a, Resource: res})
	}
	s.evictIdleHolders(res)
	if s.cfg.Resolver.Detection != DetectionPeriodic {
		_, err := s.detectAndResolve()
		return err
	}
	return nil
}

func (s *Simulator) endWait(a *Agent) {
	if !a.waiting {
		return
	}
	dur := s.Now() - a.waitSince
	a.WaitTicks += dur
	a.waiting = false
	a.escalated = false
	if a.timeoutEvent != 0 {
		s.queue.Cancel(a.timeoutEvent)
		a.timeoutEvent = 0
	}
	r := s.agentRec(trace.KindWaitEnded, a)
	r.Resource = a.waitingOn.String()
	r.Duration = dur
	s.emit(r)
}

func (s *Simulator) waitTimeout(a *Agent, res ResourceID) error {
	a.timeoutEvent = 0
	if !a.waiting || a.waitingOn != res {
		return nil
	}
	r := s.agentRec(trace.KindWaitTimeout, a)
	r.Resource = res.String()
	r.Duration = s.Now() - a.waitSince
	s.emit(r)
	logrus.Warnf("[tick %07d] agent %d waited %d ticks for %s, escalating", s.Now(), a.ID, r.Duration, res)
	s.rm.PromoteWaiter(res, a.ID)
	a.escalated = true
	if s.cfg.Resolver.Detection != DetectionPeriodic {
		_, err := s.detectAndResolve()
		return err
	}
	return nil
}

// evictIdleHolders moves idle agents off a node someone is queued for.
func (s *Simulator) evictIdleHolders(res ResourceID) {
	if res.Kind != KindNode {
		return
	}
	for _, id := range s.rm.Holders(res) {
		if h := s.agents[id]; h.atRest() {
			s.evict(h, res)
		}
	}
}

// evict sends idle agent h to the nearest free node, discouraging the
// remaining paths of the agents queued for res. When h has nowhere to go,
// idle neighbours are moved to make room and the attempt is retried after
// later events.
func (s *Simulator) evict(h *Agent, res ResourceID) bool {
	discourage := make(map[NodeID]bool)
	for _, w := range s.rm.Waiters(res) {
		waiter := s.agents[w.Agent]
		for _, n := range waiter.remainingNodes() {
			discourage[n] = true
		}
		if target, ok := waiter.Target(); ok {
			discourage[target] = true
		}
	}
	path, ok := s.findRetreat(h, nil, discourage, s.topo.NumNodes())
	if !ok {
		logrus.Debugf("[tick %07d] idle agent %d blocks %s but has nowhere to go", s.Now(), h.ID, res)
		s.idleBlocked = true
		s.scheduleRecheck()
		s.makeRoom(h, discourage)
		return false
	}
	logrus.Debugf("[tick %07d] idle agent %d clears %s, moving to %d", s.Now(), h.ID, res, path.Nodes[len(path.Nodes)-1])
	s.sendAside(h, path)
	return true
}

// sendAside starts a retreat of an idle agent along path.
func (s *Simulator) sendAside(h *Agent, path Path) {
	h.goal = goalRetreat
	h.target = path.Nodes[len(path.Nodes)-1]
	h.plan = path.Hops
	h.resumeGoal = goalNone
	h.replan = false
	s.scheduleStep(h, s.Now())
}

// makeRoom moves idle agents on the nodes next to h somewhere not adjacent
// to h, so h gets a way out.
func (s *Simulator) makeRoom(h *Agent, discourage map[NodeID]bool) {
	around := map[NodeID]bool{h.Location: true}
	for _, arc := range s.topo.Out(h.Location) {
		around[arc.To] = true
	}
	forbidden := map[NodeID]bool{h.Location: true}
	for _, arc := range s.topo.Out(h.Location) {
		for _, id := range s.rm.Holders(NodeResource(arc.To)) {
			x := s.agents[id]
			if x == h || !x.atRest() {
				continue
			}
			path, ok := s.findRetreat(x, forbidden, discourage, s.topo.NumNodes())
			if !ok || around[path.Nodes[len(path.Nodes)-1]] {
				continue
			}
			logrus.Debugf("[tick %07d] idle agent %d moves to %d to make room for agent %d",
				s.Now(), x.ID, path.Nodes[len(path.Nodes)-1], h.ID)
			x.roomFor = h
			s.sendAside(x, path)
		}
	}
}

// makingRoom reports whether some agent is moving aside to let h out.
func (s *Simulator) makingRoom(h *Agent) bool {
	for _, x := range s.agents {
		if x.roomFor == h && x.goal == goalRetreat {
			return true
		}
	}
	return false
}

// clearAside moves idle agent h off the routes of the waiters parked for it.
// Only a node outside those routes will do; otherwise h stays and the
// attempt is retried after later events.
func (s *Simulator) clearAside(h *Agent) {
	parked := false
	for _, w := range h.clearWaiters {
		if w.parkedFor == h {
			parked = true
		}
	}
	if !parked {
		s.releaseParked(h)
		return
	}
	path, ok := s.findRetreat(h, nil, h.clearFor, s.topo.NumNodes())
	if !ok || h.clearFor[path.Nodes[len(path.Nodes)-1]] {
		s.idleBlocked = true
		return
	}
	h.clearing = true
	h.clearETA = s.Now()
	for _, hop := range path.Hops {
		h.clearETA += s.travelTicks(hop.Length, h.Speed)
	}
	logrus.Debugf("[tick %07d] idle agent %d clears the way, moving to %d", s.Now(), h.ID, path.Nodes[len(path.Nodes)-1])
	s.sendAside(h, path)
	for _, w := range h.clearWaiters {
		if w.parkedFor == h && w.parked {
			s.scheduleRetry(w, h.clearETA)
		}
	}
}

// releaseParked drops h's obligation to clear a route and wakes the waiters
// parked for it.
func (s *Simulator) releaseParked(h *Agent) {
	for _, w := range h.clearWaiters {
		if w.parkedFor != h {
			continue
		}
		w.parkedFor = nil
		if w.parked {
			w.parked = false
			s.scheduleStep(w, s.Now())
		}
	}
	h.clearFor, h.clearWaiters = nil, nil
	h.clearing, h.clearETA = false, 0
}

// retryEvictions re-attempts the evictions that failed earlier, after an
// event that may have freed a node.
func (s *Simulator) retryEvictions() {
	s.idleBlocked = false
	for _, h := range s.agents {
		if !h.atRest() {
			continue
		}
		if h.clearFor != nil {
			s.clearAside(h)
			continue
		}
		if loc := NodeResource(h.Location); s.rm.QueueLength(loc) > 0 {
			s.evict(h, loc)
		}
	}
}

// escapeRoute returns the nodes idle agent h would cross to get off route if
// w were out of the way, or route itself when there is no such path.
func (s *Simulator) escapeRoute(h, w *Agent, route map[NodeID]bool) map[NodeID]bool {
	passable := func(res ResourceID) bool {
		return s.rm.FreeFor(res, h.ID) || s.rm.Holds(res, w.ID)
	}
	parent := map[NodeID]NodeID{h.Location: h.Location}
	queue := []NodeID{h.Location}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, arc := range s.topo.Out(u) {
			v := arc.To
			if _, seen := parent[v]; seen || !passable(arc.Resource()) || !passable(NodeResource(v)) {
				continue
			}
			parent[v] = u
			if !route[v] {
				escape := make(map[NodeID]bool)
				for n := v; n != h.Location; n = parent[n] {
					escape[n] = true
				}
				return escape
			}
			queue = append(queue, v)
		}
	}
	escape := make(map[NodeID]bool, len(route))
	for n := range route {
		escape[n] = true
	}
	return escape
}

// resolveIdleBlocks handles waiters queued for a node whose idle holder has
// no free node to move to. Such a chain has no cycle, so the waiter steps
// aside and parks until the holder has cleared its route.
func (s *Simulator) resolveIdleBlocks(tried map[string]bool) (bool, error) {
	for _, w := range s.agents {
		if !w.waiting || w.waitingOn.Kind != KindNode {
			continue
		}
		for _, id := range s.rm.Holders(w.waitingOn) {
			h := s.agents[id]
			if !h.atRest() {
				continue
			}
			if s.evict(h, w.waitingOn) {
				return true, nil
			}
			if s.makingRoom(h) {
				continue
			}
			c := Cycle{w.ID, h.ID}.canonical()
			key := idleBlockPrefix + c.Signature()
			if tried[key] {
				continue
			}
			tried[key] = true

			r := s.rec(trace.KindDeadlockDetected)
			r.Agents = cycleInts(c)
			r.Detail = idleBlockDetail
			s.emit(r)
			res, err := s.resolver.ResolveIdleBlock(s, w, h)
			if err != nil {
				return false, err
			}
			if res.Outcome != Resolved {
				s.scheduleRecheck()
				continue
			}
			r = s.rec(trace.KindDeadlockResolved)
			r.Agent = int(w.ID)
			r.Agents = cycleInts(c)
			r.Detail = idleBlockDetail
			s.emit(r)
			return true, nil
		}
	}
	return false, nil
}

// === deadlock handling ===

// detectAndResolve rebuilds the wait-for graph and resolves cycles until none
// is resolvable. Reports whether any cycle was resolved.
func (s *Simulator) detectAndResolve() (bool, error) {
	progress := false
	tried := make(map[string]bool)
	for {
		cycles := DetectCycles(BuildWaitFor(s.rm))
		current := make(map[string]bool, len(cycles))
		for _, c := range cycles {
			current[c.Signature()] = true
		}
		for sig := range s.activeCycles {
			if !current[sig] {
				delete(s.activeCycles, sig)
			}
		}

		resolved := false
		for _, c := range cycles {
			sig := c.Signature()
			if tried[sig] {
				continue
			}
			if !s.activeCycles[sig] {
				s.activeCycles[sig] = true
				r := s.rec(trace.KindDeadlockDetected)
				r.Agents = cycleInts(c)
				s.emit(r)
				logrus.Infof("[tick %07d] deadlock detected among agents %v", s.Now(), []AgentID(c))
			}
			res, err := s.resolver.Resolve(s, c)
			if err != nil {
				return progress, err
			}
			tried[sig] = true
			switch res.Outcome {
			case Resolved:
				delete(s.activeCycles, sig)
				delete(tried, sig)
				r := s.rec(trace.KindDeadlockResolved)
				r.Agent = int(res.Yielder)
				r.Agents = cycleInts(c)
				r.Detail = s.resolver.strategy
				s.emit(r)
				resolved = true
			case Failed:
				s.scheduleRecheck()
			}
			if resolved {
				break
			}
		}
		if !resolved {
			var err error
			if resolved, err = s.resolveIdleBlocks(tried); err != nil {
				return progress, err
			}
			if !resolved {
				return progress, nil
			}
		}
		progress = true
	}
}

func (s *Simulator) scheduleRecheck() {
	if s.recheck != 0 {
		return
	}
	s.recheck = s.schedule(&DeadlockCheckEvent{time: s.Now() + s.cfg.Resolver.RetryDelay})
}

func (s *Simulator) anyWaiting() bool {
	for _, a := range s.agents {
		if a.waiting {
			return true
		}
	}
	return false
}

// yield moves a out of a cycle: it leaves its wait-queue, drops reservations
// ahead, and retreats to a free node outside forbidden within maxHops.
// Its original goal is resumed after the retreat. Returns false when no
// retreat exists.
func (s *Simulator) yield(a *Agent, forbidden, discourage map[NodeID]bool, maxHops int) (bool, error) {
	if a.Transit != nil || a.pendingGrant {
		return false, nil
	}
	path, ok := s.findRetreat(a, forbidden, discourage, maxHops)
	if !ok {
		return false, nil
	}
	if a.waiting {
		s.rm.CancelWait(a.waitingOn, a.ID, s.Now())
		s.endWait(a)
	}
	if err := s.releaseAhead(a); err != nil {
		return false, err
	}
	if a.goal != goalRetreat && a.goal != goalNone {
		a.resumeGoal, a.resumeTarget = a.goal, a.target
	}
	a.goal = goalRetreat
	a.target = path.Nodes[len(path.Nodes)-1]
	a.plan = path.Hops
	a.avoid = nil
	a.replan = false
	a.Yields++
	if a.nextStep != 0 {
		s.queue.Cancel(a.nextStep)
		a.nextStep = 0
	}
	s.setState(a, StateTraveling)
	return true, s.acquireHop(a)
}

// findRetreat runs a breadth-first search from a's location through free
// nodes and edge pools, never entering forbidden nodes, and returns the path
// to the nearest free node outside discourage (or inside it when nothing else
// is reachable). Arcs are explored in (To, Edge) order, so results are deterministic.
func (s *Simulator) findRetreat(a *Agent, forbidden, discourage map[NodeID]bool, maxHops int) (Path, bool) {
	type visit struct {
		via   Arc
		depth int
	}
	start := a.Location
	seen := map[NodeID]visit{start: {}}
	queue := []NodeID{start}
	fallback := NodeID(-1)

	build := func(target NodeID) Path {
		var hops []Hop
		for v := target; v != start; {
			arc := seen[v].via
			hops = append(hops, Hop{Edge: arc.Edge, Reverse: arc.Reverse, From: arc.From, To: arc.To, Length: arc.Length})
			v = arc.From
		}
		p := Path{Nodes: []NodeID{start}}
		for i := len(hops) - 1; i >= 0; i-- {
			p.Hops = append(p.Hops, hops[i])
			p.Nodes = append(p.Nodes, hops[i].To)
			p.Cost += hops[i].Length
		}
		return p
	}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		d := seen[u].depth
		if d >= maxHops {
			continue
		}
		for _, arc := range s.topo.Out(u) {
			v := arc.To
			if _, ok := seen[v]; ok || forbidden[v] {
				continue
			}
			if !s.rm.FreeFor(arc.Resource(), a.ID) || !s.rm.FreeFor(NodeResource(v), a.ID) {
				continue
			}
			seen[v] = visit{via: arc, depth: d + 1}
			if !discourage[v] {
				return build(v), true
			}
			if fallback < 0 {
				fallback = v
			}
			queue = append(queue, v)
		}
	}
	if fallback >= 0 {
		return build(fallback), true
	}
	return Path{}, false
}

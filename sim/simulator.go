// sim/simulator.go
package sim

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/fleetsim/sim/trace"
)

// Simulator is the explicit run context of one simulation: clock, resources,
// router, resolver and entities. Nothing is shared between simulators,
// so independent runs may execute on separate goroutines.
//
// Thread-safety: NOT thread-safe. Run on a single goroutine.
type Simulator struct {
	cfg       Config
	topo      *Topology
	queue     *EventQueue
	rm        *ResourceManager
	router    *Router
	resolver  *Resolver
	agents    []*Agent
	stations  []*Station
	stationAt map[NodeID]*Station
	tasks     []*Task
	pending   []*Task
	collector MetricsCollector
	metrics   Metrics

	activeCycles map[string]bool
	recheck      EventID
	idleBlocked  bool // an idle agent failed to move off a node someone waits for
	processed    int
	err          error
}

// NewSimulator places agents on their start nodes and schedules every task
// arrival. collector may be nil.
func NewSimulator(cfg Config, topo *Topology, agents []AgentSpec, stations []StationSpec, tasks []TaskSpec, collector MetricsCollector) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if topo == nil {
		return nil, fmt.Errorf("nil topology")
	}
	streams := NewRandomStreams(cfg.Seed)
	rm := NewResourceManager(topo, NewQueueDiscipline(cfg.Policy.QueueDiscipline), cfg.Resource)
	s := &Simulator{
		cfg:          cfg,
		topo:         topo,
		queue:        NewEventQueue(),
		rm:           rm,
		router:       NewRouter(topo, rm),
		resolver:     NewResolver(cfg.Resolver, streams.Resolver()),
		stationAt:    make(map[NodeID]*Station),
		collector:    collector,
		activeCycles: make(map[string]bool),
	}

	for i, spec := range agents {
		if int(spec.ID) != i {
			return nil, fmt.Errorf("agent %d: id %d does not match index", i, spec.ID)
		}
		if !topo.HasNode(spec.Start) {
			return nil, fmt.Errorf("agent %d: start node %d does not exist", i, spec.Start)
		}
		start := NodeResource(spec.Start)
		if rm.Occupancy(start) >= rm.Capacity(start) {
			return nil, fmt.Errorf("agent %d: start node %d is already full", i, spec.Start)
		}
		a := newAgent(spec, cfg.Motion.DefaultSpeed)
		if cfg.Battery.Enabled && a.Battery <= 0 {
			a.Battery = cfg.Battery.Capacity
		}
		if _, err := rm.Reserve(start, a.ID, a.Priority, 0); err != nil {
			return nil, fmt.Errorf("agent %d: %w", i, err)
		}
		a.held = append(a.held, start)
		s.agents = append(s.agents, a)
	}

	for i, spec := range stations {
		if !topo.HasNode(spec.Node) {
			return nil, fmt.Errorf("station %d: node %d does not exist", i, spec.Node)
		}
		if _, dup := s.stationAt[spec.Node]; dup {
			return nil, fmt.Errorf("station %d: node %d already has a station", i, spec.Node)
		}
		if spec.Kind == "" {
			spec.Kind = StationService
		}
		st := &Station{StationSpec: spec}
		s.stations = append(s.stations, st)
		s.stationAt[spec.Node] = st
	}

	ordered := append([]TaskSpec(nil), tasks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Arrival != ordered[j].Arrival {
			return ordered[i].Arrival < ordered[j].Arrival
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, spec := range ordered {
		if spec.Arrival < 0 {
			return nil, fmt.Errorf("task %d: negative arrival %d", spec.ID, spec.Arrival)
		}
		if !topo.HasNode(spec.Station) {
			return nil, fmt.Errorf("task %d: station node %d does not exist", spec.ID, spec.Station)
		}
		if spec.HasDestination && !topo.HasNode(spec.Destination) {
			return nil, fmt.Errorf("task %d: destination node %d does not exist", spec.ID, spec.Destination)
		}
		if spec.ServiceTicks < 0 || spec.DropoffTicks < 0 {
			return nil, fmt.Errorf("task %d: service ticks must be non-negative", spec.ID)
		}
		t := newTask(spec)
		s.tasks = append(s.tasks, t)
		s.schedule(&TaskArrivalEvent{time: spec.Arrival, Task: t})
	}

	if cfg.Resolver.Detection == DetectionPeriodic {
		s.schedule(&DeadlockCheckEvent{time: cfg.Resolver.DetectionInterval, Periodic: true})
	}
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// Now returns the current simulation clock in ticks.
func (s *Simulator) Now() int64 { return s.queue.Now() }

// Config returns the run configuration.
func (s *Simulator) Config() Config { return s.cfg }

// Topology returns the environment graph.
func (s *Simulator) Topology() *Topology { return s.topo }

// Resources returns the resource manager.
func (s *Simulator) Resources() *ResourceManager { return s.rm }

// Router returns the routing engine.
func (s *Simulator) Router() *Router { return s.router }

// Agents returns all agents in id order.
func (s *Simulator) Agents() []*Agent { return s.agents }

// Agent returns the agent with the given id.
func (s *Simulator) Agent(id AgentID) *Agent { return s.agents[id] }

// Tasks returns all tasks in arrival order.
func (s *Simulator) Tasks() []*Task { return s.tasks }

// Stations returns all stations in declaration order.
func (s *Simulator) Stations() []*Station { return s.stations }

// Metrics returns the counters accumulated so far.
func (s *Simulator) Metrics() Metrics { return s.metrics }

// Pending returns the number of live events in the queue.
func (s *Simulator) Pending() int { return s.queue.Len() }

// Deadlocks returns the wait-for cycles present right now.
func (s *Simulator) Deadlocks() []Cycle { return DetectCycles(BuildWaitFor(s.rm)) }

// schedule inserts an event. A scheduling error is latched and returned by Step.
func (s *Simulator) schedule(e Event) EventID {
	id, err := s.queue.Schedule(e)
	if err != nil && s.err == nil {
		s.err = err
	}
	return id
}

// Run dispatches events until the queue drains, the next event lies beyond
// the horizon, ctx is cancelled, or an event fails. A queue that drains while
// agents are still waiting returns a StalledError. The result reflects the
// state at the point the loop stopped, also when an error is returned.
func (s *Simulator) Run(ctx context.Context) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return s.result(), err
		}
		ev, ok := s.queue.Peek()
		if !ok {
			if stalled := s.waitingAgents(); len(stalled) > 0 {
				err := &StalledError{Time: s.Now(), Agents: stalled}
				logrus.Errorf("[tick %07d] Simulation stalled: %v", s.Now(), err)
				return s.result(), err
			}
			break
		}
		if s.cfg.Horizon > 0 && ev.Timestamp() > s.cfg.Horizon {
			logrus.Infof("[tick %07d] Horizon %d reached", s.Now(), s.cfg.Horizon)
			break
		}
		if err := s.Step(); err != nil {
			logrus.Errorf("[tick %07d] Simulation aborted: %v", s.Now(), err)
			return s.result(), err
		}
	}
	logrus.Infof("[tick %07d] Simulation ended", s.Now())
	return s.result(), nil
}

// Step dispatches exactly one event. Returns nil when the queue is empty.
func (s *Simulator) Step() error {
	if s.err != nil {
		return s.err
	}
	ev, ok := s.queue.Next()
	if !ok {
		return nil
	}
	logrus.Debugf("[tick %07d] Executing %T", s.Now(), ev)
	s.processed++
	if err := ev.Execute(s); err != nil {
		s.err = err
		return err
	}
	if s.err != nil {
		return s.err
	}
	if s.idleBlocked {
		s.retryEvictions()
	}
	if s.cfg.CheckInvariants {
		if err := s.CheckInvariants(); err != nil {
			s.err = err
			return err
		}
	}
	return nil
}

// CheckInvariants verifies occupancy and queue invariants plus the
// agent-side view: every agent holds its location, holds at most the
// resources of one transition, and is queued exactly once while waiting.
func (s *Simulator) CheckInvariants() error {
	now := s.Now()
	if err := s.rm.CheckInvariants(now); err != nil {
		return err
	}
	queued := s.rm.QueuedAgents()
	for _, a := range s.agents {
		if !s.rm.Holds(NodeResource(a.Location), a.ID) {
			return violation(now, "check", ErrInvariant, "agent %d does not hold its location %d", a.ID, a.Location)
		}
		if len(a.held) > 3 {
			return violation(now, "check", ErrInvariant, "agent %d holds %d resources", a.ID, len(a.held))
		}
		for _, res := range a.held {
			if !s.rm.Holds(res, a.ID) {
				return violation(now, "check", ErrInvariant, "agent %d believes it holds %s", a.ID, res)
			}
		}
		want := 0
		if a.waiting {
			want = 1
		}
		if queued[a.ID] != want {
			return violation(now, "check", ErrInvariant,
				"agent %d (%s) appears in %d wait-queues, want %d", a.ID, a.State, queued[a.ID], want)
		}
		if a.State == StateWaiting && !a.waiting && !a.pendingGrant {
			return violation(now, "check", ErrInvariant, "agent %d is WAITING without a queue entry or grant", a.ID)
		}
	}
	return nil
}

func (s *Simulator) result() *Result {
	r := &Result{
		EndTime:         s.Now(),
		EventsProcessed: s.processed,
		Metrics:         s.metrics,
		PendingTasks:    len(s.pending),
	}
	for _, a := range s.agents {
		r.Agents = append(r.Agents, AgentResult{
			ID:             a.ID,
			State:          a.State,
			Location:       a.Location,
			Distance:       a.Distance,
			Waits:          a.Waits,
			WaitTicks:      a.WaitTicks,
			Yields:         a.Yields,
			TasksCompleted: a.TasksCompleted,
			Battery:        a.Battery,
		})
	}
	r.Stalled = s.waitingAgents()
	return r
}

func (s *Simulator) waitingAgents() []AgentID {
	var ids []AgentID
	for _, a := range s.agents {
		if a.waiting {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// === lifecycle emission ===

func (s *Simulator) rec(kind trace.Kind) trace.Record {
	return trace.Record{Time: s.Now(), Kind: kind, Agent: trace.NoID, Task: trace.NoID}
}

func (s *Simulator) agentRec(kind trace.Kind, a *Agent) trace.Record {
	r := s.rec(kind)
	r.Agent = int(a.ID)
	if a.task != nil {
		r.Task = a.task.ID
	}
	return r
}

func (s *Simulator) emit(r trace.Record) {
	s.metrics.Observe(r)
	if s.collector != nil {
		s.collector.Observe(r)
	}
}

func (s *Simulator) setState(a *Agent, st AgentState) {
	if a.State == st {
		return
	}
	r := s.agentRec(trace.KindStateChanged, a)
	r.From, r.To = a.State.String(), st.String()
	a.State = st
	s.emit(r)
}

func cycleInts(c Cycle) []int {
	out := make([]int, len(c))
	for i, a := range c {
		out[i] = int(a)
	}
	return out
}

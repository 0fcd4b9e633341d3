package sim

import "fmt"

// AgentID identifies an agent. Agent ids are dense: 0..len(agents)-1.
type AgentID int

// AgentState is the lifecycle state of an agent.
type AgentState int

const (
	StateIdle AgentState = iota
	StateTraveling
	StateWaiting
	StateWorking
	StateCharging
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTraveling:
		return "TRAVELING"
	case StateWaiting:
		return "WAITING"
	case StateWorking:
		return "WORKING"
	case StateCharging:
		return "CHARGING"
	}
	return fmt.Sprintf("AgentState(%d)", int(s))
}

// AgentSpec describes an agent at the start of a run.
type AgentSpec struct {
	ID       AgentID
	Start    NodeID
	Priority int     // higher wins queue ordering and resists yielding
	Speed    float64 // length units per TicksPerUnit ticks; 0 uses MotionConfig.DefaultSpeed
	Battery  float64 // initial charge; 0 means full when the battery model is enabled
}

// goalKind is what an agent is currently traveling toward.
type goalKind int

const (
	goalNone goalKind = iota
	goalStation
	goalDestination
	goalRetreat
	goalCharger
)

// Agent is a mobile entity. Agents persist for the whole run.
type Agent struct {
	ID       AgentID
	Priority int
	Speed    float64
	State    AgentState
	Location NodeID
	Transit  *Hop // non-nil while traversing an edge; Location is the tail
	Battery  float64

	task   *Task
	goal   goalKind
	target NodeID
	plan   []Hop
	avoid  map[NodeID]bool
	replan bool

	// retreat bookkeeping: the goal to restore after a yield
	resumeGoal   goalKind
	resumeTarget NodeID

	held          []ResourceID
	waiting       bool
	waitingOn     ResourceID
	waitSince     int64
	escalated     bool
	pendingGrant  bool
	timeoutEvent  EventID
	nextStep      EventID
	locationSince int64

	// idle-holder clearing: clearFor holds the route an idle agent must
	// vacate for the waiters that stepped aside for it
	clearFor     map[NodeID]bool
	clearWaiters []*Agent
	clearing     bool
	clearETA     int64
	parkedFor    *Agent // the idle agent this agent stepped aside for
	parked       bool   // retreat done, holding until parkedFor has moved
	roomFor      *Agent // the idle agent this agent is moving aside for

	// Stats
	Distance       float64
	Waits          int
	WaitTicks      int64
	Yields         int
	TasksCompleted int
}

func newAgent(spec AgentSpec, defaultSpeed float64) *Agent {
	speed := spec.Speed
	if speed <= 0 {
		speed = defaultSpeed
	}
	return &Agent{
		ID:       spec.ID,
		Priority: spec.Priority,
		Speed:    speed,
		State:    StateIdle,
		Location: spec.Start,
		Battery:  spec.Battery,
	}
}

// Task returns the task the agent is serving, or nil.
func (a *Agent) Task() *Task { return a.task }

// Held returns the resources the agent currently occupies.
func (a *Agent) Held() []ResourceID { return append([]ResourceID(nil), a.held...) }

// WaitingOn returns the resource the agent is queued for.
func (a *Agent) WaitingOn() (ResourceID, bool) { return a.waitingOn, a.waiting }

// Target returns the node the agent is heading to and whether it has one.
func (a *Agent) Target() (NodeID, bool) { return a.target, a.goal != goalNone }

// Retreating reports whether the agent is moving aside to break a deadlock or clear a node.
func (a *Agent) Retreating() bool { return a.goal == goalRetreat }

func (a *Agent) dropHeld(res ResourceID) {
	for i, r := range a.held {
		if r == res {
			a.held = append(a.held[:i], a.held[i+1:]...)
			return
		}
	}
}

// remainingNodes returns the nodes the agent still plans to enter.
func (a *Agent) remainingNodes() []NodeID {
	nodes := make([]NodeID, 0, len(a.plan)+1)
	if a.Transit != nil {
		nodes = append(nodes, a.Transit.To)
	}
	for _, h := range a.plan {
		nodes = append(nodes, h.To)
	}
	return nodes
}

// routeNodes returns the agent's location, the nodes it still plans to enter
// and its target.
func (a *Agent) routeNodes() map[NodeID]bool {
	route := map[NodeID]bool{a.Location: true}
	for _, n := range a.remainingNodes() {
		route[n] = true
	}
	if a.goal != goalNone {
		route[a.target] = true
	}
	return route
}

// atRest reports whether the agent is idle, stationary and has nowhere to go.
func (a *Agent) atRest() bool {
	return a.State == StateIdle && a.goal == goalNone && a.Transit == nil && !a.waiting && !a.pendingGrant
}

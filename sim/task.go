package sim

import "fmt"

// TaskSpec describes a unit of work: visit Station for ServiceTicks, then
// optionally carry it to Destination and spend DropoffTicks there.
type TaskSpec struct {
	ID             int
	Arrival        int64
	Station        NodeID
	HasDestination bool
	Destination    NodeID
	ServiceTicks   int64
	DropoffTicks   int64
	Priority       int
}

// TaskState is the lifecycle state of a task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskAssigned
	TaskInService
	TaskCompleted
	TaskRejected
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskAssigned:
		return "assigned"
	case TaskInService:
		return "in-service"
	case TaskCompleted:
		return "completed"
	case TaskRejected:
		return "rejected"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Task is a TaskSpec plus its runtime state.
type Task struct {
	TaskSpec
	State       TaskState
	Agent       AgentID // -1 until assigned
	AssignedAt  int64
	CompletedAt int64
	delivering  bool // station service done, heading to Destination
}

func newTask(spec TaskSpec) *Task {
	return &Task{TaskSpec: spec, State: TaskPending, Agent: -1}
}

// StationKind distinguishes service stations from chargers.
type StationKind string

const (
	StationService StationKind = "service"
	StationCharger StationKind = "charger"
)

// StationSpec places a station on a node.
type StationSpec struct {
	Name string
	Node NodeID
	Kind StationKind
}

// Station is a StationSpec plus its served counter.
type Station struct {
	StationSpec
	Served int
}

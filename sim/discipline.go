package sim

import "fmt"

// QueueDiscipline orders a resource's wait-queue.
// Escalated waiters are placed ahead by the ResourceManager before Less is consulted.
type QueueDiscipline interface {
	Less(a, b Waiter) bool
}

// FIFODiscipline serves waiters in arrival order.
type FIFODiscipline struct{}

func (FIFODiscipline) Less(a, b Waiter) bool {
	if a.ArrivalTime != b.ArrivalTime {
		return a.ArrivalTime < b.ArrivalTime
	}
	return a.seq < b.seq
}

// PriorityDiscipline serves higher-priority waiters first, then by arrival.
type PriorityDiscipline struct{}

func (PriorityDiscipline) Less(a, b Waiter) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.ArrivalTime != b.ArrivalTime {
		return a.ArrivalTime < b.ArrivalTime
	}
	return a.seq < b.seq
}

// NewQueueDiscipline creates a discipline by name.
// Valid names are defined in ValidQueueDisciplines (bundle.go).
// Empty string defaults to FIFODiscipline.
// Panics on unrecognized names.
func NewQueueDiscipline(name string) QueueDiscipline {
	if !ValidQueueDisciplines[name] {
		panic(fmt.Sprintf("unknown queue discipline %q", name))
	}
	switch name {
	case "", "fifo":
		return FIFODiscipline{}
	case "age":
		// ArrivalTime is the wait start, so longest-waiting-first is FIFO order.
		return FIFODiscipline{}
	case "priority":
		return PriorityDiscipline{}
	default:
		panic(fmt.Sprintf("unhandled queue discipline %q", name))
	}
}

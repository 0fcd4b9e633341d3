// Tracks run-wide counters derived from the lifecycle event stream and the
// end-of-run result handed back by Simulator.Run.

package sim

import (
	"fmt"
	"io"

	"github.com/inference-sim/fleetsim/sim/trace"
)

// MetricsCollector receives every lifecycle record in emission order.
// Collectors run on the simulation goroutine and must not block.
type MetricsCollector interface {
	Observe(trace.Record)
}

// MultiCollector fans records out to several collectors in order.
type MultiCollector []MetricsCollector

// Observe implements MetricsCollector.
func (m MultiCollector) Observe(r trace.Record) {
	for _, c := range m {
		if c != nil {
			c.Observe(r)
		}
	}
}

// Metrics aggregates counters about the simulation for final reporting.
type Metrics struct {
	TasksCreated   int
	TasksAssigned  int
	TasksCompleted int
	TasksDelayed   int
	TasksRejected  int

	Grants     int
	Queued     int
	Releases   int
	Rejections int

	Waits          int
	WaitTimeouts   int
	TotalWaitTicks int64
	MaxWaitTicks   int64

	DeadlocksDetected int
	DeadlocksResolved int
	ChargingSessions  int
	StateChanges      int
}

// Observe implements MetricsCollector.
func (m *Metrics) Observe(r trace.Record) {
	switch r.Kind {
	case trace.KindTaskCreated:
		m.TasksCreated++
	case trace.KindTaskAssigned:
		m.TasksAssigned++
	case trace.KindTaskCompleted:
		m.TasksCompleted++
	case trace.KindTaskDelayed:
		m.TasksDelayed++
	case trace.KindTaskRejected:
		m.TasksRejected++
	case trace.KindResourceGranted:
		m.Grants++
	case trace.KindResourceQueued:
		m.Queued++
	case trace.KindResourceReleased:
		m.Releases++
	case trace.KindResourceRejected:
		m.Rejections++
	case trace.KindWaitStarted:
		m.Waits++
	case trace.KindWaitEnded:
		m.TotalWaitTicks += r.Duration
		if r.Duration > m.MaxWaitTicks {
			m.MaxWaitTicks = r.Duration
		}
	case trace.KindWaitTimeout:
		m.WaitTimeouts++
	case trace.KindDeadlockDetected:
		m.DeadlocksDetected++
	case trace.KindDeadlockResolved:
		m.DeadlocksResolved++
	case trace.KindChargingStarted:
		m.ChargingSessions++
	case trace.KindStateChanged:
		m.StateChanges++
	}
}

// Print writes the aggregated metrics.
func (m *Metrics) Print(w io.Writer, endTime int64) {
	fmt.Fprintln(w, "=== Simulation Metrics ===")
	fmt.Fprintf(w, "End Time             : %d ticks\n", endTime)
	fmt.Fprintf(w, "Tasks Created        : %d\n", m.TasksCreated)
	fmt.Fprintf(w, "Tasks Completed      : %d\n", m.TasksCompleted)
	fmt.Fprintf(w, "Tasks Rejected       : %d\n", m.TasksRejected)
	fmt.Fprintf(w, "Tasks Delayed        : %d\n", m.TasksDelayed)
	fmt.Fprintf(w, "Waits                : %d\n", m.Waits)
	if m.Waits > 0 {
		fmt.Fprintf(w, "Average Wait         : %.2f ticks\n", float64(m.TotalWaitTicks)/float64(m.Waits))
		fmt.Fprintf(w, "Max Wait             : %d ticks\n", m.MaxWaitTicks)
	}
	fmt.Fprintf(w, "Deadlocks Detected   : %d\n", m.DeadlocksDetected)
	fmt.Fprintf(w, "Deadlocks Resolved   : %d\n", m.DeadlocksResolved)
	if m.ChargingSessions > 0 {
		fmt.Fprintf(w, "Charging Sessions    : %d\n", m.ChargingSessions)
	}
}

// AgentResult is the end-of-run view of one agent.
type AgentResult struct {
	ID             AgentID
	State          AgentState
	Location       NodeID
	Distance       float64
	Waits          int
	WaitTicks      int64
	Yields         int
	TasksCompleted int
	Battery        float64
}

// Result is returned by Simulator.Run.
type Result struct {
	EndTime         int64
	EventsProcessed int
	Metrics         Metrics
	Agents          []AgentResult
	Stalled         []AgentID // agents still WAITING when the run ended
	PendingTasks    int
}

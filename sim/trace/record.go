// Package trace provides lifecycle-event recording for simulation runs.
// This package has no dependencies on sim/. It stores pure data types, so
// external consumers (writers, dashboards, experiment tooling) can read a run's
// event stream without importing the engine.
package trace

import (
	"fmt"
	"strings"
)

// Kind names a lifecycle event emitted by the simulation core.
type Kind string

const (
	KindTaskCreated   Kind = "task_created"
	KindTaskAssigned  Kind = "task_assigned"
	KindTaskCompleted Kind = "task_completed"
	KindTaskDelayed   Kind = "task_delayed"
	KindTaskRejected  Kind = "task_rejected"

	KindResourceGranted  Kind = "resource_granted"
	KindResourceQueued   Kind = "resource_queued"
	KindResourceReleased Kind = "resource_released"
	KindResourceRejected Kind = "resource_rejected"

	KindWaitStarted Kind = "wait_started"
	KindWaitEnded   Kind = "wait_ended"
	KindWaitTimeout Kind = "wait_timeout"

	KindDeadlockDetected Kind = "deadlock_detected"
	KindDeadlockResolved Kind = "deadlock_resolved"

	KindStateChanged    Kind = "state_changed"
	KindChargingStarted Kind = "charging_started"
	KindChargingEnded   Kind = "charging_ended"
)

// NoID marks an entity field that does not apply to a record.
const NoID = -1

// Record is a single lifecycle event. Agent and Task are NoID when the event
// is not about a single agent or task; Agents carries the member set of
// multi-agent events such as deadlocks.
type Record struct {
	Time     int64
	Kind     Kind
	Agent    int
	Task     int
	Resource string
	Agents   []int
	Duration int64  // wait duration for wait_ended / resource_granted after a wait
	From     string // previous state for state_changed
	To       string // new state for state_changed
	Detail   string
}

// String renders the record as a single deterministic line.
// Two runs with identical seeds and configuration produce identical lines.
func (r Record) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s", r.Time, r.Kind)
	if r.Agent != NoID {
		fmt.Fprintf(&sb, " agent=%d", r.Agent)
	}
	if r.Task != NoID {
		fmt.Fprintf(&sb, " task=%d", r.Task)
	}
	if r.Resource != "" {
		fmt.Fprintf(&sb, " res=%s", r.Resource)
	}
	if len(r.Agents) > 0 {
		parts := make([]string, len(r.Agents))
		for i, a := range r.Agents {
			parts[i] = fmt.Sprint(a)
		}
		fmt.Fprintf(&sb, " agents=[%s]", strings.Join(parts, ","))
	}
	if r.Duration != 0 {
		fmt.Fprintf(&sb, " dur=%d", r.Duration)
	}
	if r.From != "" || r.To != "" {
		fmt.Fprintf(&sb, " %s->%s", r.From, r.To)
	}
	if r.Detail != "" {
		fmt.Fprintf(&sb, " (%s)", r.Detail)
	}
	return sb.String()
}

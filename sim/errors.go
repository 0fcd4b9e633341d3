package sim

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	// ErrScheduleInPast is returned when an event is scheduled before the current clock.
	ErrScheduleInPast = errors.New("event scheduled in the past")
	// ErrNotHolder is returned when an agent releases a resource it does not hold.
	ErrNotHolder = errors.New("agent does not hold resource")
	// ErrCapacityExceeded is returned when a slot holds more occupants than its capacity.
	ErrCapacityExceeded = errors.New("resource capacity exceeded")
	// ErrInvariant is wrapped by every InvariantViolation.
	ErrInvariant = errors.New("simulation invariant violated")
	// ErrNoPath is returned by the router when the target is unreachable.
	ErrNoPath = errors.New("no path")
	// ErrUnknownResource is returned for resource ids outside the topology.
	ErrUnknownResource = errors.New("unknown resource")
	// ErrStalled is wrapped by StalledError.
	ErrStalled = errors.New("agents stalled")
)

// InvariantViolation reports a broken core invariant. It aborts the run.
type InvariantViolation struct {
	Time   int64
	Op     string
	Detail string
	Err    error
}

func (e *InvariantViolation) Error() string {
	cause := ErrInvariant
	if e.Err != nil {
		cause = e.Err
	}
	return fmt.Sprintf("tick %d: %s: %s: %v", e.Time, e.Op, e.Detail, cause)
}

// Unwrap exposes both the specific cause and ErrInvariant.
func (e *InvariantViolation) Unwrap() []error {
	if e.Err == nil || e.Err == ErrInvariant {
		return []error{ErrInvariant}
	}
	return []error{e.Err, ErrInvariant}
}

func violation(now int64, op string, err error, format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Time: now, Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}

// UnresolvedDeadlockError is returned when a wait-for cycle survives
// MaxResolutionAttempts resolution attempts.
type UnresolvedDeadlockError struct {
	Time     int64
	Agents   []AgentID
	Attempts int
}

func (e *UnresolvedDeadlockError) Error() string {
	ids := make([]string, len(e.Agents))
	for i, a := range e.Agents {
		ids[i] = fmt.Sprint(int(a))
	}
	return fmt.Sprintf("tick %d: unresolved deadlock among agents [%s] after %d attempts",
		e.Time, strings.Join(ids, ","), e.Attempts)
}

// StalledError is returned when the event queue drains while agents are still
// queued for resources. Nothing left in the run can grant them.
type StalledError struct {
	Time   int64
	Agents []AgentID
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("tick %d: event queue drained with agents %v still waiting", e.Time, e.Agents)
}

func (e *StalledError) Unwrap() error { return ErrStalled }

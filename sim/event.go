package sim

import "github.com/sirupsen/logrus"

// Event defines the interface for all simulation events.
// Each event has a Timestamp (in ticks) and an Execute method that advances
// simulation state when invoked. An error from Execute aborts the run.
type Event interface {
	Timestamp() int64
	Execute(*Simulator) error
}

// TaskArrivalEvent introduces a task into the system.
type TaskArrivalEvent struct {
	time int64
	Task *Task
}

func (e *TaskArrivalEvent) Timestamp() int64 { return e.time }

// Execute dispatches the task to the nearest idle agent or parks it as pending.
func (e *TaskArrivalEvent) Execute(s *Simulator) error {
	logrus.Debugf("<< TaskArrival: task %d at %d ticks", e.Task.ID, e.time)
	return s.arrive(e.Task)
}

// MoveStartEvent asks an agent to take the next hop toward its target.
type MoveStartEvent struct {
	time  int64
	Agent *Agent
}

func (e *MoveStartEvent) Timestamp() int64 { return e.time }

func (e *MoveStartEvent) Execute(s *Simulator) error {
	e.Agent.nextStep = 0
	return s.step(e.Agent)
}

// MoveEndEvent completes an edge traversal.
type MoveEndEvent struct {
	time  int64
	Agent *Agent
	Hop   Hop
}

func (e *MoveEndEvent) Timestamp() int64 { return e.time }

func (e *MoveEndEvent) Execute(s *Simulator) error {
	return s.moveEnd(e.Agent, e.Hop)
}

// ResourceGrantEvent resumes an agent whose queued reservation was granted.
// It fires at the same tick as the release that produced the grant.
type ResourceGrantEvent struct {
	time     int64
	Agent    *Agent
	Resource ResourceID
}

func (e *ResourceGrantEvent) Timestamp() int64 { return e.time }

func (e *ResourceGrantEvent) Execute(s *Simulator) error {
	a := e.Agent
	a.pendingGrant = false
	s.setState(a, StateTraveling)
	return s.acquireHop(a)
}

// ServiceStartEvent begins service at a station or a drop-off at a destination.
type ServiceStartEvent struct {
	time  int64
	Agent *Agent
}

func (e *ServiceStartEvent) Timestamp() int64 { return e.time }

func (e *ServiceStartEvent) Execute(s *Simulator) error {
	return s.startService(e.Agent)
}

// ServiceEndEvent finishes the current service phase of an agent's task.
type ServiceEndEvent struct {
	time  int64
	Agent *Agent
}

func (e *ServiceEndEvent) Timestamp() int64 { return e.time }

func (e *ServiceEndEvent) Execute(s *Simulator) error {
	return s.endService(e.Agent)
}

// DeadlockCheckEvent runs wait-for cycle detection. Periodic checks
// reschedule themselves; non-periodic checks are one-shot rechecks after a
// failed resolution.
type DeadlockCheckEvent struct {
	time     int64
	Periodic bool
}

func (e *DeadlockCheckEvent) Timestamp() int64 { return e.time }

func (e *DeadlockCheckEvent) Execute(s *Simulator) error {
	logrus.Debugf("<< DeadlockCheck (periodic=%v) at %d ticks", e.Periodic, e.time)
	if !e.Periodic {
		s.recheck = 0
	}
	progress, err := s.detectAndResolve()
	if err != nil {
		return err
	}
	if e.Periodic && (s.queue.Len() > 0 || (progress && s.anyWaiting())) {
		s.schedule(&DeadlockCheckEvent{time: e.time + s.cfg.Resolver.DetectionInterval, Periodic: true})
	}
	return nil
}

// WaitTimeoutEvent fires when an agent has waited WaitTimeout ticks for one resource.
type WaitTimeoutEvent struct {
	time     int64
	Agent    *Agent
	Resource ResourceID
}

func (e *WaitTimeoutEvent) Timestamp() int64 { return e.time }

func (e *WaitTimeoutEvent) Execute(s *Simulator) error {
	return s.waitTimeout(e.Agent, e.Resource)
}

// RetryEvent re-attempts movement after a rejected reservation.
type RetryEvent struct {
	time  int64
	Agent *Agent
}

func (e *RetryEvent) Timestamp() int64 { return e.time }

func (e *RetryEvent) Execute(s *Simulator) error {
	e.Agent.nextStep = 0
	return s.step(e.Agent)
}

// ChargeEndEvent completes a charging session.
type ChargeEndEvent struct {
	time  int64
	Agent *Agent
}

func (e *ChargeEndEvent) Timestamp() int64 { return e.time }

func (e *ChargeEndEvent) Execute(s *Simulator) error {
	return s.endCharge(e.Agent)
}

package sim

import (
	"container/heap"
	"fmt"
)

// EventID is the sequence number assigned to an event when it is scheduled.
// IDs start at 1; the zero value means "no event".
type EventID uint64

type queuedEvent struct {
	ev Event
	id EventID
}

// eventHeap implements heap.Interface.
// Ordering: timestamp → sequence number (assignment order).
type eventHeap []queuedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	ti, tj := h[i].ev.Timestamp(), h[j].ev.Timestamp()
	if ti != tj {
		return ti < tj
	}
	return h[i].id < h[j].id
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(queuedEvent)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queuedEvent{}
	*h = old[:n-1]
	return item
}

// EventQueue is the simulation clock plus its pending events.
// Sequence numbers are per queue, so independent runs never share state.
//
// Thread-safety: NOT thread-safe. Owned by one Simulator.
type EventQueue struct {
	h         eventHeap
	now       int64
	nextID    EventID
	pending   map[EventID]bool
	cancelled map[EventID]bool
}

// NewEventQueue creates an empty queue with the clock at zero.
func NewEventQueue() *EventQueue {
	q := &EventQueue{
		pending:   make(map[EventID]bool),
		cancelled: make(map[EventID]bool),
	}
	heap.Init(&q.h)
	return q
}

// Now returns the current simulation time in ticks.
func (q *EventQueue) Now() int64 { return q.now }

// Len returns the number of live (not cancelled, not dispatched) events.
func (q *EventQueue) Len() int { return len(q.pending) }

// Schedule inserts an event and returns its sequence number.
// An event timestamped before Now is rejected with ErrScheduleInPast.
func (q *EventQueue) Schedule(e Event) (EventID, error) {
	if e.Timestamp() < q.now {
		return 0, violation(q.now, "schedule", ErrScheduleInPast,
			"%T at tick %d", e, e.Timestamp())
	}
	q.nextID++
	id := q.nextID
	heap.Push(&q.h, queuedEvent{ev: e, id: id})
	q.pending[id] = true
	return id, nil
}

// Cancel marks a pending event inert. Returns false if the event already
// fired, was already cancelled, or never existed.
func (q *EventQueue) Cancel(id EventID) bool {
	if !q.pending[id] {
		return false
	}
	delete(q.pending, id)
	q.cancelled[id] = true
	return true
}

// Next removes the earliest live event and advances the clock to its timestamp.
func (q *EventQueue) Next() (Event, bool) {
	q.dropCancelled()
	if q.h.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.h).(queuedEvent)
	delete(q.pending, item.id)
	q.now = item.ev.Timestamp()
	return item.ev, true
}

// Peek returns the earliest live event without removing it.
func (q *EventQueue) Peek() (Event, bool) {
	q.dropCancelled()
	if q.h.Len() == 0 {
		return nil, false
	}
	return q.h[0].ev, true
}

func (q *EventQueue) dropCancelled() {
	for q.h.Len() > 0 && q.cancelled[q.h[0].id] {
		item := heap.Pop(&q.h).(queuedEvent)
		delete(q.cancelled, item.id)
	}
}

// String summarizes the queue for debug logs.
func (q *EventQueue) String() string {
	return fmt.Sprintf("EventQueue{now=%d live=%d}", q.now, q.Len())
}

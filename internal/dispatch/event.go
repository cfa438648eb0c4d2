package dispatch

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tapwire/tapwire/internal/plugin"
)

// Event is a tagged value posted by a transport reader, timer wheel, or
// the TUI's command source. Events are owned by the EventQueue until a
// Task is created for each interested plugin.
type Event struct {
	ID      ulid.ULID
	Kind    plugin.EventKind
	Payload any
	Seq     uint64
	Arrival time.Time
}

// isLifecycleEquivalent reports whether dropping this event on overflow
// would violate lifecycle ordering. Only on_load/on_unload are exempt
// from drop, and those never arrive as Events (they're scheduled
// directly by the Registry), so this always returns false. Push does not
// consult it: every queued Event is eligible for eviction.
func (e Event) isLifecycleEquivalent() bool { return false }

// EventQueue is the bounded MPSC queue external producers post into.
// On overflow the oldest non-lifecycle event is dropped (spec.md §4.4's
// back-pressure policy); lifecycle ordering is preserved because nothing
// lifecycle-shaped is ever eligible for eviction.
//
// EventQueue never blocks a caller: Push is fire-and-forget and TryPop
// is a non-blocking poll, so the script thread can interleave draining
// it with resuming Tasks in a single select loop rather than dedicating
// a goroutine to a blocking Pop.
type EventQueue struct {
	mu       sync.Mutex
	capacity int
	items    []Event
	seq      uint64
	closed   bool

	drops func(kind string)
}

// NewEventQueue creates a queue bounded at capacity. onDrop, if non-nil,
// is invoked with the event kind whenever an overflow forces a drop, for
// metrics (internal/observability's EventQueueDrops counter).
func NewEventQueue(capacity int, onDrop func(kind string)) *EventQueue {
	return &EventQueue{capacity: capacity, drops: onDrop}
}

// Push enqueues an event, assigning it the next monotonic sequence
// number. If the queue is full, the oldest item is dropped first. A
// closed queue silently discards the event (its caller is about to stop
// anyway) but still returns the Event it would have carried.
func (q *EventQueue) Push(kind plugin.EventKind, payload any) Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	ev := Event{ID: ulid.Make(), Kind: kind, Payload: payload, Seq: q.seq, Arrival: time.Now()}
	if q.closed {
		return ev
	}

	if len(q.items) >= q.capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		if q.drops != nil {
			q.drops(string(dropped.Kind))
		}
	}
	q.items = append(q.items, ev)
	return ev
}

// TryPop removes and returns the oldest queued event without blocking,
// reporting false if the queue is currently empty.
func (q *EventQueue) TryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// Len reports the current queue depth, for EventQueueDepth.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close prevents further Push calls from enqueuing.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

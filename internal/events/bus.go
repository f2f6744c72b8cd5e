// Package events provides typed, per-kind event queues for the tick domain.
//
// Every event kind has its own double-buffered queue. Send appends to the
// pending buffer; Bus.Update, called once per tick, publishes the pending
// buffer so that every reader sees it for exactly one tick. Readers do not
// claim events: all readers of a kind observe the full queue that tick.
//
// Ordering is FIFO per producer within one kind. Nothing is guaranteed
// across kinds.
//
// A Bus belongs to the tick goroutine and is not safe for concurrent use.
// Background goroutines reach it only through bridge closures.
package events

import (
	"reflect"
)

// publisher is the type-erased view of a Queue used by Bus.Update.
type publisher interface {
	publish()
}

// Queue is the double-buffered queue for events of type T.
type Queue[T any] struct {
	readable []T
	pending  []T
}

// Send queues ev. It becomes readable after the next Bus.Update.
func (q *Queue[T]) Send(ev T) {
	q.pending = append(q.pending, ev)
}

// Read returns a copy of the events readable this tick.
func (q *Queue[T]) Read() []T {
	if len(q.readable) == 0 {
		return nil
	}
	out := make([]T, len(q.readable))
	copy(out, q.readable)
	return out
}

// Len returns the number of events readable this tick.
func (q *Queue[T]) Len() int {
	return len(q.readable)
}

// PendingLen returns the number of events waiting for the next Update.
func (q *Queue[T]) PendingLen() int {
	return len(q.pending)
}

func (q *Queue[T]) publish() {
	// Clear the old readable slots so their values can be collected, then
	// reuse the backing array for the next pending buffer.
	clear(q.readable)
	q.readable, q.pending = q.pending, q.readable[:0]
}

// Bus holds one Queue per registered event type.
type Bus struct {
	queues map[reflect.Type]publisher
	order  []reflect.Type // Registration order, for deterministic Update
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		queues: make(map[reflect.Type]publisher),
	}
}

// Register returns the queue for T, creating it on first use.
// Registering the same type twice returns the same queue.
func Register[T any](b *Bus) *Queue[T] {
	typ := reflect.TypeFor[T]()
	if q, ok := b.queues[typ]; ok {
		return q.(*Queue[T])
	}
	q := &Queue[T]{}
	b.queues[typ] = q
	b.order = append(b.order, typ)
	return q
}

// Send queues ev on the queue for T.
func Send[T any](b *Bus, ev T) {
	Register[T](b).Send(ev)
}

// Read returns the events of type T readable this tick.
func Read[T any](b *Bus) []T {
	return Register[T](b).Read()
}

// Update publishes every pending buffer and discards the events that were
// readable during the previous tick.
func (b *Bus) Update() {
	for _, typ := range b.order {
		b.queues[typ].publish()
	}
}

// Kinds returns the number of registered event types.
func (b *Bus) Kinds() int {
	return len(b.order)
}

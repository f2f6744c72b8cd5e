package bridge

import (
	"sync"
	"sync/atomic"
)

// Mailbox is a thread-safe FIFO of deferred closures addressed to the tick
// domain.
//
// The mailbox is unbounded: background tasks never block when posting. There
// is no backpressure on how many completions may be waiting for a tick.
//
// Thread-safety model:
//   - Post(): safe from any goroutine
//   - Drain(): must be called from the goroutine that owns S
type Mailbox[S any] struct {
	mu      sync.Mutex
	pending []func(S)
	spare   []func(S) // Reused backing array for the next batch
	closed  bool
	posted  atomic.Uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox[S any]() *Mailbox[S] {
	return &Mailbox[S]{
		pending: make([]func(S), 0, 64),
	}
}

// Post appends a closure to the back of the mailbox.
// Returns false if the mailbox is closed or fn is nil; the closure is dropped.
func (m *Mailbox[S]) Post(fn func(S)) bool {
	if fn == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.pending = append(m.pending, fn)
	m.posted.Add(1)
	return true
}

// Drain runs every closure that was queued when Drain was called, in FIFO
// order, each exactly once. Closures posted while the batch runs (including
// by the closures themselves) wait for the next Drain.
//
// Returns the number of closures executed.
func (m *Mailbox[S]) Drain(s S) int {
	m.mu.Lock()
	batch := m.pending
	m.pending = m.spare[:0]
	m.mu.Unlock()

	for i, fn := range batch {
		// Nil out the slot so the closure's captures can be collected.
		batch[i] = nil
		fn(s)
	}

	m.mu.Lock()
	m.spare = batch[:0]
	m.mu.Unlock()

	return len(batch)
}

// Len returns the number of closures waiting for the next drain.
func (m *Mailbox[S]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Posted returns the total number of closures ever accepted by Post.
// The counter is monotonic; it is not decremented by Drain.
func (m *Mailbox[S]) Posted() uint64 {
	return m.posted.Load()
}

// Close stops accepting closures. Closures already queued can still be
// drained.
func (m *Mailbox[S]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

package bridge

import (
	"context"
	"log/slog"
	"sync"
)

// Bridge pairs an Executor with a Mailbox addressed to state S.
//
// Spawn and RunOnTick are the two operations background code may use.
// Drain is reserved for the goroutine that owns S.
type Bridge[S any] struct {
	exec    Executor
	mailbox *Mailbox[S]
	root    context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New creates a bridge running tasks on exec.
// A nil exec defaults to a Pool.
func New[S any](exec Executor) *Bridge[S] {
	if exec == nil {
		exec = NewPool()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Bridge[S]{
		exec:    exec,
		mailbox: NewMailbox[S](),
		root:    root,
		cancel:  cancel,
	}
}

// Spawn starts task in the background. The caller keeps no handle; the task
// is stopped only by bridge shutdown through its context.
//
// Returns false (and does not run the task) after Shutdown.
func (b *Bridge[S]) Spawn(name string, task Task) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		slog.Debug("spawn refused: bridge closed", "task", name)
		return false
	}
	b.exec.Go(b.root, name, task)
	return true
}

// RunOnTick queues fn to run exactly once on the tick goroutine at the start
// of a later tick, with exclusive access to S.
//
// Safe from any goroutine. Returns false after Shutdown; fn is dropped.
func (b *Bridge[S]) RunOnTick(fn func(S)) bool {
	return b.mailbox.Post(fn)
}

// Drain runs the queued closures against s. Must only be called from the
// goroutine that owns s, once per tick.
func (b *Bridge[S]) Drain(s S) int {
	return b.mailbox.Drain(s)
}

// Cooperative reports whether the executor runs one task at a time.
// Long-lived work on a cooperative bridge must be split into short steps.
func (b *Bridge[S]) Cooperative() bool {
	c, ok := b.exec.(Cooperative)
	return ok && c.Cooperative()
}

// Inflight returns the number of tasks queued or running.
func (b *Bridge[S]) Inflight() int64 {
	return b.exec.Inflight()
}

// Posted returns the total number of closures accepted so far.
func (b *Bridge[S]) Posted() uint64 {
	return b.mailbox.Posted()
}

// Pending returns the number of closures waiting for the next drain.
func (b *Bridge[S]) Pending() int {
	return b.mailbox.Len()
}

// Shutdown cancels every task context, refuses further work and waits for
// running tasks to return, bounded by ctx. Closures still in the mailbox
// are not run. Calling Shutdown twice is a no-op.
func (b *Bridge[S]) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.mailbox.Close()
	return b.exec.Wait(ctx)
}

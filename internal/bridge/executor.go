package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrShutdownTimeout is returned when tasks are still running after the
// shutdown deadline.
var ErrShutdownTimeout = errors.New("bridge: tasks still running at shutdown deadline")

// Task is a unit of background work. The context is cancelled when the
// bridge shuts down; long-running tasks must return promptly after that.
type Task func(ctx context.Context) error

// Executor runs tasks concurrently with the tick loop.
//
// Go is fire-and-forget: no handle is returned. Wait blocks until every task
// started so far has returned, or until ctx expires. Go must not be called
// after Wait has been called. Inflight counts tasks queued or running.
type Executor interface {
	Go(ctx context.Context, name string, task Task)
	Wait(ctx context.Context) error
	Inflight() int64
}

// Cooperative is implemented by executors that run one task at a time.
// On such an executor a task that blocks indefinitely starves every task
// queued behind it.
type Cooperative interface {
	Cooperative() bool
}

// Pool is the multi-threaded executor: each task gets its own goroutine.
//
// Thread-safety: Go may be called from any goroutine.
type Pool struct {
	group    errgroup.Group
	inflight atomic.Int64
}

// NewPool creates a multi-threaded executor.
func NewPool() *Pool {
	return &Pool{}
}

// Go starts task on a new goroutine.
func (p *Pool) Go(ctx context.Context, name string, task Task) {
	p.inflight.Add(1)
	p.group.Go(func() error {
		defer p.inflight.Add(-1)
		runTask(ctx, name, task)
		// Task failures are reported by the task itself through the
		// mailbox; they never cancel sibling tasks.
		return nil
	})
}

// Wait blocks until all tasks have returned or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d task(s)", ErrShutdownTimeout, p.inflight.Load())
	}
}

// Inflight returns the number of tasks that have not returned yet.
func (p *Pool) Inflight() int64 {
	return p.inflight.Load()
}

// Serial is the single-threaded cooperative executor.
//
// Tasks run one at a time, in submission order, on one worker goroutine.
// A task that blocks holds the worker, so long-lived work must be written as
// short steps that re-spawn themselves.
type Serial struct {
	mu       sync.Mutex
	jobs     []serialJob
	signal   chan struct{} // Buffered, size 1
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	inflight atomic.Int64
}

type serialJob struct {
	ctx  context.Context
	name string
	task Task
}

// NewSerial creates a cooperative executor and starts its worker.
func NewSerial() *Serial {
	s := &Serial{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.work()
	return s
}

// Go queues task behind every task submitted before it.
func (s *Serial) Go(ctx context.Context, name string, task Task) {
	s.inflight.Add(1)

	s.mu.Lock()
	s.jobs = append(s.jobs, serialJob{ctx: ctx, name: name, task: task})
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Wait asks the worker to finish the queued jobs and blocks until it exits
// or ctx is done.
func (s *Serial) Wait(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d task(s)", ErrShutdownTimeout, s.inflight.Load())
	}
}

// Inflight returns the number of queued or running tasks.
func (s *Serial) Inflight() int64 {
	return s.inflight.Load()
}

// Cooperative implements Cooperative.
func (s *Serial) Cooperative() bool {
	return true
}

func (s *Serial) work() {
	defer close(s.done)

	for {
		if job, ok := s.next(); ok {
			runTask(job.ctx, job.name, job.task)
			s.inflight.Add(-1)
			continue
		}

		select {
		case <-s.signal:
		case <-s.stop:
			// Jobs queued before stop still run; their contexts are
			// already cancelled, so they return quickly.
			for {
				job, ok := s.next()
				if !ok {
					return
				}
				runTask(job.ctx, job.name, job.task)
				s.inflight.Add(-1)
			}
		}
	}
}

func (s *Serial) next() (serialJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) == 0 {
		return serialJob{}, false
	}
	job := s.jobs[0]
	s.jobs[0] = serialJob{}
	s.jobs = s.jobs[1:]
	return job, true
}

// runTask executes one task and logs its outcome.
// Cancellation after shutdown is expected and logged at debug level.
func runTask(ctx context.Context, name string, task Task) {
	err := task(ctx)
	switch {
	case err == nil:
		slog.Debug("task finished", "task", name)
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		slog.Debug("task cancelled", "task", name)
	default:
		slog.Warn("task failed", "task", name, "error", err)
	}
}

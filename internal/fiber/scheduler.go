// Package fiber implements the cooperative task scheduler the server runs
// handlers on. All tasks execute over a single dispatch goroutine: a task
// holds the run token until it suspends (yield, sleep, await) or finishes,
// so shared state mutated between suspension points needs no locking.
//
// Cancellation is cooperative. The cancel flag is observed at every
// suspension point and surfaces as ErrCancelled; a hot loop that never
// suspends cannot be cancelled.
package fiber

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrCancelled is returned from suspension points once a task's cancel flag
// is set, by cancel request, deadline expiry, or scheduler shutdown.
var ErrCancelled = errors.New("task cancelled")

// PanicError wraps a panic that escaped a task body.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panic: %v", e.Value)
}

// Task states.
const (
	stateCreated int32 = iota
	stateRunnable
	stateRunning
	stateWaiting
	stateDone
)

type parkKind int

const (
	parkYield parkKind = iota
	parkWait
	parkDone
)

type parkEvent struct {
	task *Task
	kind parkKind
	wait func() // for parkWait: blocks until the task may resume
}

// TaskFunc is a task body. Its error is delivered to the OnDone callback.
type TaskFunc func(*Context) error

// Task is one cooperatively-scheduled unit of work.
type Task struct {
	id   uint64
	name string

	s      *Scheduler
	fn     TaskFunc
	onDone func(err error)

	state  atomic.Int32
	cancel atomic.Bool
	resume chan struct{}
	done   chan struct{}

	deadline *time.Timer

	data any
	err  error
}

// ID returns the task's scheduler-unique id.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task's display name.
func (t *Task) Name() string { return t.name }

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's final error. Valid only after Done is closed.
func (t *Task) Err() error { return t.err }

// Cancelled reports whether the cancel flag is set.
func (t *Task) Cancelled() bool { return t.cancel.Load() }

// Data returns the value attached at spawn time, or nil.
func (t *Task) Data() any { return t.data }

// Context is the task-side handle passed to every TaskFunc. All its methods
// must be called from the task's own goroutine.
type Context struct {
	task *Task
}

// Task returns the running task.
func (c *Context) Task() *Task { return c.task }

// Scheduler returns the owning scheduler.
func (c *Context) Scheduler() *Scheduler { return c.task.s }

// Cancelled reports the cancel flag without suspending.
func (c *Context) Cancelled() bool { return c.task.cancel.Load() }

// Yield suspends the task and re-queues it behind other runnable tasks.
func (c *Context) Yield() error {
	t := c.task
	if t.cancel.Load() {
		return ErrCancelled
	}
	t.state.Store(stateRunnable)
	t.s.parked <- parkEvent{task: t, kind: parkYield}
	<-t.resume
	if t.cancel.Load() {
		return ErrCancelled
	}
	return nil
}

// AwaitFunc suspends the task until wait returns. wait runs on a watcher
// goroutine and must not touch task state. If the task is cancelled while
// suspended it resumes with ErrCancelled even though wait may still be
// blocked; a late completion is discarded.
func (c *Context) AwaitFunc(wait func()) error {
	t := c.task
	if t.cancel.Load() {
		return ErrCancelled
	}
	t.state.Store(stateWaiting)
	t.s.parked <- parkEvent{task: t, kind: parkWait, wait: wait}
	<-t.resume
	if t.cancel.Load() {
		return ErrCancelled
	}
	return nil
}

// Sleep suspends the task for at least d. On cancellation the timer is
// left to fire so its watcher goroutine can finish; the stray wake-up is
// discarded by the scheduler.
func (c *Context) Sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	return c.AwaitFunc(func() { <-timer.C })
}

// Await suspends until a value arrives on ch. On cancellation the zero
// value is returned with ErrCancelled; a value arriving afterwards is
// dropped into a buffered box and garbage collected.
func Await[T any](c *Context, ch <-chan T) (T, error) {
	box := make(chan T, 1)
	err := c.AwaitFunc(func() {
		if v, ok := <-ch; ok {
			box <- v
		} else {
			close(box)
		}
	})
	var zero T
	if err != nil {
		return zero, err
	}
	select {
	case v, ok := <-box:
		if !ok {
			return zero, errors.New("await: channel closed")
		}
		return v, nil
	default:
		return zero, errors.New("await: woken without value")
	}
}

// Scheduler owns the dispatch goroutine and every in-flight task.
type Scheduler struct {
	logger *zap.Logger

	nextID atomic.Uint64

	// External-entry queues, drained on the dispatch goroutine.
	mu     sync.Mutex
	posts  []func()
	wakes  []*Task
	notify chan struct{}

	// Dispatch-goroutine state. Also touched by the running task, which is
	// safe: the run token guarantees mutual exclusion, and the resume and
	// parked channels carry the happens-before edges.
	runq   []*Task
	parked chan parkEvent

	tasks   map[uint64]*Task
	stopped atomic.Bool
}

// New creates a scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger,
		notify: make(chan struct{}, 1),
		parked: make(chan parkEvent),
		tasks:  make(map[uint64]*Task),
	}
}

// SpawnOption configures a task at spawn time.
type SpawnOption func(*Task)

// WithOnDone sets a completion callback. It runs on the dispatch goroutine
// after the task finishes, with the task's error (nil, ErrCancelled, a
// handler error, or a *PanicError).
func WithOnDone(fn func(err error)) SpawnOption {
	return func(t *Task) { t.onDone = fn }
}

// WithData attaches an arbitrary value readable via Task.Data. The router
// uses it to let handlers see the request token they serve.
func WithData(data any) SpawnOption {
	return func(t *Task) { t.data = data }
}

// WithDeadline arms a soft deadline: on expiry the task is cancelled and a
// warning logged. Zero means no deadline.
func WithDeadline(d time.Duration) SpawnOption {
	return func(t *Task) {
		if d <= 0 {
			return
		}
		t.deadline = time.AfterFunc(d, func() {
			t.s.logger.Warn("task deadline expired",
				zap.Uint64("task", t.id),
				zap.String("name", t.name),
				zap.Duration("deadline", d))
			t.s.CancelTask(t)
		})
	}
}

// Spawn creates a task and appends it to the run queue. Tasks begin in FIFO
// spawn order. Spawn must be called from the dispatch goroutine or from a
// running task; external goroutines go through Post.
func (s *Scheduler) Spawn(name string, fn TaskFunc, opts ...SpawnOption) *Task {
	t := &Task{
		id:     s.nextID.Add(1),
		name:   name,
		s:      s,
		fn:     fn,
		resume: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.Store(stateRunnable)
	s.tasks[t.id] = t
	s.runq = append(s.runq, t)

	go func() {
		<-t.resume
		err := runBody(t)
		t.err = err
		t.state.Store(stateDone)
		s.parked <- parkEvent{task: t, kind: parkDone}
	}()

	return t
}

// runBody executes the task function, converting panics into *PanicError.
func runBody(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.fn(&Context{task: t})
}

// Post schedules fn to run on the dispatch goroutine between task steps.
// Safe to call from any goroutine.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.posts = append(s.posts, fn)
	s.mu.Unlock()
	s.ping()
}

// CancelTask sets the task's cancel flag and wakes it if suspended. Safe to
// call from any goroutine; cancelling a finished task is a no-op.
func (s *Scheduler) CancelTask(t *Task) {
	if t == nil || t.state.Load() == stateDone {
		return
	}
	t.cancel.Store(true)
	s.mu.Lock()
	s.wakes = append(s.wakes, t)
	s.mu.Unlock()
	s.ping()
}

func (s *Scheduler) ping() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run is the dispatch loop. It returns when ctx is cancelled. Tasks still
// suspended at that point are flagged cancelled but not resumed; the
// process is expected to exit.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.stopped.Store(true)
	for {
		s.drainExternal()

		if t := s.dequeue(); t != nil {
			s.step(t)
			continue
		}

		select {
		case <-ctx.Done():
			s.cancelAll()
			return ctx.Err()
		case <-s.notify:
		}
	}
}

// drainExternal moves posted thunks and wakes onto dispatch-local state.
func (s *Scheduler) drainExternal() {
	s.mu.Lock()
	posts := s.posts
	wakes := s.wakes
	s.posts = nil
	s.wakes = nil
	s.mu.Unlock()

	for _, fn := range posts {
		fn()
	}
	for _, t := range wakes {
		s.tryWake(t)
	}
}

// tryWake moves a waiting task to the run queue. Stray wakes (late watcher
// completions for tasks already woken by cancellation) are dropped.
func (s *Scheduler) tryWake(t *Task) {
	if t.state.CompareAndSwap(stateWaiting, stateRunnable) {
		s.runq = append(s.runq, t)
	}
}

func (s *Scheduler) dequeue() *Task {
	if len(s.runq) == 0 {
		return nil
	}
	t := s.runq[0]
	s.runq = s.runq[1:]
	return t
}

// step hands the run token to a task and blocks until it parks or finishes.
func (s *Scheduler) step(t *Task) {
	t.state.Store(stateRunning)
	t.resume <- struct{}{}

	ev := <-s.parked
	switch ev.kind {
	case parkYield:
		s.runq = append(s.runq, ev.task)
	case parkWait:
		wait := ev.wait
		task := ev.task
		go func() {
			wait()
			s.mu.Lock()
			s.wakes = append(s.wakes, task)
			s.mu.Unlock()
			s.ping()
		}()
	case parkDone:
		s.finish(ev.task)
	}
}

func (s *Scheduler) finish(t *Task) {
	if t.deadline != nil {
		t.deadline.Stop()
	}
	delete(s.tasks, t.id)
	close(t.done)
	if t.onDone != nil {
		t.onDone(t.err)
	}
}

func (s *Scheduler) cancelAll() {
	for _, t := range s.tasks {
		t.cancel.Store(true)
	}
}

// Pending reports the number of live tasks, for tests and drain decisions.
func (s *Scheduler) Pending() int {
	return len(s.tasks)
}

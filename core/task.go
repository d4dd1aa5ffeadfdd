package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TaskHandler is the body of a task. A returned error or a panic counts as a
// handler failure; it is logged and the worker keeps running.
type TaskHandler func(ctx context.Context) error

// TaskOption configures a Task at creation.
type TaskOption func(*Task)

// WithHash sets the partition hash. It selects the worker of a partitioned
// pool and keys the virtual queue counter.
func WithHash(hash uint64) TaskOption {
	return func(t *Task) { t.hash = hash }
}

// WithDelay postpones the first run.
func WithDelay(d time.Duration) TaskOption {
	return func(t *Task) { t.delay = d }
}

// WithPeriod turns the task into a timer task that runs again every d until
// it is cancelled.
func WithPeriod(d time.Duration) TaskOption {
	return func(t *Task) { t.period = d }
}

// WithContext sets the context passed to the handler.
func WithContext(ctx context.Context) TaskOption {
	return func(t *Task) { t.ctx = ctx }
}

// WithPriority overrides the priority registered for the task code.
func WithPriority(p Priority) TaskOption {
	return func(t *Task) {
		t.priority = p
		t.priorityOverride = true
	}
}

// WithCancelHook sets fn to run once if the task is cancelled before its
// handler ever ran, whether by Cancel or by scheduler shutdown.
func WithCancelHook(fn func()) TaskOption {
	return func(t *Task) { t.onCancel = fn }
}

// taskIDCounter generates unique task IDs
var taskIDCounter atomic.Uint64

// Task is a unit of work bound to a task code.
type Task struct {
	id               uint64
	code             TaskCode
	hash             uint64
	ctx              context.Context
	handler          TaskHandler
	delay            time.Duration
	period           time.Duration
	priority         Priority
	priorityOverride bool
	onCancel         func()

	state      atomic.Int32 // TaskState
	stopRepeat atomic.Bool
	runs       atomic.Uint64

	mu sync.Mutex

	// Set by the scheduler on Enqueue, guarded by mu
	sched *Scheduler
	pool  *threadPool

	timer *time.Timer
	err   error

	done           chan struct{}
	doneOnce       sync.Once
	cancelHookOnce sync.Once
}

// NewTask creates a task in the created state.
func NewTask(code TaskCode, handler TaskHandler, opts ...TaskOption) *Task {
	t := &Task{
		id:      taskIDCounter.Add(1),
		code:    code,
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the process-unique task ID.
func (t *Task) ID() uint64 {
	return t.id
}

// Code returns the task code.
func (t *Task) Code() TaskCode {
	return t.code
}

// Hash returns the partition hash.
func (t *Task) Hash() uint64 {
	return t.hash
}

// Priority returns the dispatch priority. Before Enqueue it is only
// meaningful when set with WithPriority.
func (t *Task) Priority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// IsTimer reports whether the task repeats.
func (t *Task) IsTimer() bool {
	return t.period > 0
}

// Runs returns how many times the handler has been invoked.
func (t *Task) Runs() uint64 {
	return t.runs.Load()
}

// Err returns the error of the last handler invocation.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task is finished or cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is finished or cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel removes the task if it has not started. It returns false once the
// handler is running or the task has completed. Cancelling a running timer
// task returns false but stops further repetitions.
func (t *Task) Cancel() bool {
	for {
		switch st := TaskState(t.state.Load()); st {
		case TaskStateCreated:
			if t.state.CompareAndSwap(int32(st), int32(TaskStateCancelled)) {
				t.runCancelHook()
				t.finish()
				return true
			}

		case TaskStateQueued:
			if t.state.CompareAndSwap(int32(st), int32(TaskStateCancelled)) {
				t.stopTimer()
				if sched, _ := t.owner(); sched != nil {
					sched.onCancelled(t)
				} else {
					t.runCancelHook()
				}
				t.finish()
				return true
			}

		case TaskStateRunning:
			if t.period <= 0 {
				return false
			}
			t.stopRepeat.Store(true)
			if t.state.Load() == int32(TaskStateRunning) {
				return false
			}
			// Re-armed between the load and the flag; cancel the next run

		default:
			return false
		}
	}
}

// owner returns the scheduler and pool the task was enqueued on. Enqueue
// publishes them under mu before any other goroutine can see the task queued
// with them unset.
func (t *Task) owner() (*Scheduler, *threadPool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched, t.pool
}

// runCancelHook runs the cancel hook of a task that never ran.
func (t *Task) runCancelHook() {
	if t.onCancel == nil || t.runs.Load() > 0 {
		return
	}
	t.cancelHookOnce.Do(t.onCancel)
}

func (t *Task) setTimer(timer *time.Timer) {
	t.mu.Lock()
	t.timer = timer
	t.mu.Unlock()
}

func (t *Task) stopTimer() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *Task) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

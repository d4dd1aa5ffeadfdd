package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/dsngo/metrics"
)

// SchedulerState represents the lifecycle of a Scheduler.
type SchedulerState int32

const (
	SchedulerStateIdle SchedulerState = iota
	SchedulerStateRunning
	SchedulerStateStopped
)

// String returns the string representation of SchedulerState.
func (s SchedulerState) String() string {
	switch s {
	case SchedulerStateIdle:
		return "idle"
	case SchedulerStateRunning:
		return "running"
	case SchedulerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger used for handler failures and lifecycle events.
func WithLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables prometheus accounting.
func WithMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithAbortOnFailure makes every pool re-panic after logging a handler
// failure, regardless of PoolSpec.AbortOnFailure.
func WithAbortOnFailure(abort bool) SchedulerOption {
	return func(s *Scheduler) { s.abortOnFailure = abort }
}

// threadPool is the runtime side of a registered pool.
type threadPool struct {
	spec PoolSpec

	// One shared queue, or one queue per worker when partitioned
	queues []*taskQueue

	executed  atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	startedAt time.Time
}

func (p *threadPool) queueFor(hash uint64) *taskQueue {
	if len(p.queues) == 1 {
		return p.queues[0]
	}
	return p.queues[hash%uint64(len(p.queues))]
}

// Scheduler runs tasks on the worker goroutines of registered thread pools.
type Scheduler struct {
	registry       *Registry
	logger         *zap.Logger
	metrics        *metrics.Metrics
	abortOnFailure bool
	vq             *VirtualQueues

	mu    sync.RWMutex
	state atomic.Int32 // SchedulerState
	pools map[ThreadPoolCode]*threadPool

	// Delayed and timer tasks waiting on time.AfterFunc
	armed sync.Map // *Task -> struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler for the pools and task codes of reg.
func NewScheduler(reg *Registry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		registry: reg,
		logger:   zap.L(),
		vq:       NewVirtualQueues(),
		pools:    make(map[ThreadPoolCode]*threadPool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// Registry returns the code registry the scheduler resolves tasks against.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// VirtualQueues returns the per-(code, hash) counters. The scheduler never
// reads them; admission policies do.
func (s *Scheduler) VirtualQueues() *VirtualQueues {
	return s.vq
}

// State returns the current scheduler state.
func (s *Scheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// Start spawns the workers of every pool registered so far.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case SchedulerStateRunning:
		return ErrSchedulerStarted
	case SchedulerStateStopped:
		return ErrSchedulerStopped
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	now := time.Now()

	for _, spec := range s.registry.Pools() {
		p := &threadPool{spec: spec, startedAt: now}

		n := 1
		if spec.Partitioned {
			n = spec.Workers
		}
		name := spec.Name
		onLen := func(pri Priority, delta int) {
			s.metrics.QueueLengthAdd(name, pri.String(), delta)
		}
		for i := 0; i < n; i++ {
			p.queues = append(p.queues, newTaskQueue(spec.FairnessInterval, onLen))
		}

		for i := 0; i < spec.Workers; i++ {
			q := p.queues[0]
			if spec.Partitioned {
				q = p.queues[i]
			}
			s.wg.Add(1)
			go s.worker(p, q)
		}

		s.pools[spec.Code] = p
		s.logger.Debug("thread pool started",
			zap.String("pool", spec.Name),
			zap.Int("workers", spec.Workers),
			zap.Bool("partitioned", spec.Partitioned))
	}

	s.state.Store(int32(SchedulerStateRunning))
	return nil
}

// Enqueue hands a created task to its pool. It never blocks; delayed and
// timer tasks are armed and pushed when due.
func (s *Scheduler) Enqueue(t *Task) error {
	if t == nil || t.handler == nil {
		return errors.New("task has no handler")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.State() {
	case SchedulerStateIdle:
		return ErrSchedulerNotStarted
	case SchedulerStateStopped:
		return ErrSchedulerStopped
	}

	spec, ok := s.registry.TaskSpec(t.code)
	if !ok {
		return fmt.Errorf("task code %d: %w", t.code, ErrUnknownCode)
	}
	p, ok := s.pools[spec.Pool]
	if !ok {
		return fmt.Errorf("task %s: pool %d: %w", spec.Name, spec.Pool, ErrPoolNotFound)
	}

	// The owner is published together with the queued state so a concurrent
	// Cancel always sees it
	t.mu.Lock()
	pri := spec.Priority
	if t.priorityOverride {
		pri = t.priority
	}
	if !pri.IsValid() {
		t.mu.Unlock()
		return fmt.Errorf("task %d: %w: %d", t.id, ErrInvalidPriority, pri)
	}
	if !t.state.CompareAndSwap(int32(TaskStateCreated), int32(TaskStateQueued)) {
		t.mu.Unlock()
		return fmt.Errorf("task %d: %w", t.id, ErrTaskNotCreated)
	}
	t.sched = s
	t.pool = p
	t.priority = pri
	if t.ctx == nil {
		t.ctx = s.ctx
	}
	t.mu.Unlock()

	if t.delay > 0 {
		s.arm(t, t.delay)
		return nil
	}
	s.push(t)
	return nil
}

// Submit creates a task for code and enqueues it.
func (s *Scheduler) Submit(code TaskCode, handler TaskHandler, opts ...TaskOption) (*Task, error) {
	t := NewTask(code, handler, opts...)
	if err := s.Enqueue(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Scheduler) push(t *Task) {
	q := t.pool.queueFor(t.hash)
	if !q.push(t) {
		s.drop(t)
		return
	}
	s.metrics.TaskEnqueued(t.pool.spec.Name, t.priority.String())

	// Cancelled before it reached the lane
	if t.State() == TaskStateCancelled {
		q.remove(t)
	}
}

func (s *Scheduler) arm(t *Task, d time.Duration) {
	if s.State() == SchedulerStateStopped {
		s.drop(t)
		return
	}

	s.armed.Store(t, struct{}{})
	t.setTimer(time.AfterFunc(d, func() {
		s.armed.Delete(t)
		if t.State() != TaskStateQueued {
			return
		}
		s.push(t)
	}))
}

// drop cancels a queued task the scheduler can no longer run.
func (s *Scheduler) drop(t *Task) {
	if t.state.CompareAndSwap(int32(TaskStateQueued), int32(TaskStateCancelled)) {
		t.stopTimer()
		s.onCancelled(t)
		t.finish()
	}
}

func (s *Scheduler) onCancelled(t *Task) {
	s.armed.Delete(t)
	if _, p := t.owner(); p != nil {
		p.queueFor(t.hash).remove(t)
		p.cancelled.Add(1)
		s.metrics.TaskCancelled(p.spec.Name)
	}
	t.runCancelHook()
}

func (s *Scheduler) worker(p *threadPool, q *taskQueue) {
	defer s.wg.Done()

	for {
		t, ok := q.pop()
		if !ok {
			return
		}
		s.run(p, t)
	}
}

func (s *Scheduler) run(p *threadPool, t *Task) {
	// Cancelled while waiting in the queue
	if !t.state.CompareAndSwap(int32(TaskStateQueued), int32(TaskStateRunning)) {
		return
	}

	t.runs.Add(1)
	err := s.invoke(p, t)
	t.setErr(err)
	p.executed.Add(1)
	s.metrics.TaskExecuted(p.spec.Name)
	if err != nil {
		p.failed.Add(1)
		s.metrics.TaskFailed(p.spec.Name, s.registry.TaskName(t.code))
	}

	if t.period > 0 {
		if !t.stopRepeat.Load() {
			t.state.Store(int32(TaskStateQueued))
			if !t.stopRepeat.Load() {
				s.arm(t, t.period)
				return
			}
			// Cancel raced with the re-arm
			if t.state.CompareAndSwap(int32(TaskStateQueued), int32(TaskStateCancelled)) {
				s.onCancelled(t)
				t.finish()
			}
			return
		}
		t.state.Store(int32(TaskStateCancelled))
		s.onCancelled(t)
		t.finish()
		return
	}

	t.state.Store(int32(TaskStateFinished))
	t.finish()
}

// invoke runs the handler and turns a panic into an error unless the pool
// aborts on failure.
func (s *Scheduler) invoke(p *threadPool, t *Task) (err error) {
	abort := s.abortOnFailure || p.spec.AbortOnFailure
	name := s.registry.TaskName(t.code)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				zap.String("task", name),
				zap.Uint64("task_id", t.id),
				zap.String("pool", p.spec.Name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			if abort {
				panic(r)
			}
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()

	err = t.handler(t.ctx)
	if err != nil {
		s.logger.Warn("task failed",
			zap.String("task", name),
			zap.Uint64("task_id", t.id),
			zap.String("pool", p.spec.Name),
			zap.Error(err))
		if abort {
			panic(err)
		}
	}
	return err
}

// Shutdown stops accepting tasks, cancels every queued or armed task and
// waits for running handlers to return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	prev := s.State()
	s.state.Store(int32(SchedulerStateStopped))
	s.mu.Unlock()

	if prev != SchedulerStateRunning {
		return nil
	}
	s.cancel()

	for _, p := range s.pools {
		for _, q := range p.queues {
			for _, t := range q.close() {
				s.drop(t)
			}
		}
	}
	s.armed.Range(func(key, _ any) bool {
		s.drop(key.(*Task))
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// Stats returns runtime statistics for every started pool ordered by code.
func (s *Scheduler) Stats() []PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]PoolStats, 0, len(s.pools))
	for _, p := range s.pools {
		st := PoolStats{
			Code:      p.spec.Code,
			Name:      p.spec.Name,
			Workers:   p.spec.Workers,
			Executed:  p.executed.Load(),
			Failed:    p.failed.Load(),
			Cancelled: p.cancelled.Load(),
			StartedAt: p.startedAt,
		}
		for _, q := range p.queues {
			n := q.lengths()
			for i := range n {
				st.Queued[i] += n[i]
			}
		}
		stats = append(stats, st)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Code < stats[j].Code })
	return stats
}

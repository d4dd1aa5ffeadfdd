package core

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, spec PoolSpec) (*Scheduler, ThreadPoolCode) {
	t.Helper()

	reg := NewRegistry()
	pool, err := reg.RegisterPool("THREAD_POOL_TEST", spec)
	if err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}
	s := NewScheduler(reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, pool
}

func mustRegister(t *testing.T, s *Scheduler, name string, pri Priority, pool ThreadPoolCode) TaskCode {
	t.Helper()
	code, err := s.Registry().RegisterTask(name, TaskTypeCompute, pri, pool)
	if err != nil {
		t.Fatalf("RegisterTask(%s) failed: %v", name, err)
	}
	return code
}

func mustStart(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

// blockPool occupies the only worker until the returned func is called.
func blockPool(t *testing.T, s *Scheduler, code TaskCode) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	_, err := s.Submit(code, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Submit blocker failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("Blocker did not start")
	}
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func waitTask(t *testing.T, task *Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := task.Wait(ctx); err != nil {
		t.Fatalf("Task %d did not complete: %v", task.ID(), err)
	}
}

func TestSchedulerPriorityOrder(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 1})
	blocker := mustRegister(t, s, "LPC_BLOCK", PriorityCommon, pool)
	common := mustRegister(t, s, "LPC_COMMON", PriorityCommon, pool)
	high := mustRegister(t, s, "LPC_HIGH", PriorityHigh, pool)
	mustStart(t, s)

	release := blockPool(t, s, blocker)

	var mu sync.Mutex
	var order []string
	record := func(name string) TaskHandler {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a, err := s.Submit(common, record("A"))
	if err != nil {
		t.Fatalf("Submit A failed: %v", err)
	}
	b, err := s.Submit(high, record("B"))
	if err != nil {
		t.Fatalf("Submit B failed: %v", err)
	}

	release()
	waitTask(t, a)
	waitTask(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Errorf("Expected [B A], got %v", order)
	}
}

func TestSchedulerCancel(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 1})
	code := mustRegister(t, s, "LPC_WORK", PriorityCommon, pool)
	mustStart(t, s)

	t.Run("before start", func(t *testing.T) {
		release := blockPool(t, s, code)
		defer release()

		var ran atomic.Bool
		task, err := s.Submit(code, func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		if !task.Cancel() {
			t.Fatal("Cancel of a queued task should succeed")
		}
		if task.State() != TaskStateCancelled {
			t.Errorf("Expected cancelled, got %s", task.State())
		}
		if task.Cancel() {
			t.Error("Second cancel should fail")
		}

		release()
		next, _ := s.Submit(code, func(ctx context.Context) error { return nil })
		waitTask(t, next)
		if ran.Load() {
			t.Error("Cancelled task ran")
		}
	})

	t.Run("while running", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		task, err := s.Submit(code, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		<-started
		if task.Cancel() {
			t.Error("Cancel of a running task should fail")
		}
		close(release)
		waitTask(t, task)
		if task.State() != TaskStateFinished {
			t.Errorf("Expected finished, got %s", task.State())
		}
	})

	t.Run("created", func(t *testing.T) {
		task := NewTask(code, func(ctx context.Context) error { return nil })
		if !task.Cancel() {
			t.Fatal("Cancel of a created task should succeed")
		}
		if err := s.Enqueue(task); !errors.Is(err, ErrTaskNotCreated) {
			t.Errorf("Expected ErrTaskNotCreated, got %v", err)
		}
	})
}

func TestSchedulerTimerTask(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 2})
	code := mustRegister(t, s, "LPC_TICK", PriorityCommon, pool)
	mustStart(t, s)

	ticks := make(chan struct{}, 100)
	task, err := s.Submit(code, func(ctx context.Context) error {
		ticks <- struct{}{}
		return nil
	}, WithPeriod(5*time.Millisecond))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !task.IsTimer() {
		t.Fatal("Expected a timer task")
	}

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("Only %d ticks observed", i)
		}
	}

	task.Cancel()
	waitTask(t, task)

	if task.State() != TaskStateCancelled {
		t.Errorf("Expected cancelled timer, got %s", task.State())
	}
	runs := task.Runs()
	time.Sleep(30 * time.Millisecond)
	if task.Runs() != runs {
		t.Errorf("Timer kept running after cancel: %d -> %d", runs, task.Runs())
	}
}

func TestSchedulerDelay(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 1})
	code := mustRegister(t, s, "LPC_LATER", PriorityCommon, pool)
	mustStart(t, s)

	var ranAt time.Time
	start := time.Now()
	task, err := s.Submit(code, func(ctx context.Context) error {
		ranAt = time.Now()
		return nil
	}, WithDelay(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitTask(t, task)

	if ranAt.Sub(start) < 20*time.Millisecond {
		t.Errorf("Delayed task ran after %v", ranAt.Sub(start))
	}
}

func TestSchedulerHandlerFailure(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 1})
	code := mustRegister(t, s, "LPC_FAIL", PriorityCommon, pool)
	mustStart(t, s)

	bad, err := s.Submit(code, func(ctx context.Context) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	failing, _ := s.Submit(code, func(ctx context.Context) error {
		return errors.New("failed")
	})
	good, _ := s.Submit(code, func(ctx context.Context) error { return nil })

	waitTask(t, bad)
	waitTask(t, failing)
	waitTask(t, good)

	if bad.Err() == nil {
		t.Error("Panicking task should record an error")
	}
	if good.State() != TaskStateFinished {
		t.Errorf("Worker did not survive the panic: %s", good.State())
	}

	for _, st := range s.Stats() {
		if st.Code != pool {
			continue
		}
		if st.Failed != 2 || st.Executed != 3 {
			t.Errorf("Stats = %+v, want 2 failed of 3 executed", st)
		}
	}
}

func TestSchedulerPartitionedFIFO(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 4, Partitioned: true})
	code := mustRegister(t, s, "LPC_PART", PriorityCommon, pool)
	mustStart(t, s)

	const n = 200
	var mu sync.Mutex
	var seen []int
	var last *Task
	for i := 0; i < n; i++ {
		i := i
		task, err := s.Submit(code, func(ctx context.Context) error {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
			return nil
		}, WithHash(7))
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		last = task
	}
	waitTask(t, last)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("Out of order at %d: got %d", i, v)
		}
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	reg := NewRegistry()
	code, _ := reg.RegisterTask("LPC_LIFE", TaskTypeCompute, PriorityCommon, ThreadPoolDefault)
	s := NewScheduler(reg)

	task := NewTask(code, func(ctx context.Context) error { return nil })
	if err := s.Enqueue(task); !errors.Is(err, ErrSchedulerNotStarted) {
		t.Errorf("Expected ErrSchedulerNotStarted, got %v", err)
	}

	mustStart(t, s)
	if err := s.Start(context.Background()); !errors.Is(err, ErrSchedulerStarted) {
		t.Errorf("Expected ErrSchedulerStarted, got %v", err)
	}

	unknown := NewTask(TaskCode(999), func(ctx context.Context) error { return nil })
	if err := s.Enqueue(unknown); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("Expected ErrUnknownCode, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrSchedulerStopped) {
		t.Errorf("Expected ErrSchedulerStopped, got %v", err)
	}
}

func TestSchedulerShutdownCancelsQueued(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 1})
	code := mustRegister(t, s, "LPC_PENDING", PriorityCommon, pool)
	mustStart(t, s)

	release := blockPool(t, s, code)
	queued, _ := s.Submit(code, func(ctx context.Context) error { return nil })
	delayed, _ := s.Submit(code, func(ctx context.Context) error { return nil }, WithDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); err == nil {
		t.Error("Shutdown should time out while a handler is blocked")
	}
	release()

	waitTask(t, queued)
	waitTask(t, delayed)
	if queued.State() != TaskStateCancelled || delayed.State() != TaskStateCancelled {
		t.Errorf("States = %s, %s; want cancelled", queued.State(), delayed.State())
	}
}

func TestSchedulerInvalidPriority(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 1})
	code := mustRegister(t, s, "LPC_ODD", PriorityCommon, pool)
	mustStart(t, s)

	task := NewTask(code, func(ctx context.Context) error { return nil }, WithPriority(Priority(7)))
	if err := s.Enqueue(task); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("Expected ErrInvalidPriority, got %v", err)
	}
	if task.State() != TaskStateCreated {
		t.Errorf("Rejected task moved to %s", task.State())
	}
}

func TestSchedulerCancelLeavesLane(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 1})
	blocker := mustRegister(t, s, "LPC_BLOCK", PriorityHigh, pool)
	low := mustRegister(t, s, "LPC_LOW", PriorityLow, pool)
	mustStart(t, s)

	release := blockPool(t, s, blocker)
	defer release()

	var tasks []*Task
	for i := 0; i < 3; i++ {
		task, err := s.Submit(low, func(ctx context.Context) error { return nil })
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		tasks = append(tasks, task)
	}
	tasks[0].Cancel()
	tasks[2].Cancel()

	for _, st := range s.Stats() {
		if st.Code != pool {
			continue
		}
		if st.Queued[PriorityLow] != 1 {
			t.Errorf("Expected 1 queued low task, got %d", st.Queued[PriorityLow])
		}
		if st.Cancelled != 2 {
			t.Errorf("Expected 2 cancelled, got %d", st.Cancelled)
		}
	}

	release()
	waitTask(t, tasks[1])
	if tasks[1].State() != TaskStateFinished {
		t.Errorf("Remaining task state %s", tasks[1].State())
	}
}

func TestSchedulerEnqueueCancelRace(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 2})
	code := mustRegister(t, s, "LPC_RACE", PriorityCommon, pool)
	mustStart(t, s)

	const n = 2000
	var queuedCancels, executed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		task := NewTask(code, func(ctx context.Context) error {
			executed.Add(1)
			return nil
		})
		var enqueued, cancelled bool
		var pair sync.WaitGroup
		pair.Add(2)
		go func() {
			defer pair.Done()
			enqueued = s.Enqueue(task) == nil
		}()
		go func() {
			defer pair.Done()
			cancelled = task.Cancel()
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			pair.Wait()
			if !enqueued && !cancelled {
				t.Errorf("Task %d neither enqueued nor cancelled", task.ID())
			}
			if enqueued && cancelled {
				queuedCancels.Add(1)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := task.Wait(ctx); err != nil {
				t.Errorf("Task %d did not complete: %v", task.ID(), err)
			}
		}()
	}
	wg.Wait()

	for _, st := range s.Stats() {
		if st.Code != pool {
			continue
		}
		if int64(st.Cancelled) != queuedCancels.Load() {
			t.Errorf("Pool counted %d cancels, %d queued tasks were cancelled", st.Cancelled, queuedCancels.Load())
		}
		if int64(st.Executed) != executed.Load() {
			t.Errorf("Pool counted %d runs, handlers ran %d times", st.Executed, executed.Load())
		}
		if st.QueuedTotal() != 0 {
			t.Errorf("Expected empty queues, got %d", st.QueuedTotal())
		}
	}
}

func TestSchedulerCancelHook(t *testing.T) {
	s, pool := newTestScheduler(t, PoolSpec{Workers: 1})
	code := mustRegister(t, s, "LPC_HOOK", PriorityCommon, pool)
	mustStart(t, s)

	var ranHook, droppedHook, cancelledHook atomic.Int32
	ran, err := s.Submit(code, func(ctx context.Context) error { return nil },
		WithCancelHook(func() { ranHook.Add(1) }))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitTask(t, ran)

	release := blockPool(t, s, code)
	cancelled, _ := s.Submit(code, func(ctx context.Context) error { return nil },
		WithCancelHook(func() { cancelledHook.Add(1) }))
	dropped, _ := s.Submit(code, func(ctx context.Context) error { return nil },
		WithCancelHook(func() { droppedHook.Add(1) }))
	cancelled.Cancel()
	cancelled.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Shutdown(ctx)
	release()
	waitTask(t, dropped)

	if ranHook.Load() != 0 {
		t.Error("Cancel hook ran for a finished task")
	}
	if cancelledHook.Load() != 1 {
		t.Errorf("Cancel hook ran %d times for a cancelled task", cancelledHook.Load())
	}
	if droppedHook.Load() != 1 {
		t.Errorf("Cancel hook ran %d times for a dropped task", droppedHook.Load())
	}
}

// abortChildEnv selects the failing configuration run in a child process
const abortChildEnv = "DSN_SCHEDULER_ABORT_CHILD"

func runAbortChild(mode string) {
	reg := NewRegistry()
	spec := PoolSpec{Workers: 1, AbortOnFailure: mode == "pool"}
	pool, _ := reg.RegisterPool("THREAD_POOL_ABORT", spec)
	code, _ := reg.RegisterTask("LPC_ABORT", TaskTypeCompute, PriorityCommon, pool)

	var opts []SchedulerOption
	if mode == "scheduler" {
		opts = append(opts, WithAbortOnFailure(true))
	}
	s := NewScheduler(reg, opts...)
	s.Start(context.Background())

	failing, _ := s.Submit(code, func(ctx context.Context) error {
		return errors.New("handler gave up")
	})
	after, _ := s.Submit(code, func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	failing.Wait(ctx)
	after.Wait(ctx)
	if after.State() == TaskStateFinished {
		os.Exit(0)
	}
	os.Exit(3)
}

func TestSchedulerAbortOnFailure(t *testing.T) {
	if mode := os.Getenv(abortChildEnv); mode != "" {
		runAbortChild(mode)
		return
	}

	tests := []struct {
		mode  string
		crash bool
	}{
		{mode: "scheduler", crash: true},
		{mode: "pool", crash: true},
		{mode: "off", crash: false},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cmd := exec.Command(os.Args[0], "-test.run=^TestSchedulerAbortOnFailure$")
			cmd.Env = append(os.Environ(), abortChildEnv+"="+tt.mode)
			out, err := cmd.CombinedOutput()

			if !tt.crash {
				if err != nil {
					t.Fatalf("Worker should survive a failing handler: %v\n%s", err, out)
				}
				return
			}
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("Expected the process to crash, got %v\n%s", err, out)
			}
			if !strings.Contains(string(out), "handler gave up") {
				t.Errorf("Crash output lacks the handler error:\n%s", out)
			}
		})
	}
}

func TestTaskQueueFairness(t *testing.T) {
	q := newTaskQueue(2, nil)

	mk := func(p Priority) *Task {
		return &Task{priority: p}
	}
	for i := 0; i < 5; i++ {
		q.push(mk(PriorityHigh))
	}
	for i := 0; i < 2; i++ {
		q.push(mk(PriorityLow))
	}

	want := []Priority{PriorityHigh, PriorityHigh, PriorityLow, PriorityHigh, PriorityHigh, PriorityLow, PriorityHigh}
	for i, w := range want {
		task, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		if task.priority != w {
			t.Errorf("pop %d = %s, want %s", i, task.priority, w)
		}
	}
}

func TestTaskQueueClose(t *testing.T) {
	q := newTaskQueue(0, nil)
	q.push(&Task{priority: PriorityLow})
	q.push(&Task{priority: PriorityHigh})

	done := make(chan bool)
	empty := newTaskQueue(0, nil)
	go func() {
		_, ok := empty.pop()
		done <- ok
	}()
	empty.close()
	if ok := <-done; ok {
		t.Error("pop on a closed queue should report false")
	}

	rest := q.close()
	if len(rest) != 2 || rest[0].priority != PriorityHigh {
		t.Errorf("close returned %d tasks", len(rest))
	}
	if q.push(&Task{}) {
		t.Error("push after close should fail")
	}
}

func TestVirtualQueues(t *testing.T) {
	vq := NewVirtualQueues()

	if vq.Load(1, 9) != 0 {
		t.Error("Unknown counter should be zero")
	}
	vq.Increment(1, 9)
	vq.Increment(1, 9)
	vq.Decrement(1, 9)
	vq.Add(1, 10, 5)

	if got := vq.Load(1, 9); got != 1 {
		t.Errorf("Load(1, 9) = %d", got)
	}
	if got := vq.Load(1, 10); got != 5 {
		t.Errorf("Load(1, 10) = %d", got)
	}
}

func TestAdmissionPolicies(t *testing.T) {
	vq := NewVirtualQueues()
	ql := &QueueLengthPolicy{Queues: vq, MaxLength: 2}

	if !ql.Admit(1, 0) {
		t.Error("Empty queue should admit")
	}
	vq.Add(1, 0, 2)
	if ql.Admit(1, 0) {
		t.Error("Full queue should reject")
	}
	if !ql.Admit(1, 1) {
		t.Error("Other hash should admit")
	}

	rp := NewRatePolicy(1, 2, 0)
	if !rp.Admit(1, 0) || !rp.Admit(1, 0) {
		t.Error("Burst should be admitted")
	}
	if rp.Admit(1, 0) {
		t.Error("Third request within a second should be rejected")
	}
	if !rp.Admit(2, 0) {
		t.Error("Other code has its own bucket")
	}

	var nilPolicy *RatePolicy
	if !nilPolicy.Admit(1, 0) {
		t.Error("Nil rate policy admits everything")
	}
	if NewRatePolicy(0, 1, 0) != nil {
		t.Error("Invalid rate should yield nil policy")
	}
}

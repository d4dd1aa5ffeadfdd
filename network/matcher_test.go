package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/najoast/dsngo/core"
)

type callResult struct {
	err   error
	req   *Message
	reply *Message
	at    time.Time
}

func recordingTask(results chan<- callResult) *ResponseTask {
	return &ResponseTask{
		Callback: func(err error, req, reply *Message) {
			results <- callResult{err: err, req: req, reply: reply, at: time.Now()}
		},
	}
}

func waitResult(t *testing.T, results <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Callback did not fire")
		return callResult{}
	}
}

func TestMatcherTimeout(t *testing.T) {
	m := NewMatcher(0)
	results := make(chan callResult, 4)

	req := NewRequest("RPC_SLOW", nil, 0)
	start := time.Now()
	id := m.OnCall(req, recordingTask(results), 50*time.Millisecond)
	if id == 0 || req.ID != id {
		t.Fatalf("OnCall assigned id %d, request carries %d", id, req.ID)
	}
	if m.FlyingCallCount() != 1 {
		t.Errorf("Expected 1 flying call, got %d", m.FlyingCallCount())
	}

	r := waitResult(t, results)
	if !errors.Is(r.err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", r.err)
	}
	if r.at.Sub(start) < 50*time.Millisecond {
		t.Errorf("Timeout fired after %v", r.at.Sub(start))
	}
	if r.reply != nil || r.req != req {
		t.Error("Timeout callback should carry the request and no reply")
	}
	if m.FlyingCallCount() != 0 {
		t.Errorf("Expected 0 flying calls, got %d", m.FlyingCallCount())
	}

	late := req.CreateResponse()
	if m.OnRecvReply(id, late, 0) {
		t.Error("Late reply should be dropped")
	}
	select {
	case <-results:
		t.Error("Callback fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMatcherReply(t *testing.T) {
	m := NewMatcher(3)
	results := make(chan callResult, 4)

	tests := []struct {
		name  string
		reply func(req *Message) *Message
		want  error
	}{
		{"ok", func(req *Message) *Message { return req.CreateResponse() }, nil},
		{"remote error", func(req *Message) *Message {
			resp := req.CreateResponse()
			resp.Error = ErrBusy
			return resp
		}, ErrBusy},
		{"nil reply", func(*Message) *Message { return nil }, ErrNetworkFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest("RPC_ECHO", nil, 0)
			id := m.OnCall(req, recordingTask(results), time.Second)
			reply := tt.reply(req)

			if !m.OnRecvReply(id, reply, 0) {
				t.Fatal("First reply should be accepted")
			}
			r := waitResult(t, results)
			if r.err != tt.want {
				t.Errorf("Callback error = %v, want %v", r.err, tt.want)
			}
			if r.reply != reply {
				t.Error("Callback should receive the reply")
			}
			if m.OnRecvReply(id, reply, 0) {
				t.Error("Second reply should be dropped")
			}
		})
	}
}

func TestMatcherUniqueIDs(t *testing.T) {
	m := NewMatcher(0)
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := m.OnCall(NewRequest("RPC", nil, 0), nil, 0)
		if id == 0 || seen[id] {
			t.Fatalf("Duplicate or zero id %d", id)
		}
		seen[id] = true
	}
	if n := m.FailAll(ErrNetworkFailure); n != 1000 {
		t.Errorf("FailAll resolved %d calls", n)
	}
}

func TestMatcherExactlyOnce(t *testing.T) {
	m := NewMatcher(0)
	const calls = 2000

	var counts [calls]atomic.Int32
	ids := make([]uint32, calls)
	for i := 0; i < calls; i++ {
		i := i
		rt := &ResponseTask{Callback: func(err error, req, reply *Message) {
			counts[i].Add(1)
		}}
		// Short timeouts race with the replies below
		ids[i] = m.OnCall(NewRequest("RPC", nil, 0), rt, time.Duration(i%3)*time.Millisecond+time.Microsecond)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				m.OnRecvReply(id, &Message{ID: id, Flags: FlagResponse}, 0)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.FailAll(ErrNetworkFailure)
	}()
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for m.FlyingCallCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.FlyingCallCount() != 0 {
		t.Fatalf("Expected no flying calls, got %d", m.FlyingCallCount())
	}
	for i := range counts {
		if n := counts[i].Load(); n != 1 {
			t.Fatalf("Call %d resolved %d times", i, n)
		}
	}
}

func TestMatcherFailAll(t *testing.T) {
	m := NewMatcher(0)
	results := make(chan callResult, 8)
	for i := 0; i < 5; i++ {
		m.OnCall(NewRequest("RPC", nil, 0), recordingTask(results), time.Hour)
	}

	if n := m.FailAll(ErrNetworkFailure); n != 5 {
		t.Fatalf("FailAll resolved %d calls, want 5", n)
	}
	for i := 0; i < 5; i++ {
		if r := waitResult(t, results); !errors.Is(r.err, ErrNetworkFailure) {
			t.Errorf("Expected ErrNetworkFailure, got %v", r.err)
		}
	}
	if m.FlyingCallCount() != 0 {
		t.Errorf("Expected 0 flying calls, got %d", m.FlyingCallCount())
	}
}

func TestMatcherReplyDelay(t *testing.T) {
	m := NewMatcher(0)
	results := make(chan callResult, 1)
	req := NewRequest("RPC", nil, 0)
	id := m.OnCall(req, recordingTask(results), 0)

	start := time.Now()
	if !m.OnRecvReply(id, req.CreateResponse(), 30*time.Millisecond) {
		t.Fatal("Reply should be accepted")
	}
	if m.FlyingCallCount() != 0 {
		t.Error("Delayed reply still resolves the call immediately")
	}
	r := waitResult(t, results)
	if r.at.Sub(start) < 30*time.Millisecond {
		t.Errorf("Callback ran after %v", r.at.Sub(start))
	}
}

type fakeDispatcher struct {
	mu    sync.Mutex
	codes []core.TaskCode
	fail  bool
}

func (d *fakeDispatcher) Submit(code core.TaskCode, handler core.TaskHandler, opts ...core.TaskOption) (*core.Task, error) {
	if d.fail {
		return nil, core.ErrSchedulerStopped
	}
	d.mu.Lock()
	d.codes = append(d.codes, code)
	d.mu.Unlock()

	task := core.NewTask(code, handler, opts...)
	handler(context.Background())
	return task, nil
}

func TestMatcherDispatcher(t *testing.T) {
	t.Run("as task", func(t *testing.T) {
		d := &fakeDispatcher{}
		m := NewMatcher(0, WithDispatcher(d))
		results := make(chan callResult, 1)
		rt := recordingTask(results)
		rt.Code = core.TaskCode(7)
		rt.Hash = 99

		req := NewRequest("RPC", nil, 0)
		m.OnRecvReply(m.OnCall(req, rt, 0), req.CreateResponse(), 0)
		waitResult(t, results)

		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.codes) != 1 || d.codes[0] != 7 {
			t.Errorf("Expected one task of code 7, got %v", d.codes)
		}
	})

	t.Run("inline fallback", func(t *testing.T) {
		m := NewMatcher(0, WithDispatcher(&fakeDispatcher{fail: true}))
		results := make(chan callResult, 1)
		rt := recordingTask(results)
		rt.Code = core.TaskCode(7)

		req := NewRequest("RPC", nil, 0)
		m.OnRecvReply(m.OnCall(req, rt, 0), nil, 0)
		if r := waitResult(t, results); !errors.Is(r.err, ErrNetworkFailure) {
			t.Errorf("Expected ErrNetworkFailure, got %v", r.err)
		}
	})
}

func TestMatcherReplyOutlivesShutdown(t *testing.T) {
	reg := core.NewRegistry()
	pool, err := reg.RegisterPool("THREAD_POOL_ONE", core.PoolSpec{Workers: 1})
	if err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}
	req, ack, err := reg.RegisterRPC("RPC_SHUTDOWN", core.PriorityCommon, pool)
	if err != nil {
		t.Fatalf("RegisterRPC failed: %v", err)
	}
	s := core.NewScheduler(reg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Occupy the only worker so the reply task stays queued
	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := s.Submit(req, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit blocker failed: %v", err)
	}
	<-started
	defer close(release)

	var fired atomic.Int32
	results := make(chan callResult, 2)
	rt := &ResponseTask{
		Code: ack,
		Callback: func(err error, req, reply *Message) {
			fired.Add(1)
			results <- callResult{err: err, req: req, reply: reply}
		},
	}

	m := NewMatcher(0, WithDispatcher(s))
	call := NewRequest("RPC_SHUTDOWN", nil, 0)
	if !m.OnRecvReply(m.OnCall(call, rt, 0), call.CreateResponse(), 0) {
		t.Fatal("Reply should be accepted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Shutdown(ctx)

	r := waitResult(t, results)
	if r.err != nil || r.reply == nil {
		t.Errorf("Expected the reply, got err=%v reply=%v", r.err, r.reply)
	}
	time.Sleep(20 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("Callback fired %d times, want 1", n)
	}
	if m.FlyingCallCount() != 0 {
		t.Errorf("Expected no flying calls, got %d", m.FlyingCallCount())
	}
}

package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/najoast/dsngo/core"
)

// DefaultMatcherBuckets is the bucket count used when none is configured.
const DefaultMatcherBuckets = 13

// DefaultCallTimeout bounds calls made without a timeout
const DefaultCallTimeout = 5 * time.Second

// ResponseCallback receives the outcome of a call. reply is nil on timeout
// or network failure.
type ResponseCallback func(err error, req, reply *Message)

// ResponseTask describes how a call's callback is run: as a task of Code
// partitioned by Hash, or inline when no dispatcher is configured.
type ResponseTask struct {
	Code     core.TaskCode
	Hash     uint64
	Callback ResponseCallback
}

type matcherEntry struct {
	req   *Message
	rt    *ResponseTask
	timer *time.Timer
}

type matcherBucket struct {
	mu      sync.Mutex
	entries map[uint32]*matcherEntry
}

// callIDCounter generates process-unique request ids
var callIDCounter atomic.Uint32

func nextCallID() uint32 {
	for {
		if id := callIDCounter.Add(1); id != 0 {
			return id
		}
	}
}

// Matcher correlates outstanding requests with their replies. Every call is
// resolved exactly once: by its reply, by its timeout or by FailAll,
// whichever removes the entry first.
type Matcher struct {
	opts    options
	logger  *zap.Logger
	buckets []matcherBucket
	flying  atomic.Int64
}

// NewMatcher creates a Matcher with the given number of buckets.
func NewMatcher(buckets int, opts ...Option) *Matcher {
	if buckets <= 0 {
		buckets = DefaultMatcherBuckets
	}
	o := buildOptions(opts)
	m := &Matcher{
		opts:    o,
		logger:  o.logger.Named("matcher"),
		buckets: make([]matcherBucket, buckets),
	}
	for i := range m.buckets {
		m.buckets[i].entries = make(map[uint32]*matcherEntry)
	}
	return m
}

func (m *Matcher) bucket(id uint32) *matcherBucket {
	return &m.buckets[id%uint32(len(m.buckets))]
}

// OnCall assigns req a fresh id and tracks it until a reply, the timeout or
// FailAll resolves it. A non-positive timeout never fires.
func (m *Matcher) OnCall(req *Message, rt *ResponseTask, timeout time.Duration) uint32 {
	id := nextCallID()
	req.ID = id

	m.flying.Add(1)
	m.opts.metrics.FlyingCallsAdd(1)

	e := &matcherEntry{req: req, rt: rt}
	b := m.bucket(id)
	b.mu.Lock()
	b.entries[id] = e
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { m.onTimeout(id) })
	}
	b.mu.Unlock()

	return id
}

// OnRecvReply resolves call id with reply, after delay when positive. A nil
// reply resolves it with ErrNetworkFailure. It returns false when the call
// is unknown or already resolved.
func (m *Matcher) OnRecvReply(id uint32, reply *Message, delay time.Duration) bool {
	e := m.remove(id)
	if e == nil {
		return false
	}

	var err error = ErrNetworkFailure
	if reply != nil {
		err = reply.Error.Err()
	}
	m.opts.metrics.CallResolved(resultLabel(err))

	if delay > 0 {
		time.AfterFunc(delay, func() { m.dispatch(e, err, reply) })
		return true
	}
	m.dispatch(e, err, reply)
	return true
}

// FailAll resolves every outstanding call with err.
func (m *Matcher) FailAll(err error) int {
	var failed []*matcherEntry
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		for id, e := range b.entries {
			delete(b.entries, id)
			failed = append(failed, e)
		}
		b.mu.Unlock()
	}

	for _, e := range failed {
		m.release(e)
		m.opts.metrics.CallResolved(resultLabel(err))
		m.dispatch(e, err, nil)
	}
	return len(failed)
}

// FlyingCallCount returns the number of unresolved calls.
func (m *Matcher) FlyingCallCount() int64 {
	return m.flying.Load()
}

func (m *Matcher) onTimeout(id uint32) {
	e := m.remove(id)
	if e == nil {
		return
	}
	m.opts.metrics.CallResolved(resultLabel(ErrTimeout))
	m.dispatch(e, ErrTimeout, nil)
}

// remove is the only way an entry leaves its bucket
func (m *Matcher) remove(id uint32) *matcherEntry {
	b := m.bucket(id)
	b.mu.Lock()
	e, ok := b.entries[id]
	if ok {
		delete(b.entries, id)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	m.release(e)
	return e
}

func (m *Matcher) release(e *matcherEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	m.flying.Add(-1)
	m.opts.metrics.FlyingCallsAdd(-1)
}

func (m *Matcher) dispatch(e *matcherEntry, err error, reply *Message) {
	if e.rt == nil || e.rt.Callback == nil {
		return
	}

	if d := m.opts.dispatcher; d != nil && e.rt.Code != core.TaskCodeInvalid {
		// A callback task dropped by scheduler shutdown runs inline instead
		_, serr := d.Submit(e.rt.Code, func(ctx context.Context) error {
			e.rt.Callback(err, e.req, reply)
			return nil
		},
			core.WithHash(e.rt.Hash),
			core.WithCancelHook(func() { m.invoke(e, err, reply) }))
		if serr == nil {
			return
		}
		m.logger.Debug("dispatch reply inline", zap.Uint32("id", e.req.ID), zap.Error(serr))
	}
	m.invoke(e, err, reply)
}

// invoke runs the callback on the calling goroutine.
func (m *Matcher) invoke(e *matcherEntry, err error, reply *Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("reply callback panicked",
				zap.Uint32("id", e.req.ID),
				zap.String("rpc", e.req.RPCName),
				zap.Any("panic", r))
		}
	}()
	e.rt.Callback(err, e.req, reply)
}

func resultLabel(err error) string {
	switch ErrorCodeOf(err) {
	case ErrOK:
		return "ok"
	case ErrTimeout:
		return "timeout"
	case ErrNetworkFailure:
		return "network_failure"
	default:
		return "error"
	}
}

package core

import "sync"

// taskQueue is a condition-variable guarded multi-level queue with one FIFO
// lane per priority. pop serves the highest non-empty lane first.
type taskQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	lanes [priorityCount][]*Task
	size  int

	closed bool

	// fairness and streak implement the optional low-lane fallback
	fairness int
	streak   int

	// onLen reports lane length changes, may be nil
	onLen func(p Priority, delta int)
}

func newTaskQueue(fairness int, onLen func(Priority, int)) *taskQueue {
	q := &taskQueue{fairness: fairness, onLen: onLen}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends t to its priority lane. It returns false once the queue is
// closed.
func (q *taskQueue) push(t *Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.lanes[t.priority] = append(q.lanes[t.priority], t)
	q.size++
	q.mu.Unlock()

	q.cond.Signal()
	if q.onLen != nil {
		q.onLen(t.priority, 1)
	}
	return true
}

// pop blocks until a task is available. It returns false when the queue is
// closed.
func (q *taskQueue) pop() (*Task, bool) {
	q.mu.Lock()
	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}

	lane := q.selectLane()
	t := q.lanes[lane][0]
	q.lanes[lane][0] = nil
	q.lanes[lane] = q.lanes[lane][1:]
	q.size--
	q.mu.Unlock()

	if q.onLen != nil {
		q.onLen(lane, -1)
	}
	return t, true
}

// remove takes t out of its lane. It returns false when t is not queued
// here.
func (q *taskQueue) remove(t *Task) bool {
	q.mu.Lock()
	lane := q.lanes[t.priority]
	for i, qt := range lane {
		if qt != t {
			continue
		}
		copy(lane[i:], lane[i+1:])
		lane[len(lane)-1] = nil
		q.lanes[t.priority] = lane[:len(lane)-1]
		q.size--
		q.mu.Unlock()

		if q.onLen != nil {
			q.onLen(t.priority, -1)
		}
		return true
	}
	q.mu.Unlock()
	return false
}

// selectLane picks the lane to serve. Caller holds q.mu and q.size > 0.
func (q *taskQueue) selectLane() Priority {
	hi, lo := -1, -1
	for p := priorityCount - 1; p >= 0; p-- {
		if len(q.lanes[p]) == 0 {
			continue
		}
		if hi < 0 {
			hi = p
		}
		lo = p
	}

	if q.fairness <= 0 || lo == hi {
		q.streak = 0
		return Priority(hi)
	}

	if q.streak >= q.fairness {
		q.streak = 0
		return Priority(lo)
	}
	q.streak++
	return Priority(hi)
}

// close wakes every waiting worker and returns the tasks still queued.
func (q *taskQueue) close() []*Task {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true

	var rest []*Task
	for p := priorityCount - 1; p >= 0; p-- {
		rest = append(rest, q.lanes[p]...)
		if q.onLen != nil && len(q.lanes[p]) > 0 {
			defer q.onLen(Priority(p), -len(q.lanes[p]))
		}
		q.lanes[p] = nil
	}
	q.size = 0
	q.mu.Unlock()

	q.cond.Broadcast()
	return rest
}

// lengths returns the number of queued tasks per priority.
func (q *taskQueue) lengths() [priorityCount]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n [priorityCount]int
	for p := range q.lanes {
		n[p] = len(q.lanes[p])
	}
	return n
}

package core

import (
	"sync"
	"sync/atomic"
)

type vqKey struct {
	code TaskCode
	hash uint64
}

// VirtualQueues counts outstanding work per (task code, partition hash).
// Counters are bookkeeping only: the owner increments on admission and
// decrements on completion, and nothing here rejects work by itself.
type VirtualQueues struct {
	counters sync.Map // vqKey -> *atomic.Int64
}

// NewVirtualQueues creates an empty counter set.
func NewVirtualQueues() *VirtualQueues {
	return &VirtualQueues{}
}

func (v *VirtualQueues) counter(code TaskCode, hash uint64) *atomic.Int64 {
	key := vqKey{code: code, hash: hash}
	if c, ok := v.counters.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := v.counters.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Load returns the current count.
func (v *VirtualQueues) Load(code TaskCode, hash uint64) int64 {
	if c, ok := v.counters.Load(vqKey{code: code, hash: hash}); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Increment adds one and returns the new count.
func (v *VirtualQueues) Increment(code TaskCode, hash uint64) int64 {
	return v.counter(code, hash).Add(1)
}

// Decrement subtracts one and returns the new count.
func (v *VirtualQueues) Decrement(code TaskCode, hash uint64) int64 {
	return v.counter(code, hash).Add(-1)
}

// Add adds delta and returns the new count.
func (v *VirtualQueues) Add(code TaskCode, hash uint64, delta int64) int64 {
	return v.counter(code, hash).Add(delta)
}

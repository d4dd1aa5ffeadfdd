package core

import (
	"fmt"
	"sync"
)

// Handle is an opaque reference to an object held by a HandleRegistry.
// The high 32 bits are the slot index, the low 32 bits its generation.
type Handle uint64

// HandleInvalid never resolves.
const HandleInvalid Handle = 0

func makeHandle(slot, gen uint32) Handle {
	return Handle(uint64(slot)<<32 | uint64(gen))
}

// Slot returns the slot index of the handle.
func (h Handle) Slot() uint32 {
	return uint32(h >> 32)
}

// Generation returns the generation of the handle.
func (h Handle) Generation() uint32 {
	return uint32(h)
}

// String returns a string representation of the handle.
func (h Handle) String() string {
	return fmt.Sprintf(":%d.%d", h.Slot(), h.Generation())
}

type handleSlot[T comparable] struct {
	obj  T
	gen  uint32
	live bool
}

// HandleRegistry is a fixed-capacity slot table mapping Handles to objects.
//
// A slot's generation strictly increases on every successful Destroy, so a
// copy of an old Handle never resolves again, even after the slot is reused.
// Capacity must be sized for the worst-case number of outstanding handles.
type HandleRegistry[T comparable] struct {
	mu    sync.RWMutex
	slots []handleSlot[T]

	// free is a stack of unused slot indexes
	free []uint32
}

// NewHandleRegistry creates a HandleRegistry with room for capacity objects.
func NewHandleRegistry[T comparable](capacity int) *HandleRegistry[T] {
	if capacity <= 0 {
		capacity = 1
	}

	r := &HandleRegistry[T]{
		slots: make([]handleSlot[T], capacity),
		free:  make([]uint32, capacity),
	}

	// Lowest slots are handed out first
	for i := range r.free {
		r.free[i] = uint32(capacity - 1 - i)
	}
	for i := range r.slots {
		r.slots[i].gen = 1
	}

	return r
}

// Save stores obj in a free slot and returns its handle.
// It returns ErrCapacityExhausted when every slot is taken.
func (r *HandleRegistry[T]) Save(obj T) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.free)
	if n == 0 {
		return HandleInvalid, fmt.Errorf("%w: %d slots in use", ErrCapacityExhausted, len(r.slots))
	}

	idx := r.free[n-1]
	r.free = r.free[:n-1]

	s := &r.slots[idx]
	s.obj = obj
	s.live = true

	return makeHandle(idx, s.gen), nil
}

// MustSave is like Save but panics when the registry is full.
func (r *HandleRegistry[T]) MustSave(obj T) Handle {
	h, err := r.Save(obj)
	if err != nil {
		panic(err)
	}
	return h
}

// Destroy releases the slot of h if it still holds obj under h's generation.
// On success the generation is advanced and the slot returned to the free list.
func (r *HandleRegistry[T]) Destroy(h Handle, obj T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := h.Slot()
	if int(idx) >= len(r.slots) {
		return false
	}

	s := &r.slots[idx]
	if !s.live || s.gen != h.Generation() || s.obj != obj {
		return false
	}

	var zero T
	s.obj = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		// Generation 0 would let HandleInvalid resolve
		s.gen = 1
	}
	r.free = append(r.free, idx)

	return true
}

// Get returns the object behind h, or false if h is stale or unknown.
func (r *HandleRegistry[T]) Get(h Handle) (T, bool) {
	var zero T

	idx := h.Slot()
	r.mu.RLock()
	defer r.mu.RUnlock()

	if int(idx) >= len(r.slots) {
		return zero, false
	}
	s := &r.slots[idx]
	if !s.live || s.gen != h.Generation() {
		return zero, false
	}
	return s.obj, true
}

// Len returns the number of live handles.
func (r *HandleRegistry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots) - len(r.free)
}

// Cap returns the fixed capacity of the registry.
func (r *HandleRegistry[T]) Cap() int {
	return len(r.slots)
}

// Range calls fn for every live handle until fn returns false.
// fn must not call back into the registry.
func (r *HandleRegistry[T]) Range(fn func(Handle, T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.slots {
		s := &r.slots[i]
		if !s.live {
			continue
		}
		if !fn(makeHandle(uint32(i), s.gen), s.obj) {
			return
		}
	}
}

// Package slotpool implements a fixed-capacity, lock-free object pool
// for Connection and Request records: a contiguous array of T paired
// with an array of atomic occupancy flags, so acquiring and releasing
// a slot never touches the heap and never takes a lock.
package slotpool

import (
	"go.uber.org/atomic"
)

// Pool is a fixed-capacity slot pool of T. The zero value is not
// usable; construct with New.
type Pool[T any] struct {
	slots     []T
	available []atomic.Bool
	nextIndex atomic.Uint64
	capacity  int
}

// New returns a Pool with room for capacity slots, all initially
// free.
func New[T any](capacity int) *Pool[T] {
	p := &Pool[T]{
		slots:     make([]T, capacity),
		available: make([]atomic.Bool, capacity),
		capacity:  capacity,
	}
	for i := range p.available {
		p.available[i].Store(true)
	}
	return p
}

// Capacity returns the pool's fixed size.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Acquire scans up to Capacity slots starting from a rotating hint,
// claiming the first one it can CAS from available to unavailable.
// On success it resets the slot to its zero value, runs init (if
// non-nil) against it, and returns the slot's index together with a
// pointer into the pool's backing array. If every slot is currently
// held, it returns (-1, nil).
//
// The returned pointer is valid for the caller's exclusive use until
// Release(index) is called; no other acquirer can observe index
// until then.
func (p *Pool[T]) Acquire(init func(*T)) (int, *T) {
	for i := 0; i < p.capacity; i++ {
		index := int(p.nextIndex.Add(1)-1) % p.capacity

		if p.available[index].CompareAndSwap(true, false) {
			slot := &p.slots[index]
			var zero T
			*slot = zero
			if init != nil {
				init(slot)
			}
			return index, slot
		}
	}
	return -1, nil
}

// Release returns a previously acquired slot to the free pool. The
// caller must have already cleaned up the slot's contents (e.g.
// closed any held file descriptor) — Release only flips the
// occupancy flag.
func (p *Pool[T]) Release(index int) {
	if index < 0 || index >= p.capacity {
		return
	}
	p.available[index].Store(true)
}

// Get returns a pointer to the slot at index iff it is currently
// in-use, else nil. A racing Release can invalidate the returned
// pointer's contents immediately after this call returns; callers
// must tolerate that per the pool's find-by-predicate contract.
func (p *Pool[T]) Get(index int) *T {
	if index < 0 || index >= p.capacity || p.available[index].Load() {
		return nil
	}
	return &p.slots[index]
}

// WithSlot applies fn to the slot at index iff it is currently
// in-use.
func (p *Pool[T]) WithSlot(index int, fn func(*T)) {
	if index < 0 || index >= p.capacity || p.available[index].Load() {
		return
	}
	fn(&p.slots[index])
}

// FindByPredicate linearly scans in-use slots and returns the first
// one for which pred returns true, or nil. A slot that is released
// concurrently with this scan may still be returned (or may be
// skipped); callers must re-validate the slot's own active state
// before acting on the returned pointer.
func (p *Pool[T]) FindByPredicate(pred func(*T) bool) *T {
	for i := 0; i < p.capacity; i++ {
		if p.available[i].Load() {
			continue
		}
		slot := &p.slots[i]
		if pred(slot) {
			return slot
		}
	}
	return nil
}

// ActiveIndices returns a best-effort snapshot of the indices
// currently in use. The set may be stale by the time the caller
// inspects it.
func (p *Pool[T]) ActiveIndices() []int {
	active := make([]int, 0, p.capacity)
	for i := 0; i < p.capacity; i++ {
		if !p.available[i].Load() {
			active = append(active, i)
		}
	}
	return active
}

// ActiveCount returns a best-effort count of slots currently in use.
func (p *Pool[T]) ActiveCount() int {
	n := 0
	for i := 0; i < p.capacity; i++ {
		if !p.available[i].Load() {
			n++
		}
	}
	return n
}

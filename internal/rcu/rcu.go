// Package rcu implements a two-epoch read-copy-update primitive for
// publishing immutable snapshots of a shared value without blocking
// readers on the hot path.
package rcu

import (
	"runtime"

	"go.uber.org/atomic"
)

// Epoch selects one of two reader counters via its low bit.
type Epoch = uint64

// RCU coordinates readers and a writer around a published snapshot.
// Readers register on ReadLock and must pair every call with
// ReadUnlock on the same epoch. A writer calls Synchronize after
// swapping the published pointer to wait for all readers that might
// still hold the old snapshot to drain.
//
// RCU is not itself a publication point for the snapshot — callers
// store the pointer separately (an atomic.Value or a plain
// atomic.Pointer) and use RCU purely to know when it is safe to
// reclaim the previous value.
type RCU struct {
	globalEpoch    atomic.Uint64
	readerCounters [2]atomic.Int32
}

// New returns an RCU at epoch 0 with both reader counters at zero.
func New() *RCU {
	return &RCU{}
}

// ReadLock registers the caller as a reader and returns the epoch it
// observed. The returned epoch must be passed to ReadUnlock exactly
// once.
func (r *RCU) ReadLock() Epoch {
	for {
		epoch := r.globalEpoch.Load()
		idx := epoch & 1
		r.readerCounters[idx].Inc()

		if r.globalEpoch.Load() == epoch {
			return epoch
		}

		// The epoch moved between our load and registering on its
		// counter; we may have registered on the wrong parity. Back
		// out and retry.
		r.readerCounters[idx].Dec()
	}
}

// ReadUnlock releases the registration made by the matching ReadLock.
func (r *RCU) ReadUnlock(epoch Epoch) {
	r.readerCounters[epoch&1].Dec()
}

// Synchronize publishes a new epoch and blocks until every reader
// that observed the previous epoch in ReadLock has called ReadUnlock.
// It is the caller's responsibility to have already published the
// new snapshot value (e.g. via an atomic.Pointer swap) before calling
// Synchronize, and to serialize concurrent writers externally — RCU
// does not serialize synchronize() calls against each other.
func (r *RCU) Synchronize() {
	oldEpoch := r.globalEpoch.Load()
	r.globalEpoch.Store(oldEpoch + 1)

	idx := oldEpoch & 1
	for r.readerCounters[idx].Load() != 0 {
		runtime.Gosched()
	}
}

// CurrentEpoch returns the current global epoch, for diagnostics.
func (r *RCU) CurrentEpoch() Epoch {
	return r.globalEpoch.Load()
}

// ReadHandle wraps a pointer published under RCU together with the
// epoch its ReadLock observed, releasing the registration when
// Release is called. It is the Go analogue of the original's
// move-only RCUReadHandle<T>; Go has no destructors, so callers must
// call Release explicitly (typically via defer).
type ReadHandle[T any] struct {
	value   *T
	rcu     *RCU
	epoch   Epoch
	release bool
}

// Lock takes a read lock on rcu and wraps value, which the caller has
// already loaded from the publication point (e.g. an atomic.Pointer).
// That load happens before Lock takes the read lock, so a Synchronize
// that completes between the load and the lock does not wait for this
// reader.
func Lock[T any](rcu *RCU, value *T) ReadHandle[T] {
	return ReadHandle[T]{value: value, rcu: rcu, epoch: rcu.ReadLock(), release: true}
}

// Get returns the snapshotted pointer. It stays valid until Release.
func (h *ReadHandle[T]) Get() *T {
	return h.value
}

// Release unregisters the handle's epoch. Safe to call more than
// once; only the first call has effect, matching the original's
// move-then-drop semantics where a moved-from handle is a no-op on
// destruction.
func (h *ReadHandle[T]) Release() {
	if !h.release {
		return
	}
	h.release = false
	h.rcu.ReadUnlock(h.epoch)
}

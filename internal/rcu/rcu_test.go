package rcu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRCU_ReadLockUnlockRoundtrip(t *testing.T) {
	r := New()
	epoch := r.ReadLock()
	require.Equal(t, Epoch(0), epoch)
	r.ReadUnlock(epoch)
	require.Zero(t, r.readerCounters[0].Load())
}

func TestRCU_SynchronizeAdvancesEpoch(t *testing.T) {
	r := New()
	require.Equal(t, Epoch(0), r.CurrentEpoch())
	r.Synchronize()
	require.Equal(t, Epoch(1), r.CurrentEpoch())
}

// TestRCU_SnapshotStability exercises the property that a reader
// holding an epoch must see a consistent snapshot for the whole
// critical section, and a writer's Synchronize must not
// return until every such reader has released.
func TestRCU_SnapshotStability(t *testing.T) {
	type payload struct {
		a, b int64
	}

	r := New()
	var current atomic.Pointer[payload]
	current.Store(&payload{a: 0, b: 0})

	var inconsistencies int64
	var stop int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for atomic.LoadInt64(&stop) == 0 {
			p := current.Load()
			h := Lock(r, p)
			snap := *h.Get()
			for i := 0; i < 50; i++ {
				if h.Get().a != snap.a || h.Get().b != snap.b {
					atomic.AddInt64(&inconsistencies, 1)
					break
				}
			}
			h.Release()
		}
	}()

	for i := int64(1); i <= 200; i++ {
		next := &payload{a: i, b: i * 2}
		current.Store(next)
		r.Synchronize()
	}
	atomic.StoreInt64(&stop, 1)
	wg.Wait()

	require.Zero(t, atomic.LoadInt64(&inconsistencies))
}

func TestRCU_SynchronizeWaitsForInFlightReader(t *testing.T) {
	r := New()
	epoch := r.ReadLock()

	done := make(chan struct{})
	go func() {
		r.Synchronize()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("synchronize returned before the in-flight reader released")
	case <-time.After(20 * time.Millisecond):
	}

	r.ReadUnlock(epoch)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("synchronize did not return after the reader released")
	}
}

package slotpool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	id int
}

func TestPool_AcquireReleaseBasic(t *testing.T) {
	p := New[widget](4)
	require.Equal(t, 4, p.Capacity())

	idx, w := p.Acquire(func(w *widget) { w.id = 7 })
	require.NotEqual(t, -1, idx)
	require.Equal(t, 7, w.id)
	require.Equal(t, 1, p.ActiveCount())

	p.Release(idx)
	require.Equal(t, 0, p.ActiveCount())
}

func TestPool_ExhaustionReturnsNil(t *testing.T) {
	p := New[widget](2)
	_, w1 := p.Acquire(nil)
	_, w2 := p.Acquire(nil)
	require.NotNil(t, w1)
	require.NotNil(t, w2)

	idx, w3 := p.Acquire(nil)
	require.Equal(t, -1, idx)
	require.Nil(t, w3)
}

func TestPool_GetOnlySeesOccupiedSlots(t *testing.T) {
	p := New[widget](2)
	idx, _ := p.Acquire(func(w *widget) { w.id = 1 })
	require.NotNil(t, p.Get(idx))

	p.Release(idx)
	require.Nil(t, p.Get(idx))
}

func TestPool_FindByPredicate(t *testing.T) {
	p := New[widget](8)
	var target int
	for i := 0; i < 5; i++ {
		idx, w := p.Acquire(func(w *widget) { w.id = i })
		if i == 3 {
			target = idx
		}
		_ = w
	}

	found := p.FindByPredicate(func(w *widget) bool { return w.id == 3 })
	require.NotNil(t, found)
	require.Equal(t, 3, found.id)
	require.NotNil(t, p.Get(target))
}

// TestPool_ConcurrentAcquireNeverExceedsCapacity checks that for any
// interleaving of concurrent acquire/release on a pool of capacity N,
// the number of simultaneously held slots
// never exceeds N.
func TestPool_ConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	const capacity = 16
	const workers = 64
	const roundsPerWorker = 500

	p := New[widget](capacity)
	var inFlight int64
	var maxObserved int64
	var violated int32

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for r := 0; r < roundsPerWorker; r++ {
				idx, slot := p.Acquire(nil)
				if slot == nil {
					continue
				}
				n := atomic.AddInt64(&inFlight, 1)
				for {
					cur := atomic.LoadInt64(&maxObserved)
					if n <= cur || atomic.CompareAndSwapInt64(&maxObserved, cur, n) {
						break
					}
				}
				if n > capacity {
					atomic.StoreInt32(&violated, 1)
				}
				atomic.AddInt64(&inFlight, -1)
				p.Release(idx)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, violated)
	require.LessOrEqual(t, maxObserved, int64(capacity))
}

func TestPool_AcquireResetsSlotOnReuse(t *testing.T) {
	p := New[widget](1)
	idx, w := p.Acquire(func(w *widget) { w.id = 42 })
	require.Equal(t, 42, w.id)
	p.Release(idx)

	_, w2 := p.Acquire(nil)
	require.Equal(t, 0, w2.id)
}

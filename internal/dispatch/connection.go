package dispatch

import (
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// initialReadBufferSize is the starting capacity of a connection's
// read buffer.
const initialReadBufferSize = 8 * 1024

// invalidFD is the sentinel used for a connection slot's socket
// handle when the slot is not in use.
const invalidFD = -1

// connection is one active client's per-connection state. It lives
// inside the connection slot pool's backing array; acquiring a slot
// never allocates a new connection struct.
//
// close can be reached concurrently from the I/O goroutine (read
// error, oversize frame), from a worker (write error), and from the
// reaper (idle timeout), all racing against the same slot. active is
// an atomic.Bool specifically so close can CAS it exactly once: the
// loser of the race must not touch the fd or release the slot a
// second time.
type connection struct {
	fd           int
	active       atomic.Bool
	readBuffer   []byte
	readOffset   int
	pendingCount atomic.Int64
	lastActivity time.Time
}

// initialize resets the slot for a freshly accepted socket. It is run
// inside the slot pool's Acquire callback, so it executes exactly
// once per acquisition before any other code can observe the slot.
func (c *connection) initialize(fd int) {
	c.fd = fd
	c.active.Store(true)
	c.readBuffer = make([]byte, initialReadBufferSize)
	c.readOffset = 0
	c.pendingCount.Store(0)
	c.lastActivity = time.Now()
}

// close releases the connection's socket and marks it inactive. It is
// idempotent: only the caller that wins the active CAS actually closes
// the fd, so two racing closers never double-close or double-release.
// It reports whether this call was the one that performed the close —
// callers should only release the slot back to the pool when close
// returns true.
func (c *connection) close() bool {
	if !c.active.CompareAndSwap(true, false) {
		return false
	}
	if c.fd != invalidFD {
		_ = unix.Close(c.fd)
		c.fd = invalidFD
	}
	return true
}

func (c *connection) updateActivity() {
	c.lastActivity = time.Now()
}

func (c *connection) idleFor() time.Duration {
	return time.Since(c.lastActivity)
}

// ensureCapacity doubles the read buffer once it is near full. A
// connection buffer never needs to exceed one max frame plus a
// header's worth of headroom to make progress.
func (c *connection) ensureCapacity() {
	const headroom = 256
	if c.readOffset < len(c.readBuffer)-headroom {
		return
	}
	newCap := len(c.readBuffer) * 2
	grown := make([]byte, newCap)
	copy(grown, c.readBuffer[:c.readOffset])
	c.readBuffer = grown
}

// discardFront removes the first n bytes of buffered data, shifting
// the remainder to the start of the buffer.
func (c *connection) discardFront(n int) {
	if n <= 0 {
		return
	}
	if n >= c.readOffset {
		c.readOffset = 0
		return
	}
	copy(c.readBuffer, c.readBuffer[n:c.readOffset])
	c.readOffset -= n
}

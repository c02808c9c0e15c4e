//go:build linux
// +build linux

// Package sigfd converts asynchronous signal delivery into a
// readable file descriptor the I/O thread's poll set can include
// alongside the listener and client sockets. It is the Go analogue of
// casket::SignalHandler, which wraps Linux signalfd(2) the same way.
package sigfd

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Callback is invoked with the delivered signal number from
// ProcessPending, running on whatever goroutine calls ProcessPending
// (the I/O thread, by convention).
type Callback func(signum int)

// Dispatcher exposes a pollable descriptor for a set of registered
// signals and dispatches callbacks for whichever of them arrive.
type Dispatcher struct {
	mu        sync.Mutex
	callbacks map[int]Callback
	fd        int
}

// New returns a Dispatcher with no signals registered and no open
// descriptor; Fd returns -1 until the first RegisterSignal call.
func New() *Dispatcher {
	return &Dispatcher{
		callbacks: make(map[int]Callback),
		fd:        -1,
	}
}

// RegisterSignal blocks signum via the process signal mask (so it is
// only ever observed through the signalfd, never as an asynchronous
// handler) and associates cb with it.
func (d *Dispatcher) RegisterSignal(signum syscall.Signal, cb Callback) error {
	return d.RegisterSignals([]syscall.Signal{signum}, cb)
}

// RegisterSignals registers the same callback for multiple signals in
// one pass, matching the original's registerSignals batch form.
func (d *Dispatcher) RegisterSignals(signals []syscall.Signal, cb Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var mask unix.Sigset_t
	for _, s := range signals {
		d.callbacks[int(s)] = cb
		sigsetAdd(&mask, s)
	}

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, nil); err != nil {
		return fmt.Errorf("sigfd: block signals: %w", err)
	}

	return d.refreshDescriptor()
}

// refreshDescriptor rebuilds the signalfd (d.fd) for the full set of currently
// registered signals, closing the previous descriptor first — mirrors
// updateSignalDescriptor in the original.
func (d *Dispatcher) refreshDescriptor() error {
	var mask unix.Sigset_t
	for signum := range d.callbacks {
		sigsetAdd(&mask, syscall.Signal(signum))
	}

	d.closeLocked()

	if len(d.callbacks) == 0 {
		return nil
	}

	newFd, err := unix.Signalfd(-1, &mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("sigfd: signalfd: %w", err)
	}
	d.fd = newFd
	return nil
}

// Fd returns the readable descriptor to add to the poll set, or -1 if
// no signals are registered.
func (d *Dispatcher) Fd() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fd
}

// ProcessPending drains every pending signalfd_siginfo record and
// invokes the associated callback for each. A callback panic is
// recovered and discarded so the signal loop keeps running; the panic
// is neither logged nor reported to the caller.
func (d *Dispatcher) ProcessPending() error {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()

	if fd == -1 {
		return nil
	}

	const sizeofSignalfdSiginfo = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

	buf := make([]byte, sizeofSignalfdSiginfo)

	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return fmt.Errorf("sigfd: read: %w", err)
		}
		if n != sizeofSignalfdSiginfo {
			return fmt.Errorf("sigfd: short read: %d bytes", n)
		}

		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
		d.dispatch(int(info.Signo))
	}
}

func (d *Dispatcher) dispatch(signum int) {
	d.mu.Lock()
	cb := d.callbacks[signum]
	d.mu.Unlock()

	if cb == nil {
		return
	}

	defer func() {
		_ = recover()
	}()
	cb(signum)
}

// Stop closes the descriptor and unblocks every previously blocked
// signal, restoring default delivery.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeLocked()

	var full unix.Sigset_t
	for i := range full.Val {
		full.Val[i] = ^uint64(0)
	}
	_ = unix.PthreadSigmask(unix.SIG_UNBLOCK, &full, nil)

	d.callbacks = make(map[int]Callback)
}

func (d *Dispatcher) closeLocked() {
	if d.fd != -1 {
		_ = unix.Close(d.fd)
		d.fd = -1
	}
}

func sigsetAdd(set *unix.Sigset_t, sig syscall.Signal) {
	set.Val[(sig-1)/64] |= 1 << (uint(sig-1) % 64)
}

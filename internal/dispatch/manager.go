//go:build linux
// +build linux

// Package dispatch implements the ServiceManager core: a single I/O
// thread owning an AF_UNIX listener and its poll set, a worker pool
// executing registered command handlers, and a timeout reaper — all
// coordinated through the lock-free slot pools in internal/slotpool
// and the framed wire protocol in internal/wire.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/casketlabs/casketd/internal/sigfd"
	"github.com/casketlabs/casketd/internal/slotpool"
	"github.com/casketlabs/casketd/internal/wire"
)

// acceptBacklogFraction is the active-connections/MaxConnections
// ratio above which the I/O thread stops accepting for this cycle.
const acceptBacklogFraction = 0.95

// listenBacklog is the backlog passed to listen(2) on the server socket.
const listenBacklog = 1024

// Manager is the ServiceManager: it owns the listening socket, the
// connection and request slot pools, the handler registry, and the
// worker pool and reaper goroutines.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	running atomic.Bool

	serverFD int

	connections *slotpool.Pool[connection]
	requests    *slotpool.Pool[request]
	queue       *requestQueue
	handlers    *handlerRegistry
	signals     *sigfd.Dispatcher
	handlerSem  *semaphore.Weighted

	stats Statistics

	workersWG sync.WaitGroup
	reaperWG  sync.WaitGroup
	stopCh    chan struct{}

	// connIndexByFD lets the poll loop and workers find a
	// connection's slot index by fd without a full pool scan on
	// every lookup; it is protected by mu because it is mutated from
	// both the I/O thread (accept/close) and workers (close-on-error).
	mu            sync.Mutex
	connIndexByFD map[int]int
}

// New constructs a Manager. It does not bind or listen — call Start
// for that.
func New(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:           cfg,
		logger:        logger,
		serverFD:      invalidFD,
		connections:   slotpool.New[connection](cfg.MaxConnections),
		requests:      slotpool.New[request](cfg.MaxRequests),
		queue:         newRequestQueue(),
		handlers:      newHandlerRegistry(),
		signals:       sigfd.New(),
		handlerSem:    semaphore.NewWeighted(int64(cfg.handlerConcurrency())),
		connIndexByFD: make(map[int]int),
	}
}

// RegisterHandler associates name with h. Safe to call concurrently
// with Run.
func (m *Manager) RegisterHandler(name string, h Handler) {
	m.handlers.register(name, h)
}

// IsRunning reports whether the server is currently accepting and
// processing requests.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Statistics returns a point-in-time snapshot of the server's
// counters.
func (m *Manager) Statistics() Snapshot {
	return m.stats.snapshot(m.cfg.MaxConnections, m.cfg.MaxRequests)
}

// PrintStatistics logs the current statistics snapshot at info level.
func (m *Manager) PrintStatistics() {
	m.logger.Info(m.Statistics().String())
}

// Start binds and listens on the configured socket path, wires the
// default signal handlers, and launches the worker pool and reaper.
// Callers still need to call Run to drive the poll loop. Start
// returns (false, err) on any setup failure, with all partially
// acquired resources cleaned up first.
func (m *Manager) Start() (bool, error) {
	if !m.running.CompareAndSwap(false, true) {
		return false, nil
	}

	if err := m.setupDefaultSignals(); err != nil {
		m.signals.Stop()
		m.running.Store(false)
		return false, fmt.Errorf("dispatch: setup signals: %w", err)
	}

	_ = unix.Unlink(m.cfg.SocketPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		m.signals.Stop()
		m.running.Store(false)
		return false, fmt.Errorf("dispatch: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		m.signals.Stop()
		m.running.Store(false)
		return false, fmt.Errorf("dispatch: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: m.cfg.SocketPath}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		m.signals.Stop()
		m.running.Store(false)
		return false, fmt.Errorf("dispatch: bind %s: %w", m.cfg.SocketPath, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		m.signals.Stop()
		m.running.Store(false)
		return false, fmt.Errorf("dispatch: listen: %w", err)
	}

	m.serverFD = fd
	m.stopCh = make(chan struct{})

	numWorkers := m.cfg.numWorkers()
	m.workersWG.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go m.workerLoop()
	}

	m.reaperWG.Add(1)
	go m.reaperLoop()

	m.logger.Info("service manager started",
		zap.String("socket", m.cfg.SocketPath),
		zap.Int("max_connections", m.cfg.MaxConnections),
		zap.Int("max_requests", m.cfg.MaxRequests),
		zap.Int("workers", numWorkers),
	)
	return true, nil
}

func (m *Manager) setupDefaultSignals() error {
	if err := m.signals.RegisterSignals([]syscall.Signal{syscall.SIGINT, syscall.SIGTERM}, func(signum int) {
		m.logger.Info("received shutdown signal", zap.Int("signal", signum))
		m.Stop()
	}); err != nil {
		return err
	}

	if err := m.signals.RegisterSignal(syscall.SIGHUP, func(signum int) {
		m.logger.Info("received SIGHUP, reload hook is a no-op")
	}); err != nil {
		return err
	}

	return m.signals.RegisterSignal(syscall.SIGUSR1, func(signum int) {
		m.PrintStatistics()
	})
}

// Run drives the poll loop until Stop is called. It blocks the
// calling goroutine — callers that want a non-blocking server
// typically call `go manager.Run()`.
func (m *Manager) Run() {
	for m.running.Load() {
		fds := m.buildPollSet()

		n, err := unix.Poll(fds, int(m.cfg.PollTimeout.Milliseconds()))
		if n == 0 || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			m.logger.Error("poll failed", zap.Error(err))
			m.Stop()
			return
		}

		m.processEvents(fds)
	}
}

func (m *Manager) buildPollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, m.connections.ActiveCount()+2)

	if m.serverFD != invalidFD {
		fds = append(fds, unix.PollFd{Fd: int32(m.serverFD), Events: unix.POLLIN})
	}

	if sfd := m.signals.Fd(); sfd != invalidFD {
		fds = append(fds, unix.PollFd{Fd: int32(sfd), Events: unix.POLLIN})
	}

	for _, idx := range m.connections.ActiveIndices() {
		conn := m.connections.Get(idx)
		if conn == nil || conn.fd == invalidFD {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(conn.fd), Events: unix.POLLIN})
	}

	return fds
}

func (m *Manager) processEvents(fds []unix.PollFd) {
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}

		switch int(pfd.Fd) {
		case m.serverFD:
			if pfd.Revents&unix.POLLIN != 0 {
				m.acceptConnection()
			}
			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				m.logger.Error("listener socket error, stopping")
				m.Stop()
			}
		case m.signals.Fd():
			if pfd.Revents&unix.POLLIN != 0 {
				if err := m.signals.ProcessPending(); err != nil {
					m.logger.Error("signal processing failed", zap.Error(err))
				}
			}
		default:
			if pfd.Revents&unix.POLLIN != 0 {
				m.handleClientReadable(int(pfd.Fd))
			}
			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				m.closeConnectionByFD(int(pfd.Fd))
			}
		}
	}
}

func (m *Manager) acceptConnection() {
	if m.stats.ActiveConnections.Load() >= int64(float64(m.cfg.MaxConnections)*acceptBacklogFraction) {
		return
	}

	clientFD, _, err := unix.Accept4(m.serverFD, unix.SOCK_NONBLOCK)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			m.logger.Error("accept4 failed", zap.Error(err))
		}
		return
	}

	index, conn := m.connections.Acquire(func(c *connection) { c.initialize(clientFD) })
	if conn == nil {
		_ = unix.Close(clientFD)
		m.logger.Warn("no free connection slots available")
		return
	}

	m.mu.Lock()
	m.connIndexByFD[clientFD] = index
	m.mu.Unlock()

	m.stats.ActiveConnections.Inc()
	m.logger.Debug("accepted connection", zap.Int("fd", clientFD))
}

func (m *Manager) handleClientReadable(fd int) {
	index, ok := m.lookupConnIndex(fd)
	if !ok {
		return
	}

	conn := m.connections.Get(index)
	if conn == nil {
		return
	}

	for {
		n, err := unix.Read(fd, conn.readBuffer[conn.readOffset:])
		if n > 0 {
			conn.readOffset += n
			conn.updateActivity()

			closed, blocked := m.drainFrames(conn, index)
			if closed {
				// Oversize frame: connection already closed.
				return
			}
			if blocked {
				// A frame is stuck behind an exhausted request pool;
				// stop reading this fd and let it be retried on a
				// later poll cycle instead of growing the buffer
				// further while backpressure has nowhere to drain.
				return
			}
			conn.ensureCapacity()
			continue
		}

		if n == 0 {
			m.closeConnectionAt(index)
			return
		}

		if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			m.logger.Error("read error", zap.Int("fd", fd), zap.Error(err))
			m.closeConnectionAt(index)
			return
		}

		return
	}
}

// drainFrames extracts as many complete frames as are buffered,
// enqueuing each as a request. closed reports whether the connection
// was closed due to an oversize frame. blocked reports whether
// extraction stopped early because a frame could not be accepted
// (the request pool is exhausted): that frame is left in the buffer
// rather than consumed, so the caller must stop reading this fd
// rather than asking for more data it has nowhere to put.
func (m *Manager) drainFrames(conn *connection, connIndex int) (closed, blocked bool) {
	rejected := false
	consumed, err := wire.Extract(conn.readBuffer[:conn.readOffset], func(payload []byte) bool {
		if !m.enqueueRequest(conn, payload) {
			rejected = true
			return false
		}
		return true
	})

	if err != nil {
		m.logger.Warn("oversize frame, closing connection", zap.Int("fd", conn.fd))
		m.closeConnectionAt(connIndex)
		return true, false
	}

	conn.discardFront(consumed)
	return false, rejected
}

// enqueueRequest acquires a request slot and pushes it onto the
// queue, reporting whether the frame was accepted. If the request
// pool is exhausted it returns false without consuming payload: the
// frame then stays in the connection buffer and is retried on the
// next poll cycle's read, since drainFrames stops advancing at the
// first rejected frame.
func (m *Manager) enqueueRequest(conn *connection, payload []byte) bool {
	reqIndex, req := m.requests.Acquire(func(r *request) {
		r.initialize(conn.fd, payload)
	})
	if req == nil {
		m.logger.Warn("request pool exhausted, deferring frame", zap.Int("fd", conn.fd))
		return false
	}

	m.queue.push(reqIndex)
	conn.pendingCount.Inc()
	m.stats.PendingRequests.Inc()
	return true
}

func (m *Manager) closeConnectionByFD(fd int) {
	index, ok := m.lookupConnIndex(fd)
	if !ok {
		return
	}
	m.closeConnectionAt(index)
}

// closeConnectionAt is safe to call concurrently for the same index
// from the I/O goroutine, any worker, and the reaper: conn.close()
// only lets the first caller through, so only one of them ever
// touches connIndexByFD or releases the slot. The map entry is
// cleaned up, under mu and guarded by an index comparison, before the
// slot is released — a fresh connection that has already reused the
// same (just-closed) fd number and published its own mapping must
// never have that mapping deleted out from under it.
func (m *Manager) closeConnectionAt(index int) {
	conn := m.connections.Get(index)
	if conn == nil {
		return
	}

	fd := conn.fd
	if !conn.close() {
		return
	}

	m.mu.Lock()
	if m.connIndexByFD[fd] == index {
		delete(m.connIndexByFD, fd)
	}
	m.mu.Unlock()

	m.connections.Release(index)
	m.stats.ActiveConnections.Dec()
}

func (m *Manager) lookupConnIndex(fd int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.connIndexByFD[fd]
	return idx, ok
}

// findConnectionByFD re-validates a connection's identity by fd, per
// the slot pool's find-by-predicate contract: the returned pointer
// may be stale the instant a racing close happens, so callers must
// re-check the connection's own active/fd fields
// before trusting it.
func (m *Manager) findConnectionByFD(fd int) (int, *connection) {
	index, ok := m.lookupConnIndex(fd)
	if !ok {
		return -1, nil
	}
	conn := m.connections.Get(index)
	if conn == nil || conn.fd != fd {
		return -1, nil
	}
	return index, conn
}

// Stop triggers graceful shutdown: it stops accepting, wakes and
// joins every worker and the reaper, closes every socket, and unlinks
// the socket path. Safe to call more than once; only the first call
// has effect.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}

	close(m.stopCh)
	m.queue.wake()

	m.workersWG.Wait()
	m.reaperWG.Wait()

	var errs error
	if m.serverFD != invalidFD {
		if err := unix.Close(m.serverFD); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close listener: %w", err))
		}
		m.serverFD = invalidFD
	}

	m.closeAllConnections()
	m.drainQueue()

	m.signals.Stop()

	if err := unix.Unlink(m.cfg.SocketPath); err != nil && !errors.Is(err, unix.ENOENT) {
		errs = multierr.Append(errs, fmt.Errorf("unlink socket: %w", err))
	}

	if errs != nil {
		m.logger.Warn("errors during shutdown", zap.Error(errs))
	}
	m.logger.Info("service manager stopped")
}

func (m *Manager) closeAllConnections() {
	for _, idx := range m.connections.ActiveIndices() {
		m.connections.WithSlot(idx, func(c *connection) { c.close() })
		m.connections.Release(idx)
	}
	m.mu.Lock()
	m.connIndexByFD = make(map[int]int)
	m.mu.Unlock()
	m.stats.ActiveConnections.Store(0)
}

func (m *Manager) drainQueue() {
	for _, idx := range m.queue.drain() {
		m.requests.Release(idx)
	}
	m.stats.PendingRequests.Store(0)
}

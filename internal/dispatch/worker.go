//go:build linux
// +build linux

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/casketlabs/casketd/internal/wire"
)

// timeoutSweepEvery is how often, in worker loop iterations, a worker
// opportunistically sweeps the request queue for timed-out entries
// instead of relying solely on the reaper.
const timeoutSweepEvery = 1000

func (m *Manager) workerLoop() {
	defer m.workersWG.Done()

	iterations := 0
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		reqIndex, ok := m.queue.pop(m.cfg.PollTimeout)
		if !ok {
			continue
		}

		req := m.requests.Get(reqIndex)
		if req != nil {
			if err := m.handlerSem.Acquire(context.Background(), 1); err == nil {
				m.processRequest(req)
				m.handlerSem.Release(1)
			}

			if req.clientFD != invalidFD {
				if err := m.sendResponse(req.clientFD, req.response); err != nil {
					m.logger.Error("failed to send response", zap.Int("fd", req.clientFD), zap.Error(err))
				}

				if _, conn := m.findConnectionByFD(req.clientFD); conn != nil {
					conn.pendingCount.Dec()
					m.stats.PendingRequests.Dec()
				}
			}

			m.requests.Release(reqIndex)
			m.stats.TotalRequestsProcessed.Inc()
		}

		iterations++
		if iterations%timeoutSweepEvery == 0 {
			m.sweepRequestTimeouts()
		}
	}
}

// processRequest resolves and invokes the handler for req, writing an
// "ERROR: ..." response for every disposition short of a successful
// handler call.
func (m *Manager) processRequest(req *request) {
	decoded, err := wire.DecodeRequest(req.payload)
	if err != nil {
		req.response = []byte(err.Error())
		return
	}

	handler, ok := m.handlers.lookup(decoded.Command)
	if !ok {
		req.response = []byte(fmt.Sprintf("ERROR: Unknown command: %s", decoded.Command))
		return
	}

	req.response = m.invokeHandler(handler, decoded.Args)
}

// invokeHandler runs h and converts a panic into an
// "ERROR: <message>" response instead of taking down the worker.
func (m *Manager) invokeHandler(h Handler, args []byte) (response []byte) {
	defer func() {
		if r := recover(); r != nil {
			response = []byte(fmt.Sprintf("ERROR: %v", r))
		}
	}()

	h(args, &response)
	return response
}

// sendResponse frames resp and writes it to clientFD with a blocking
// retry loop on EAGAIN/EWOULDBLOCK.
func (m *Manager) sendResponse(clientFD int, resp []byte) error {
	_, conn := m.findConnectionByFD(clientFD)
	if conn == nil || !conn.active.Load() {
		return nil
	}

	data := wire.EncodeFrame(resp)

	for len(data) > 0 {
		n, err := unix.Write(clientFD, data)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				runtime.Gosched()
				continue
			}
			m.closeConnectionByFD(clientFD)
			return err
		}
		data = data[n:]
	}

	conn.updateActivity()
	return nil
}

func (m *Manager) sweepRequestTimeouts() {
	expired := m.queue.removeExpired(func(idx int) bool {
		req := m.requests.Get(idx)
		return req == nil || req.age() > m.cfg.RequestTimeout
	})

	for _, idx := range expired {
		req := m.requests.Get(idx)
		if req != nil {
			if _, conn := m.findConnectionByFD(req.clientFD); conn != nil {
				conn.pendingCount.Dec()
				m.stats.PendingRequests.Dec()
			}
		}
		m.requests.Release(idx)
		m.stats.RequestTimeouts.Inc()
	}
}

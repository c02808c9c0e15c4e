//go:build linux
// +build linux

package dispatch

import (
	"time"

	"go.uber.org/zap"
)

// reaperLoop wakes every ReaperInterval and sweeps both idle
// connections and stale queued requests. It exits once Stop closes
// stopCh.
func (m *Manager) reaperLoop() {
	defer m.reaperWG.Done()

	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdleConnections()
			m.sweepRequestTimeouts()
		}
	}
}

// sweepIdleConnections closes any connection that has been idle for
// longer than ConnectionTimeout with no requests in flight: idle AND
// pending_count == 0.
func (m *Manager) sweepIdleConnections() {
	for _, idx := range m.connections.ActiveIndices() {
		conn := m.connections.Get(idx)
		if conn == nil {
			continue
		}
		if conn.pendingCount.Load() != 0 {
			continue
		}
		if conn.idleFor() < m.cfg.ConnectionTimeout {
			continue
		}

		m.logger.Debug("closing idle connection", zap.Int("fd", conn.fd))
		m.closeConnectionAt(idx)
		m.stats.ConnectionTimeouts.Inc()
	}
}

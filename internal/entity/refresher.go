package entity

import (
	"context"
	"time"
)

// startRefreshLoop launches the background sweep once per manager. The loop
// is owned by the manager, cancelled via context, and joined in Stop.
func (m *Manager) startRefreshLoop() {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.refreshRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.refreshRunning = true
	m.refreshStop = cancel
	m.refreshDone = done
	go m.runRefreshLoop(ctx, done)
}

func (m *Manager) runRefreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.sweepOnce()
	}
}

// sweepOnce refreshes every session whose remaining lifetime is inside the
// margin and still positive. Already-expired sessions are left for the lazy
// path in Token or a fresh Authenticate. One entity's failure never stops
// the sweep for the others.
func (m *Manager) sweepOnce() {
	now := m.now()
	for entityID, session := range m.sessionSnapshot() {
		remaining := session.Remaining(now)
		if remaining <= 0 || remaining >= m.refreshMargin {
			continue
		}
		if _, err := m.Refresh(entityID); err != nil {
			m.log.Warn("background refresh failed", "entity_id", entityID, "err", err)
		}
	}
}

package recorder

import (
	"context"
	"sort"
	"time"

	"github.com/loykin/streamwatch/internal/poller"
)

// onDisconnect schedules a confirmation for an active session. A session
// holds at most one pending confirmation.
func (m *Manager) onDisconnect(s *session) {
	m.mu.Lock()
	if m.sessions[s.entity] == s && s.state == StateStarting {
		// Start confirms once the session is committed
		s.droppedEarly = true
		m.mu.Unlock()
		return
	}
	if m.sessions[s.entity] != s || s.state != StateRecording || m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.pending[s.entity]; ok {
		m.mu.Unlock()
		return
	}
	pd := &pendingDisconnect{at: m.now()}
	m.pending[s.entity] = pd
	delay := jitter(m.cfg.ConfirmDelay, m.cfg.ConfirmJitter)
	m.mu.Unlock()

	m.log.Info("disconnect received, confirming", "entity", s.entity, "delay", delay.Round(time.Millisecond))
	started := m.tasks.Go(disconnectPrefix+s.entity, func(ctx context.Context) {
		defer m.clearPending(s.entity, pd)
		m.confirm(ctx, s, pd, delay)
	})
	if !started {
		m.clearPending(s.entity, pd)
	}
	m.gauges()
}

func (m *Manager) confirm(ctx context.Context, s *session, pd *pendingDisconnect, delay time.Duration) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}

	m.mu.Lock()
	still := m.pending[s.entity] == pd && m.sessions[s.entity] == s
	m.mu.Unlock()
	if !still {
		return
	}

	reason := ReasonDisconnectConfirmed
	if m.deps.Checker != nil {
		r := m.deps.Checker.Check(ctx, poller.Target{Entity: s.entity, Auth: s.profile.Auth})
		if ctx.Err() != nil {
			return
		}
		switch r.Status {
		case poller.Live:
			m.log.Info("back online after disconnect, continuing", "entity", s.entity)
			return
		case poller.Unknown:
			m.log.Warn("disconnect check failed, stopping", "entity", s.entity, "failure", r.Failure, "error", r.Err)
			reason = ReasonDisconnectError
		}
	}
	// release the entry first so Stop does not cancel this task
	m.clearPending(s.entity, pd)
	m.log.Info("disconnect confirmed, stopping", "entity", s.entity, "after", m.now().Sub(pd.at).Round(time.Second))
	m.stopFromEvent(ctx, s, reason)
}

func (m *Manager) clearPending(entity string, pd *pendingDisconnect) {
	m.mu.Lock()
	if m.pending[entity] == pd {
		delete(m.pending, entity)
	}
	m.mu.Unlock()
	m.gauges()
}

func (m *Manager) cancelPending(entity string) bool {
	m.mu.Lock()
	_, ok := m.pending[entity]
	delete(m.pending, entity)
	m.mu.Unlock()
	if ok {
		m.tasks.Cancel(disconnectPrefix + entity)
		m.gauges()
	}
	return ok
}

// CancelAllPending cancels every pending disconnect confirmation.
func (m *Manager) CancelAllPending() int {
	m.mu.Lock()
	n := len(m.pending)
	m.pending = make(map[string]*pendingDisconnect)
	m.mu.Unlock()
	m.tasks.CancelPrefix(disconnectPrefix)
	m.gauges()
	return n
}

// Pending returns the entities awaiting disconnect confirmation, sorted.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for e := range m.pending {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// PendingSince returns when the disconnect of entity was signalled.
func (m *Manager) PendingSince(entity string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pd, ok := m.pending[entity]
	if !ok {
		return time.Time{}, false
	}
	return pd.at, true
}

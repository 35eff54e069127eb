package service

import (
	"context"
	"log"

	"geo-quiz/client/internal/apperror"
	"geo-quiz/client/internal/clock"
	sessiondomain "geo-quiz/client/internal/session/domain"
	"geo-quiz/client/internal/store"
	"geo-quiz/client/internal/telemetry"
)

// timerSet holds the armed timers. gen invalidates callbacks of timers that were replaced or
// stopped but had already started running.
type timerSet struct {
	gen       uint64
	refresh   clock.Timer
	logout    clock.Timer
	validator clock.Timer
}

func (t *timerSet) stop() {
	t.gen++
	for _, tm := range []clock.Timer{t.refresh, t.logout, t.validator} {
		if tm != nil {
			tm.Stop()
		}
	}
	t.refresh, t.logout, t.validator = nil, nil, nil
}

// armLocked replaces every timer for the current session: refresh at expiresAt-threshold
// (immediately when already inside the threshold), logout at expiresAt, and the validator.
func (m *Manager) armLocked() {
	m.timers.stop()
	if m.closed || m.session == nil {
		return
	}
	gen := m.timers.gen
	remaining := m.session.Remaining(m.clock.Now())
	refreshIn := remaining - m.refreshThreshold
	if refreshIn < 0 {
		refreshIn = 0
	}
	m.timers.refresh = m.clock.AfterFunc(refreshIn, func() { m.onRefreshTimer(gen) })
	m.timers.logout = m.clock.AfterFunc(remaining, func() { m.onLogoutTimer(gen) })
	m.timers.validator = m.clock.AfterFunc(m.validationInterval, func() { m.validate(gen) })
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.timers.gen == gen && m.session != nil
}

func (m *Manager) onRefreshTimer(gen uint64) {
	if !m.current(gen) {
		return
	}
	if _, err := m.Refresh(context.Background()); err != nil {
		log.Printf("session: scheduled refresh failed: %v", err)
	}
}

func (m *Manager) onLogoutTimer(gen uint64) {
	if !m.current(gen) {
		return
	}
	log.Printf("session: session reached expiry, logging out")
	m.Logout(context.Background(), apperror.SessionExpiredMessage)
}

// validate re-reads the persisted session (another process may have refreshed or ended it),
// enforces the inactivity timeout and refreshes inside the threshold. It re-arms itself unless
// the timers were replaced meanwhile.
func (m *Manager) validate(gen uint64) {
	if !m.current(gen) {
		return
	}
	ctx := context.Background()
	now := m.clock.Now()

	var stored sessiondomain.Session
	ok, err := store.GetJSON(ctx, m.store, m.keys.Session(), &stored)
	switch {
	case err != nil:
		log.Printf("session: validator read failed: %v", err)
	case !ok:
		log.Printf("session: persisted session removed externally, ending local session")
		m.endLocal(ctx)
		return
	case stored.Expired(now):
		m.Logout(ctx, apperror.SessionExpiredMessage)
		return
	default:
		if m.adopt(gen, &stored) {
			m.notify()
			return
		}
	}

	if m.inactive(ctx, now) {
		user, _ := m.CurrentUser()
		telemetry.EmitAsync(m.emitter, ctx, telemetry.NewEventAt(telemetry.EventInactivityLogout, user.ID, now, nil))
		m.Logout(ctx, apperror.InactivityMessage)
		return
	}

	m.mu.Lock()
	needsRefresh := m.session != nil && m.session.NeedsRefresh(now, m.refreshThreshold)
	m.mu.Unlock()
	if needsRefresh {
		if _, err := m.Refresh(ctx); err != nil {
			log.Printf("session: validator refresh failed: %v", err)
		}
		return
	}

	m.mu.Lock()
	if !m.closed && m.timers.gen == gen {
		m.timers.validator = m.clock.AfterFunc(m.validationInterval, func() { m.validate(gen) })
	}
	m.mu.Unlock()
}

// adopt replaces the in-memory session with one written by another process. It reports whether
// the timers were re-armed.
func (m *Manager) adopt(gen uint64, stored *sessiondomain.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.timers.gen != gen || stored.AccessToken == m.session.AccessToken {
		return false
	}
	s := *stored
	m.session = &s
	m.armLocked()
	return true
}

// endLocal ends the session after another process logged out; the server was already notified.
func (m *Manager) endLocal(ctx context.Context) {
	m.mu.Lock()
	had := m.session != nil
	m.mu.Unlock()
	m.clearPersisted(ctx)
	m.becomeUnauthenticated("")
	if had {
		m.metrics.RecordLogout(ctx, "external")
	}
}

package service

import (
	"context"
	"log"

	"geo-quiz/client/internal/apperror"
	sessiondomain "geo-quiz/client/internal/session/domain"
	"geo-quiz/client/internal/telemetry"
)

// Refresh rotates the credentials. Concurrent callers holding the same refresh token share one
// gateway call and observe the same resulting Session. Any failure logs the user out with
// apperror.SessionExpiredMessage; it is never retried automatically.
func (m *Manager) Refresh(ctx context.Context) (sessiondomain.Session, error) {
	m.mu.Lock()
	cur := m.session
	m.mu.Unlock()
	if cur == nil {
		return sessiondomain.Session{}, apperror.ErrNotAuthenticated
	}

	v, err, _ := m.refreshGroup.Do(cur.RefreshToken, func() (any, error) {
		return m.refreshFrom(context.WithoutCancel(ctx), cur)
	})
	if err != nil {
		return sessiondomain.Session{}, err
	}
	return *v.(*sessiondomain.Session), nil
}

// refreshFrom refreshes cur unless a previous flight already rotated it, in which case the live
// session is returned without another gateway call.
func (m *Manager) refreshFrom(ctx context.Context, cur *sessiondomain.Session) (*sessiondomain.Session, error) {
	m.mu.Lock()
	live := m.session
	m.mu.Unlock()
	switch {
	case live == nil:
		return nil, apperror.ErrNotAuthenticated
	case live.RefreshToken != cur.RefreshToken:
		out := *live
		return &out, nil
	}
	return m.refresh(ctx, cur)
}

func (m *Manager) refresh(ctx context.Context, cur *sessiondomain.Session) (*sessiondomain.Session, error) {
	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	b, err := m.creds.Refresh(gctx, cur.RefreshToken)
	cancel()
	var next *sessiondomain.Session
	if err == nil {
		if b.User.ID == "" {
			b.User = cur.User
		}
		next, err = sessiondomain.NewSession(b, m.clock.Now())
	}
	if err == nil {
		err = m.persist(ctx, next)
	}
	if err != nil {
		log.Printf("session: refresh failed: %v", err)
		telemetry.CaptureError(err, map[string]string{"component": "session", "op": "refresh"})
		m.metrics.RecordRefresh(ctx, "failure")
		telemetry.EmitAsync(m.emitter, ctx, telemetry.NewEventAt(telemetry.EventRefreshFailed, cur.User.ID, m.clock.Now(), map[string]string{"kind": string(apperror.KindOf(err))}))
		if m.owns(cur) {
			m.Logout(ctx, apperror.SessionExpiredMessage)
		}
		return nil, apperror.Wrap(apperror.KindSessionExpired, apperror.SessionExpiredMessage, err)
	}

	m.mu.Lock()
	if m.session == nil || m.session.RefreshToken != cur.RefreshToken {
		// Logged out or replaced while the call was in flight.
		m.mu.Unlock()
		return nil, apperror.ErrNotAuthenticated
	}
	m.session = next
	m.phase = PhaseAuthenticated
	m.reason = ""
	m.armLocked()
	m.mu.Unlock()
	m.notify()

	m.metrics.RecordRefresh(ctx, "success")
	telemetry.EmitAsync(m.emitter, ctx, telemetry.NewEventAt(telemetry.EventRefresh, next.User.ID, m.clock.Now(), nil))
	out := *next
	return &out, nil
}

// owns reports whether s is still the live session.
func (m *Manager) owns(s *sessiondomain.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.RefreshToken == s.RefreshToken
}

// AccessToken returns a usable access token, refreshing first when the session is within the
// refresh threshold.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	cur := m.session
	authenticated := m.phase == PhaseAuthenticated || m.phase == PhaseLoading
	m.mu.Unlock()
	if cur == nil || !authenticated {
		return "", apperror.ErrNotAuthenticated
	}
	if !cur.NeedsRefresh(m.clock.Now(), m.refreshThreshold) {
		return cur.AccessToken, nil
	}
	s, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

package service

import (
	"context"
	"log"
	"time"

	"geo-quiz/client/internal/apperror"
	"geo-quiz/client/internal/store"
)

// ActivityKind is a user interaction class that counts as activity.
type ActivityKind string

const (
	ActivityPointerDown ActivityKind = "pointer-down"
	ActivityPointerMove ActivityKind = "pointer-move"
	ActivityKeyPress    ActivityKind = "key-press"
	ActivityScroll      ActivityKind = "scroll"
	ActivityTouchStart  ActivityKind = "touch-start"
	ActivityClick       ActivityKind = "click"
)

var activityKinds = map[ActivityKind]bool{
	ActivityPointerDown: true,
	ActivityPointerMove: true,
	ActivityKeyPress:    true,
	ActivityScroll:      true,
	ActivityTouchStart:  true,
	ActivityClick:       true,
}

// RecordActivity stamps the activity timestamp for a qualifying interaction. The timestamp is
// persisted immediately so a restart does not reset the inactivity clock.
func (m *Manager) RecordActivity(ctx context.Context, kind ActivityKind) error {
	if !activityKinds[kind] {
		return apperror.New(apperror.KindValidationFailed, "unknown activity kind "+string(kind))
	}
	return m.writeActivity(ctx, m.clock.Now())
}

// LastActivity returns the persisted activity timestamp.
func (m *Manager) LastActivity(ctx context.Context) (time.Time, bool, error) {
	var t time.Time
	ok, err := store.GetJSON(ctx, m.store, m.keys.LastActivity(), &t)
	return t, ok, err
}

func (m *Manager) recordActivity(ctx context.Context) {
	if err := m.writeActivity(ctx, m.clock.Now()); err != nil {
		log.Printf("session: record activity: %v", err)
	}
}

func (m *Manager) writeActivity(ctx context.Context, at time.Time) error {
	return store.SetJSON(ctx, m.store, m.keys.LastActivity(), at)
}

// inactive reports whether the last persisted activity is older than the inactivity timeout.
// A missing timestamp is stamped with now and counts as active.
func (m *Manager) inactive(ctx context.Context, now time.Time) bool {
	last, ok, err := m.LastActivity(ctx)
	if err != nil {
		log.Printf("session: read activity: %v", err)
		return false
	}
	if !ok {
		m.recordActivity(ctx)
		return false
	}
	return now.Sub(last) > m.inactivityTimeout
}

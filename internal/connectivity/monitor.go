// Package connectivity tracks whether the API is reachable. The platform pushes online/offline
// signals through SetOnline; TestConnectivity runs an active probe for callers that distrust them.
package connectivity

import (
	"context"
	"sort"
	"sync"
	"time"

	"geo-quiz/client/internal/clock"
)

// Status is a snapshot of the monitor. IsOffline is always !IsOnline.
type Status struct {
	IsOnline      bool       `json:"isOnline"`
	IsOffline     bool       `json:"isOffline"`
	LastOnlineAt  *time.Time `json:"lastOnlineAt,omitempty"`
	LastOfflineAt *time.Time `json:"lastOfflineAt,omitempty"`
}

// Prober is a lightweight reachability check. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor holds the current connectivity status and fans transitions out to subscribers.
type Monitor struct {
	clock  clock.Clock
	prober Prober

	mu     sync.Mutex
	status Status
	subs   map[int]func(Status)
	nextID int
}

// NewMonitor returns a Monitor starting in the given state. prober may be nil, in which case
// TestConnectivity reports the passive state.
func NewMonitor(c clock.Clock, prober Prober, online bool) *Monitor {
	if c == nil {
		c = clock.Real{}
	}
	now := c.Now()
	st := Status{IsOnline: online, IsOffline: !online}
	if online {
		st.LastOnlineAt = &now
	} else {
		st.LastOfflineAt = &now
	}
	return &Monitor{clock: c, prober: prober, status: st, subs: make(map[int]func(Status))}
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOnline reports the current passive state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsOnline
}

// SetOnline applies a platform online/offline signal. Subscribers are called only on a transition,
// after the lock is released, in subscription order.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.status.IsOnline == online {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.status.IsOnline = online
	m.status.IsOffline = !online
	if online {
		m.status.LastOnlineAt = &now
	} else {
		m.status.LastOfflineAt = &now
	}
	st := m.status
	subs := m.subscribersLocked()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// Subscribe registers fn for transitions and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (m *Monitor) Subscribe(fn func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// TestConnectivity runs the active probe and applies its result as a signal. It returns the
// resulting online state.
func (m *Monitor) TestConnectivity(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	online := m.prober.Probe(ctx) == nil
	m.SetOnline(online)
	return online
}

func (m *Monitor) subscribersLocked() []func(Status) {
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.subs[id])
	}
	return out
}

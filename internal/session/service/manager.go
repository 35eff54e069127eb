// Package service is the session lifecycle manager: it restores, establishes, refreshes and ends
// the single client session, and owns the refresh, logout and validator timers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"geo-quiz/client/internal/apperror"
	"geo-quiz/client/internal/clock"
	sessiondomain "geo-quiz/client/internal/session/domain"
	"geo-quiz/client/internal/store"
	"geo-quiz/client/internal/telemetry"
	userdomain "geo-quiz/client/internal/user/domain"
)

// Default timings.
const (
	DefaultRefreshThreshold   = 5 * time.Minute
	DefaultInactivityTimeout  = 30 * time.Minute
	DefaultValidationInterval = 60 * time.Second

	gatewayTimeout  = 15 * time.Second
	postAuthTimeout = 60 * time.Second
)

// CredentialGateway is the credential REST API.
type CredentialGateway interface {
	Login(ctx context.Context, email, password string) (*sessiondomain.CredentialBundle, error)
	Register(ctx context.Context, r sessiondomain.Registration) (*sessiondomain.CredentialBundle, error)
	Refresh(ctx context.Context, refreshToken string) (*sessiondomain.CredentialBundle, error)
	Logout(ctx context.Context, accessToken string) error
	LoginWithOAuth(ctx context.Context, provider userdomain.Provider) (*sessiondomain.CredentialBundle, error)
	UpdateProfile(ctx context.Context, update userdomain.ProfileUpdate, accessToken string) (*userdomain.User, error)
}

// Phase is the externally observable lifecycle state.
type Phase string

const (
	PhaseUninitialized   Phase = "uninitialized"
	PhaseLoading         Phase = "loading"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseUnauthenticated Phase = "unauthenticated"
)

// State is what subscribers observe. Error carries the user-facing reason of the last forced
// logout or failed authentication attempt.
type State struct {
	Phase           Phase            `json:"phase"`
	User            *userdomain.User `json:"user,omitempty"`
	IsAuthenticated bool             `json:"isAuthenticated"`
	IsLoading       bool             `json:"isLoading"`
	Error           string           `json:"error,omitempty"`
}

// Options tunes a Manager. Zero durations take the defaults.
type Options struct {
	RefreshThreshold   time.Duration
	InactivityTimeout  time.Duration
	ValidationInterval time.Duration
	Clock              clock.Clock
	Emitter            telemetry.EventEmitter
	Metrics            *telemetry.Metrics
}

// Manager owns the session. All methods are safe for concurrent use.
type Manager struct {
	creds   CredentialGateway
	store   store.Store
	keys    store.Keys
	clock   clock.Clock
	emitter telemetry.EventEmitter
	metrics *telemetry.Metrics

	refreshThreshold   time.Duration
	inactivityTimeout  time.Duration
	validationInterval time.Duration

	refreshGroup singleflight.Group

	mu      sync.Mutex
	phase   Phase
	session *sessiondomain.Session
	reason  string
	loading int
	timers  timerSet
	subs    map[int]func(State)
	nextSub int
	hooks   []func(context.Context, userdomain.User)
	closed  bool
}

// NewManager returns a Manager in PhaseUninitialized. Call Initialize before use.
func NewManager(creds CredentialGateway, st store.Store, keys store.Keys, opts Options) *Manager {
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = DefaultRefreshThreshold
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.ValidationInterval <= 0 {
		opts.ValidationInterval = DefaultValidationInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Manager{
		creds:              creds,
		store:              st,
		keys:               keys,
		clock:              opts.Clock,
		emitter:            opts.Emitter,
		metrics:            opts.Metrics,
		refreshThreshold:   opts.RefreshThreshold,
		inactivityTimeout:  opts.InactivityTimeout,
		validationInterval: opts.ValidationInterval,
		phase:              PhaseUninitialized,
		subs:               make(map[int]func(State)),
	}
}

// State returns the current state snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// CurrentUser returns the authenticated user.
func (m *Manager) CurrentUser() (userdomain.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return userdomain.User{}, false
	}
	return m.session.User, true
}

// Subscribe registers fn for every state change and returns its unsubscribe function.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
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

// OnAuthenticated registers a hook run after every successful login, register or OAuth login.
// Hooks run in their own goroutine; their outcome never affects the authentication call.
func (m *Manager) OnAuthenticated(fn func(ctx context.Context, u userdomain.User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Initialize restores a persisted session. An expired session, or one whose last activity is older
// than the inactivity timeout, is discarded. A session within the refresh threshold is refreshed
// once before the state is declared. Only store failures are returned.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.phase = PhaseLoading
	m.mu.Unlock()
	m.notify()

	var s sessiondomain.Session
	ok, err := store.GetJSON(ctx, m.store, m.keys.Session(), &s)
	if err != nil {
		if !errors.Is(err, store.ErrSealedValue) {
			m.becomeUnauthenticated("")
			return fmt.Errorf("session: load: %w", err)
		}
		log.Printf("session: discarding unreadable persisted session: %v", err)
		ok = false
		m.clearPersisted(ctx)
	}
	if !ok || s.AccessToken == "" {
		m.becomeUnauthenticated("")
		return nil
	}

	now := m.clock.Now()
	if s.Expired(now) {
		m.clearPersisted(ctx)
		m.becomeUnauthenticated("")
		return nil
	}
	if m.inactive(ctx, now) {
		m.clearPersisted(ctx)
		m.becomeUnauthenticated(apperror.InactivityMessage)
		m.metrics.RecordLogout(ctx, logoutReasonCode(apperror.InactivityMessage))
		telemetry.EmitAsync(m.emitter, ctx, telemetry.NewEventAt(telemetry.EventInactivityLogout, s.User.ID, m.clock.Now(), nil))
		return nil
	}

	m.mu.Lock()
	m.session = &s
	m.mu.Unlock()

	if s.NeedsRefresh(now, m.refreshThreshold) {
		if _, err := m.Refresh(ctx); err != nil {
			log.Printf("session: refresh on initialize failed: %v", err)
		}
		return nil
	}

	m.mu.Lock()
	m.phase = PhaseAuthenticated
	m.reason = ""
	m.armLocked()
	m.mu.Unlock()
	m.notify()
	return nil
}

// Login authenticates with email and password.
func (m *Manager) Login(ctx context.Context, email, password string) (State, error) {
	if err := (sessiondomain.Credentials{Email: email, Password: password}).Validate(); err != nil {
		return m.authFailed(err)
	}
	return m.authenticate(ctx, telemetry.EventLogin, nil, func(ctx context.Context) (*sessiondomain.CredentialBundle, error) {
		return m.creds.Login(ctx, email, password)
	})
}

// Register creates an account and authenticates with it.
func (m *Manager) Register(ctx context.Context, r sessiondomain.Registration) (State, error) {
	if err := r.Validate(); err != nil {
		return m.authFailed(err)
	}
	return m.authenticate(ctx, telemetry.EventRegister, nil, func(ctx context.Context) (*sessiondomain.CredentialBundle, error) {
		return m.creds.Register(ctx, r)
	})
}

// LoginWithOAuth authenticates through the OAuth provider.
func (m *Manager) LoginWithOAuth(ctx context.Context, provider userdomain.Provider) (State, error) {
	md := map[string]string{"provider": string(provider)}
	return m.authenticate(ctx, telemetry.EventOAuthLogin, md, func(ctx context.Context) (*sessiondomain.CredentialBundle, error) {
		return m.creds.LoginWithOAuth(ctx, provider)
	})
}

// Logout ends the session: timers are cancelled, the server is notified best-effort, the persisted
// session is deleted. A non-empty reason is surfaced in State.Error.
func (m *Manager) Logout(ctx context.Context, reason string) {
	m.mu.Lock()
	s := m.session
	m.timers.stop()
	m.session = nil
	m.mu.Unlock()

	if s != nil && s.AccessToken != "" {
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gatewayTimeout)
		if err := m.creds.Logout(gctx, s.AccessToken); err != nil {
			log.Printf("session: logout notification failed: %v", err)
		}
		cancel()
	}
	m.clearPersisted(ctx)
	m.becomeUnauthenticated(reason)

	if s != nil {
		m.metrics.RecordLogout(ctx, logoutReasonCode(reason))
		telemetry.EmitAsync(m.emitter, ctx, telemetry.NewEventAt(telemetry.EventLogout, s.User.ID, m.clock.Now(), map[string]string{"reason": logoutReasonCode(reason)}))
	}
}

// UpdateProfile sends a partial profile update and merges the accepted fields into the session.
// On failure the session is left untouched.
func (m *Manager) UpdateProfile(ctx context.Context, update userdomain.ProfileUpdate) (userdomain.User, error) {
	if update.Empty() {
		return userdomain.User{}, apperror.New(apperror.KindValidationFailed, "profile update is empty")
	}
	token, err := m.AccessToken(ctx)
	if err != nil {
		return userdomain.User{}, err
	}
	accepted, err := m.creds.UpdateProfile(ctx, update, token)
	if err != nil {
		return userdomain.User{}, err
	}

	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return userdomain.User{}, apperror.ErrNotAuthenticated
	}
	next := *m.session
	next.User = next.User.Apply(update, accepted)
	m.mu.Unlock()

	if err := m.persist(ctx, &next); err != nil {
		return userdomain.User{}, err
	}
	m.mu.Lock()
	if m.session != nil && m.session.AccessToken == next.AccessToken {
		m.session.User = next.User
	}
	m.mu.Unlock()
	m.notify()
	return next.User, nil
}

// Close clears every timer and subscriber without logging out.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.timers.stop()
	m.subs = make(map[int]func(State))
}

func (m *Manager) authenticate(ctx context.Context, event string, md any, call func(context.Context) (*sessiondomain.CredentialBundle, error)) (State, error) {
	m.setLoading(true)
	s, err := m.obtain(ctx, call)
	m.setLoading(false)
	if err != nil {
		return m.authFailed(err)
	}
	m.recordActivity(ctx)

	m.mu.Lock()
	m.session = s
	m.phase = PhaseAuthenticated
	m.reason = ""
	m.armLocked()
	hooks := append([]func(context.Context, userdomain.User){}, m.hooks...)
	st := m.stateLocked()
	m.mu.Unlock()
	m.notify()

	telemetry.EmitAsync(m.emitter, ctx, telemetry.NewEventAt(event, s.User.ID, m.clock.Now(), md))
	for _, h := range hooks {
		go func(h func(context.Context, userdomain.User), u userdomain.User) {
			hctx, cancel := context.WithTimeout(context.Background(), postAuthTimeout)
			defer cancel()
			h(hctx, u)
		}(h, s.User)
	}
	return st, nil
}

// obtain runs the gateway call and persists the resulting session.
func (m *Manager) obtain(ctx context.Context, call func(context.Context) (*sessiondomain.CredentialBundle, error)) (*sessiondomain.Session, error) {
	b, err := call(ctx)
	if err != nil {
		return nil, err
	}
	s, err := sessiondomain.NewSession(b, m.clock.Now())
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidationFailed, "invalid credential bundle", err)
	}
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// authFailed records a failed authentication attempt. An existing session stays in place.
func (m *Manager) authFailed(err error) (State, error) {
	m.mu.Lock()
	if m.session == nil {
		m.phase = PhaseUnauthenticated
	}
	m.reason = errorMessage(err)
	st := m.stateLocked()
	m.mu.Unlock()
	m.notify()
	return st, err
}

func (m *Manager) persist(ctx context.Context, s *sessiondomain.Session) error {
	if err := store.SetJSON(ctx, m.store, m.keys.Session(), s); err != nil {
		return fmt.Errorf("session: persist: %w", err)
	}
	if err := store.SetJSON(ctx, m.store, m.keys.User(), s.User); err != nil {
		return fmt.Errorf("session: persist user: %w", err)
	}
	return nil
}

func (m *Manager) clearPersisted(ctx context.Context) {
	for _, key := range []string{m.keys.Session(), m.keys.User(), m.keys.LastActivity()} {
		if err := m.store.Remove(ctx, key); err != nil {
			log.Printf("session: remove %s: %v", key, err)
		}
	}
}

func (m *Manager) becomeUnauthenticated(reason string) {
	m.mu.Lock()
	m.session = nil
	m.phase = PhaseUnauthenticated
	m.reason = reason
	m.timers.stop()
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) setLoading(on bool) {
	m.mu.Lock()
	if on {
		m.loading++
	} else if m.loading > 0 {
		m.loading--
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) stateLocked() State {
	st := State{
		Phase:     m.phase,
		IsLoading: m.phase == PhaseLoading || m.loading > 0,
		Error:     m.reason,
	}
	if m.session != nil && m.phase == PhaseAuthenticated {
		u := m.session.User
		st.User = &u
		st.IsAuthenticated = true
	}
	return st
}

// notify delivers the current state to subscribers outside the lock, in subscription order.
func (m *Manager) notify() {
	m.mu.Lock()
	st := m.stateLocked()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Ints(ids)
	for _, id := range ids {
		m.mu.Lock()
		fn := m.subs[id]
		m.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	}
}

func errorMessage(err error) string {
	var ae *apperror.Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return err.Error()
}

func logoutReasonCode(reason string) string {
	switch reason {
	case "":
		return "user"
	case apperror.SessionExpiredMessage:
		return "expired"
	case apperror.InactivityMessage:
		return "inactivity"
	default:
		return "other"
	}
}

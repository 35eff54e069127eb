package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geo-quiz/client/internal/apperror"
	"geo-quiz/client/internal/clock"
	sessiondomain "geo-quiz/client/internal/session/domain"
	"geo-quiz/client/internal/store"
	userdomain "geo-quiz/client/internal/user/domain"
)

var testUser = userdomain.User{ID: "u1", Email: "a@b.com", Provider: userdomain.ProviderEmail}

// fakeCreds is an in-memory CredentialGateway.
type fakeCreds struct {
	mu           sync.Mutex
	loginErr     error
	refreshErr   error
	logoutErr    error
	expiresIn    int64
	refreshGate  chan struct{}
	refreshEnter chan struct{}
	profile      *userdomain.User

	refreshCalls int32
	logoutCalls  int32
	issued       int32
}

func (f *fakeCreds) bundle() *sessiondomain.CredentialBundle {
	n := atomic.AddInt32(&f.issued, 1)
	exp := f.expiresIn
	if exp == 0 {
		exp = 3600
	}
	return &sessiondomain.CredentialBundle{
		User:             testUser,
		AccessToken:      fmt.Sprintf("access-%d", n),
		RefreshToken:     fmt.Sprintf("refresh-%d", n),
		ExpiresInSeconds: exp,
	}
}

func (f *fakeCreds) Login(ctx context.Context, email, password string) (*sessiondomain.CredentialBundle, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.bundle(), nil
}

func (f *fakeCreds) Register(ctx context.Context, r sessiondomain.Registration) (*sessiondomain.CredentialBundle, error) {
	return f.bundle(), nil
}

func (f *fakeCreds) Refresh(ctx context.Context, refreshToken string) (*sessiondomain.CredentialBundle, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshEnter != nil {
		f.refreshEnter <- struct{}{}
	}
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	b := f.bundle()
	b.User = userdomain.User{}
	return b, nil
}

func (f *fakeCreds) Logout(ctx context.Context, accessToken string) error {
	atomic.AddInt32(&f.logoutCalls, 1)
	return f.logoutErr
}

func (f *fakeCreds) LoginWithOAuth(ctx context.Context, provider userdomain.Provider) (*sessiondomain.CredentialBundle, error) {
	b := f.bundle()
	b.User.Provider = provider
	return b, nil
}

func (f *fakeCreds) UpdateProfile(ctx context.Context, update userdomain.ProfileUpdate, accessToken string) (*userdomain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profile == nil {
		return nil, apperror.New(apperror.KindValidationFailed, "rejected")
	}
	u := *f.profile
	return &u, nil
}

type harness struct {
	m     *Manager
	clock *clock.Fake
	creds *fakeCreds
	store *store.MemoryStore
	keys  store.Keys
}

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		clock: clock.NewFake(t0),
		creds: &fakeCreds{},
		store: store.NewMemoryStore(),
		keys:  store.NewKeys("test"),
	}
	opts.Clock = h.clock
	h.m = NewManager(h.creds, h.store, h.keys, opts)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) persistSession(t *testing.T, expiresAt time.Time, lastActivity *time.Time) {
	t.Helper()
	ctx := context.Background()
	s := sessiondomain.Session{AccessToken: "stored-access", RefreshToken: "stored-refresh", ExpiresAt: expiresAt, User: testUser}
	if err := store.SetJSON(ctx, h.store, h.keys.Session(), s); err != nil {
		t.Fatal(err)
	}
	if err := store.SetJSON(ctx, h.store, h.keys.User(), s.User); err != nil {
		t.Fatal(err)
	}
	if lastActivity != nil {
		if err := store.SetJSON(ctx, h.store, h.keys.LastActivity(), *lastActivity); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) has(key string) bool {
	_, ok, _ := h.store.Get(context.Background(), key)
	return ok
}

func TestRegister_ArmsTimersAndPersists(t *testing.T) {
	h := newHarness(t, Options{})
	st, err := h.m.Register(context.Background(), sessiondomain.Registration{Email: "a@b.com", Password: "pw123456", ConfirmPassword: "pw123456"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st.Phase != PhaseAuthenticated || !st.IsAuthenticated || st.User == nil || st.User.ID != "u1" {
		t.Fatalf("state = %+v", st)
	}
	if !h.has(h.keys.Session()) || !h.has(h.keys.User()) || !h.has(h.keys.LastActivity()) {
		t.Error("session, user and activity should be persisted")
	}
	want := []time.Time{t0.Add(60 * time.Second), t0.Add(3600*time.Second - DefaultRefreshThreshold), t0.Add(3600 * time.Second)}
	got := h.clock.Deadlines()
	if len(got) != len(want) {
		t.Fatalf("deadlines = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("deadline[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRegister_RefreshTimerWithShortThreshold(t *testing.T) {
	h := newHarness(t, Options{RefreshThreshold: 5 * time.Second})
	if _, err := h.m.Register(context.Background(), sessiondomain.Registration{Email: "a@b.com", Password: "pw123456", ConfirmPassword: "pw123456"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	found := false
	for _, d := range h.clock.Deadlines() {
		if d.Equal(t0.Add(3595 * time.Second)) {
			found = true
		}
	}
	if !found {
		t.Errorf("no refresh timer at 3595s: %v", h.clock.Deadlines())
	}
}

func TestRegister_LocalValidation(t *testing.T) {
	h := newHarness(t, Options{})
	st, err := h.m.Register(context.Background(), sessiondomain.Registration{Email: "a@b.com", Password: "pw123456", ConfirmPassword: "other"})
	if !apperror.IsKind(err, apperror.KindValidationFailed) {
		t.Fatalf("err = %v, want validation failed", err)
	}
	if st.IsAuthenticated || atomic.LoadInt32(&h.creds.issued) != 0 {
		t.Error("gateway must not be called for invalid input")
	}
}

func TestInitialize_ExpiredSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.persistSession(t, t0.Add(-1000*time.Millisecond), nil)

	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := h.m.State(); st.Phase != PhaseUnauthenticated || st.IsAuthenticated {
		t.Errorf("state = %+v", st)
	}
	if h.has(h.keys.Session()) || h.has(h.keys.User()) {
		t.Error("session and user keys should be removed")
	}
}

func TestInitialize_InactivityLogout(t *testing.T) {
	h := newHarness(t, Options{})
	last := t0.Add(-31 * time.Minute)
	h.persistSession(t, t0.Add(time.Hour), &last)

	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := h.m.State()
	if st.Phase != PhaseUnauthenticated || st.Error != apperror.InactivityMessage {
		t.Errorf("state = %+v", st)
	}
	if h.has(h.keys.Session()) {
		t.Error("persisted session should be removed")
	}
}

func TestInitialize_RestoresActiveSession(t *testing.T) {
	h := newHarness(t, Options{})
	last := t0.Add(-5 * time.Minute)
	h.persistSession(t, t0.Add(time.Hour), &last)

	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := h.m.State(); !st.IsAuthenticated {
		t.Fatalf("state = %+v", st)
	}
	if h.clock.Pending() != 3 {
		t.Errorf("pending timers = %d, want 3", h.clock.Pending())
	}
	tok, err := h.m.AccessToken(context.Background())
	if err != nil || tok != "stored-access" {
		t.Errorf("AccessToken = %q, %v", tok, err)
	}
}

func TestInitialize_RefreshesInsideThreshold(t *testing.T) {
	h := newHarness(t, Options{})
	last := t0
	h.persistSession(t, t0.Add(2*time.Minute), &last)

	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if n := atomic.LoadInt32(&h.creds.refreshCalls); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	st := h.m.State()
	if !st.IsAuthenticated || st.User == nil || st.User.ID != "u1" {
		t.Errorf("state = %+v", st)
	}
	var s sessiondomain.Session
	_, _ = store.GetJSON(context.Background(), h.store, h.keys.Session(), &s)
	if s.AccessToken == "stored-access" || s.User.ID != "u1" {
		t.Errorf("persisted session not replaced: %+v", s)
	}
}

func TestInitialize_NoSession(t *testing.T) {
	h := newHarness(t, Options{})
	var states []State
	h.m.Subscribe(func(s State) { states = append(states, s) })
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(states) < 2 || !states[0].IsLoading || states[len(states)-1].Phase != PhaseUnauthenticated {
		t.Errorf("transitions = %+v", states)
	}
}

func TestRefresh_ConcurrentCallersShareOneCall(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.creds.refreshGate = make(chan struct{})
	h.creds.refreshEnter = make(chan struct{}, 1)

	const n = 10
	var ready, done sync.WaitGroup
	results := make([]sessiondomain.Session, n)
	errs := make([]error, n)
	ready.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			results[i], errs[i] = h.m.Refresh(context.Background())
		}(i)
	}
	ready.Wait()
	<-h.creds.refreshEnter
	time.Sleep(50 * time.Millisecond)
	close(h.creds.refreshGate)
	done.Wait()

	if c := atomic.LoadInt32(&h.creds.refreshCalls); c != 1 {
		t.Fatalf("refresh calls = %d, want 1", c)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != results[0].AccessToken {
			t.Errorf("caller %d saw %q, want %q", i, results[i].AccessToken, results[0].AccessToken)
		}
	}
	if results[0].User.ID != "u1" {
		t.Errorf("refreshed session lost its user: %+v", results[0].User)
	}
}

func TestRefresh_StaleTokenReturnsLiveSession(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.m.Login(ctx, "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.m.mu.Lock()
	stale := *h.m.session
	h.m.mu.Unlock()

	rotated, err := h.m.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, err := h.m.refreshFrom(ctx, &stale)
	if err != nil {
		t.Fatalf("refresh with rotated token: %v", err)
	}
	if c := atomic.LoadInt32(&h.creds.refreshCalls); c != 1 {
		t.Fatalf("refresh calls = %d, want 1", c)
	}
	if got.RefreshToken != rotated.RefreshToken || got.AccessToken != rotated.AccessToken {
		t.Errorf("got %+v, want live session %+v", got, rotated)
	}
	if !h.m.State().IsAuthenticated {
		t.Error("stale refresh must not log out")
	}
}

func TestRefresh_FailureLogsOut(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.creds.refreshErr = apperror.New(apperror.KindSessionExpired, "refresh token revoked")

	_, err := h.m.Refresh(context.Background())
	if !apperror.IsKind(err, apperror.KindSessionExpired) {
		t.Fatalf("err = %v, want session expired", err)
	}
	st := h.m.State()
	if st.IsAuthenticated || st.Error != apperror.SessionExpiredMessage {
		t.Errorf("state = %+v", st)
	}
	if h.has(h.keys.Session()) {
		t.Error("session should be removed")
	}
	if h.clock.Pending() != 0 {
		t.Errorf("timers left armed: %d", h.clock.Pending())
	}
	if _, err := h.m.Refresh(context.Background()); !errors.Is(err, apperror.ErrNotAuthenticated) {
		t.Errorf("refresh after logout err = %v", err)
	}
}

func TestRefreshTimer_FiresBeforeExpiry(t *testing.T) {
	h := newHarness(t, Options{InactivityTimeout: 24 * time.Hour})
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.clock.Advance(3600*time.Second - DefaultRefreshThreshold)
	if c := atomic.LoadInt32(&h.creds.refreshCalls); c != 1 {
		t.Fatalf("refresh calls = %d, want 1", c)
	}
	tok, _ := h.m.AccessToken(context.Background())
	if tok != "access-2" {
		t.Errorf("token = %q, want access-2", tok)
	}
	if h.clock.Pending() != 3 {
		t.Errorf("timers should be re-armed, pending = %d", h.clock.Pending())
	}
}

func TestLogoutTimer_ExpiresSession(t *testing.T) {
	h := newHarness(t, Options{InactivityTimeout: 24 * time.Hour, RefreshThreshold: time.Second, ValidationInterval: 24 * time.Hour})
	h.creds.expiresIn = 10
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	// Refresh timer at 9s fails and logs out; the logout timer is the fallback if it did not.
	h.creds.refreshErr = apperror.New(apperror.KindNetworkUnavailable, "offline")
	h.clock.Advance(10 * time.Second)
	if st := h.m.State(); st.IsAuthenticated || st.Error != apperror.SessionExpiredMessage {
		t.Errorf("state = %+v", st)
	}
}

func TestValidator_InactivityLogout(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.clock.Advance(20 * time.Minute)
	if err := h.m.RecordActivity(context.Background(), ActivityClick); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	h.clock.Advance(25 * time.Minute)
	if !h.m.State().IsAuthenticated {
		t.Fatal("activity at 20m should keep the session alive at 45m")
	}
	h.clock.Advance(10 * time.Minute)
	st := h.m.State()
	if st.IsAuthenticated || st.Error != apperror.InactivityMessage {
		t.Errorf("state = %+v", st)
	}
	if atomic.LoadInt32(&h.creds.logoutCalls) != 1 {
		t.Error("server should be notified of the inactivity logout")
	}
}

func TestValidator_AdoptsExternalRefresh(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	other := sessiondomain.Session{AccessToken: "other-access", RefreshToken: "other-refresh", ExpiresAt: t0.Add(2 * time.Hour), User: testUser}
	_ = store.SetJSON(context.Background(), h.store, h.keys.Session(), other)

	h.clock.Advance(time.Minute)
	tok, err := h.m.AccessToken(context.Background())
	if err != nil || tok != "other-access" {
		t.Errorf("AccessToken = %q, %v; want other-access", tok, err)
	}
}

func TestValidator_ExternalLogout(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_ = h.store.Remove(context.Background(), h.keys.Session())

	h.clock.Advance(time.Minute)
	if h.m.State().IsAuthenticated {
		t.Error("session removed by another process should end locally")
	}
	if atomic.LoadInt32(&h.creds.logoutCalls) != 0 {
		t.Error("server must not be notified twice")
	}
}

func TestLogin_FailureIsClassifiedAndSkipsHooks(t *testing.T) {
	h := newHarness(t, Options{})
	h.creds.loginErr = apperror.New(apperror.KindInvalidCredentials, "Invalid email or password")
	var hooked int32
	h.m.OnAuthenticated(func(context.Context, userdomain.User) { atomic.AddInt32(&hooked, 1) })

	st, err := h.m.Login(context.Background(), "a@b.com", "bad")
	if !apperror.IsKind(err, apperror.KindInvalidCredentials) {
		t.Fatalf("err = %v", err)
	}
	if st.Phase != PhaseUnauthenticated || st.Error != "Invalid email or password" {
		t.Errorf("state = %+v", st)
	}
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&hooked) != 0 {
		t.Error("hook must not run on failure")
	}
}

func TestLogin_RunsPostAuthHook(t *testing.T) {
	h := newHarness(t, Options{})
	got := make(chan userdomain.User, 1)
	h.m.OnAuthenticated(func(ctx context.Context, u userdomain.User) { got <- u })

	if _, err := h.m.LoginWithOAuth(context.Background(), userdomain.ProviderGitHub); err != nil {
		t.Fatalf("LoginWithOAuth: %v", err)
	}
	select {
	case u := <-got:
		if u.ID != "u1" || u.Provider != userdomain.ProviderGitHub {
			t.Errorf("hook user = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("post-auth hook did not run")
	}
}

func TestLogout_BestEffortNotification(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.creds.logoutErr = apperror.New(apperror.KindNetworkUnavailable, "offline")
	h.m.Logout(context.Background(), "")

	st := h.m.State()
	if st.IsAuthenticated || st.Error != "" {
		t.Errorf("state = %+v", st)
	}
	if h.has(h.keys.Session()) || h.clock.Pending() != 0 {
		t.Error("logout should clear storage and timers")
	}
}

func TestUpdateProfile(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	name := "Ada"
	if _, err := h.m.UpdateProfile(ctx, userdomain.ProfileUpdate{Name: &name}); !errors.Is(err, apperror.ErrNotAuthenticated) {
		t.Errorf("unauthenticated err = %v", err)
	}
	if _, err := h.m.Login(ctx, "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := h.m.UpdateProfile(ctx, userdomain.ProfileUpdate{Name: &name}); !apperror.IsKind(err, apperror.KindValidationFailed) {
		t.Errorf("rejected update err = %v", err)
	}
	if u, _ := h.m.CurrentUser(); u.Name != "" {
		t.Error("failed update must leave the session untouched")
	}

	h.creds.profile = &userdomain.User{ID: "u1", Email: "a@b.com", Name: "Ada L."}
	u, err := h.m.UpdateProfile(ctx, userdomain.ProfileUpdate{Name: &name})
	if err != nil || u.Name != "Ada L." {
		t.Fatalf("UpdateProfile = %+v, %v", u, err)
	}
	var stored userdomain.User
	_, _ = store.GetJSON(ctx, h.store, h.keys.User(), &stored)
	if stored.Name != "Ada L." {
		t.Errorf("persisted user name = %q", stored.Name)
	}
}

func TestRecordActivity(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if err := h.m.RecordActivity(ctx, "hover"); !apperror.IsKind(err, apperror.KindValidationFailed) {
		t.Errorf("unknown kind err = %v", err)
	}
	h.clock.Advance(time.Minute)
	if err := h.m.RecordActivity(ctx, ActivityScroll); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	at, ok, err := h.m.LastActivity(ctx)
	if err != nil || !ok || !at.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastActivity = %v, %v, %v", at, ok, err)
	}
}

func TestClose_StopsTimersWithoutLogout(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.m.Login(context.Background(), "a@b.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	h.m.Close()
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers = %d", h.clock.Pending())
	}
	if !h.has(h.keys.Session()) {
		t.Error("Close must not delete the persisted session")
	}
}

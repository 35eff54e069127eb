package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"geo-quiz/client/internal/apperror"
	"geo-quiz/client/internal/clock"
	"geo-quiz/client/internal/offline"
	progressdomain "geo-quiz/client/internal/progress/domain"
	"geo-quiz/client/internal/store"
	"geo-quiz/client/internal/telemetry"
	userdomain "geo-quiz/client/internal/user/domain"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeGameStats struct {
	mu        sync.Mutex
	saved     []progressdomain.SessionPayload
	migrated  [][]progressdomain.AnonymousSession
	aggregate *progressdomain.AggregateStats
	saveErr   error
	aggErr    error
	migErr    error
	aggCalls  int
}

func (g *fakeGameStats) SaveSession(_ context.Context, p progressdomain.SessionPayload, _ string) (*progressdomain.SavedSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return nil, g.saveErr
	}
	g.saved = append(g.saved, p)
	return &progressdomain.SavedSession{ID: p.ClientID, Category: p.Category}, nil
}

func (g *fakeGameStats) GetAggregate(context.Context, string) (*progressdomain.AggregateStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aggCalls++
	if g.aggErr != nil {
		return nil, g.aggErr
	}
	if g.aggregate == nil {
		return &progressdomain.AggregateStats{FromServer: true}, nil
	}
	out := *g.aggregate
	return &out, nil
}

func (g *fakeGameStats) MigrateAnonymous(_ context.Context, s []progressdomain.AnonymousSession, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.migErr != nil {
		return g.migErr
	}
	g.migrated = append(g.migrated, s)
	return nil
}

func (g *fakeGameStats) aggregateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aggCalls
}

func (g *fakeGameStats) savedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.saved)
}

type fakeSessions struct {
	mu   sync.Mutex
	user *userdomain.User
}

func (s *fakeSessions) CurrentUser() (userdomain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return userdomain.User{}, false
	}
	return *s.user, true
}

func (s *fakeSessions) AccessToken(context.Context) (string, error) {
	if _, ok := s.CurrentUser(); !ok {
		return "", apperror.ErrNotAuthenticated
	}
	return "access-1", nil
}

func (s *fakeSessions) signIn(id string) userdomain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := userdomain.User{ID: id, Email: id + "@example.com"}
	s.user = &u
	return u
}

type fakeConn struct {
	mu     sync.Mutex
	online bool
}

func (c *fakeConn) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) set(v bool) {
	c.mu.Lock()
	c.online = v
	c.mu.Unlock()
}

// recordingEmitter collects emitted events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev *telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) wait(t *testing.T, n int) []*telemetry.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		got := append([]*telemetry.Event(nil), r.events...)
		r.mu.Unlock()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type engineHarness struct {
	engine   *Engine
	gateway  *fakeGameStats
	sessions *fakeSessions
	conn     *fakeConn
	queue    *offline.Queue
	store    *store.MemoryStore
	keys     store.Keys
	events   *recordingEmitter
}

func newEngineHarness() *engineHarness {
	h := &engineHarness{
		gateway:  &fakeGameStats{},
		sessions: &fakeSessions{},
		conn:     &fakeConn{online: true},
		store:    store.NewMemoryStore(),
		keys:     store.NewKeys("test"),
		events:   &recordingEmitter{},
	}
	c := clock.NewFake(t0)
	h.queue = offline.NewQueue(h.store, h.keys, c, h.sessions, nil)
	h.engine = NewEngine(Deps{
		Gateway:      h.gateway,
		Sessions:     h.sessions,
		Connectivity: h.conn,
		Queue:        h.queue,
		Store:        h.store,
		Keys:         h.keys,
		Clock:        c,
		Emitter:      h.events,
	})
	return h
}

func outcome(category string, correct, wrong uint) progressdomain.Outcome {
	return progressdomain.Outcome{Category: category, Correct: correct, Wrong: wrong, Start: t0.Add(-time.Minute), End: t0}
}

func TestRecordCompletedSession_OfflineQueuesAndUpdatesLocal(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	h.conn.set(false)

	res, err := h.engine.RecordCompletedSession(ctx, "u1", outcome("flags", 7, 3))
	if err != nil {
		t.Fatalf("RecordCompletedSession: %v", err)
	}
	if !res.Queued || res.Saved || res.Anonymous {
		t.Errorf("result = %+v", res)
	}
	if res.Record.CorrectAnswers != 7 || res.Record.WrongAnswers != 3 || res.Record.TotalGames != 1 {
		t.Errorf("record = %+v", res.Record)
	}
	if !h.engine.HasPendingOfflineSessions(ctx) {
		t.Fatal("expected a pending save")
	}
	if h.gateway.savedCount() != 0 {
		t.Error("gateway must not be called while offline")
	}

	h.conn.set(true)
	dr, err := h.queue.Drain(ctx)
	if err != nil || dr.Drained != 1 || dr.Remaining != 0 {
		t.Fatalf("drain = %+v, %v", dr, err)
	}
	if h.gateway.savedCount() != 1 || h.gateway.saved[0].Category != "flags" || h.gateway.saved[0].UserID != "u1" {
		t.Errorf("saved = %+v", h.gateway.saved)
	}
	if h.engine.HasPendingOfflineSessions(ctx) {
		t.Error("queue should be empty after drain")
	}
}

func TestRecordCompletedSession_OnlineSavesDirectly(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")

	res, _ := h.engine.RecordCompletedSession(ctx, "u1", outcome("capitals", 4, 0))
	if !res.Saved || res.Queued {
		t.Errorf("result = %+v", res)
	}
	if got := h.gateway.saved[0].BestStreak; got != 4 {
		t.Errorf("best streak = %d, want 4", got)
	}
}

func TestRecordCompletedSession_SaveFailureFallsBackToQueue(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	h.gateway.saveErr = apperror.New(apperror.KindNetworkUnavailable, "down")

	res, err := h.engine.RecordCompletedSession(ctx, "u1", outcome("capitals", 1, 1))
	if err != nil {
		t.Fatalf("gameplay must not fail: %v", err)
	}
	if res.Saved || !res.Queued {
		t.Errorf("result = %+v", res)
	}
	if !h.engine.HasPendingOfflineSessions(ctx) {
		t.Error("expected queued save")
	}
}

func TestRecordCompletedSession_RejectsEmptyCategory(t *testing.T) {
	h := newEngineHarness()
	_, err := h.engine.RecordCompletedSession(context.Background(), "u1", progressdomain.Outcome{Correct: 1})
	if !apperror.IsKind(err, apperror.KindValidationFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestRecordCompletedSession_CountersNeverDecrease(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	var prev progressdomain.Record
	for i, o := range []progressdomain.Outcome{outcome("flags", 3, 2), outcome("flags", 0, 0), outcome("flags", 1, 5)} {
		res, _ := h.engine.RecordCompletedSession(ctx, "u1", o)
		r := res.Record
		if r.CorrectAnswers < prev.CorrectAnswers || r.WrongAnswers < prev.WrongAnswers || r.TotalGames != uint(i+1) || r.BestStreak < prev.BestStreak {
			t.Fatalf("step %d: %+v after %+v", i, r, prev)
		}
		prev = r
	}
}

func TestRecordCompletedSession_ConcurrentUpdatesAreSerialized(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	h.conn.set(false)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cat := "flags"
			if i%2 == 1 {
				cat = "capitals"
			}
			_, _ = h.engine.RecordCompletedSession(ctx, "u1", outcome(cat, 1, 0))
		}(i)
	}
	wg.Wait()

	records, err := h.engine.Records(ctx, "u1")
	if err != nil || len(records) != 2 {
		t.Fatalf("records = %+v, %v", records, err)
	}
	for _, r := range records {
		if r.TotalGames != n/2 || r.CorrectAnswers != n/2 {
			t.Errorf("%s = %+v", r.Category, r)
		}
	}
}

func TestMigrateAnonymousProgress_FoldsExactlyOnce(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	if _, err := h.engine.RecordCompletedSession(ctx, "", outcome("countries", 5, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.RecordCompletedSession(ctx, "", outcome("countries", 3, 1)); err != nil {
		t.Fatal(err)
	}
	u := h.sessions.signIn("u1")

	res, err := h.engine.MigrateAnonymousProgress(ctx, u)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if res.Migrated != 2 || !res.ServerAccepted {
		t.Errorf("result = %+v", res)
	}
	again, err := h.engine.MigrateAnonymousProgress(ctx, u)
	if err != nil || again.Migrated != 0 {
		t.Errorf("second migrate = %+v, %v", again, err)
	}

	records, _ := h.engine.Records(ctx, "u1")
	if len(records) != 1 {
		t.Fatalf("records = %+v", records)
	}
	r := records[0]
	if r.Category != "countries" || r.CorrectAnswers != 8 || r.WrongAnswers != 3 || r.TotalGames != 2 {
		t.Errorf("record = %+v", r)
	}
	if list, _ := h.engine.AnonymousSessions(ctx); len(list) != 0 {
		t.Errorf("anonymous list not cleared: %+v", list)
	}
	if anon, _ := h.engine.Records(ctx, progressdomain.AnonymousUserID); len(anon) != 0 {
		t.Errorf("anonymous records not cleared: %+v", anon)
	}
	if len(h.gateway.migrated) != 1 || len(h.gateway.migrated[0]) != 2 {
		t.Errorf("server migrate calls = %+v", h.gateway.migrated)
	}
}

func TestMigrateAnonymousProgress_ServerFailureQueuesAndStillFolds(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.gateway.migErr = apperror.New(apperror.KindNetworkUnavailable, "down")
	if _, err := h.engine.SaveTempSession(ctx, outcome("flags", 2, 2)); err != nil {
		t.Fatal(err)
	}
	u := h.sessions.signIn("u1")

	res, err := h.engine.MigrateAnonymousProgress(ctx, u)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if res.ServerAccepted || res.Queued != 1 || res.Migrated != 1 {
		t.Errorf("result = %+v", res)
	}
	if !h.engine.HasPendingOfflineSessions(ctx) {
		t.Error("expected migrated session to be queued")
	}
	if _, ok, _ := h.engine.TempSession(ctx); ok {
		t.Error("temp session not consumed")
	}
	records, _ := h.engine.Records(ctx, "u1")
	if len(records) != 1 || records[0].TotalGames != 1 {
		t.Errorf("records = %+v", records)
	}
}

func TestSyncProgress_MergesServerAndBacksUp(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	h.conn.set(false)
	_, _ = h.engine.RecordCompletedSession(ctx, "u1", outcome("flags", 2, 1))
	h.conn.set(true)

	later := t0.Add(time.Hour)
	h.gateway.aggregate = &progressdomain.AggregateStats{
		FromServer: true,
		Categories: []progressdomain.Record{
			{Category: "flags", CorrectAnswers: 10, WrongAnswers: 0, TotalGames: 3, BestStreak: 6, LastPlayedAt: later},
			{Category: "capitals", CorrectAnswers: 1, TotalGames: 1, LastPlayedAt: t0},
		},
	}

	stats, err := h.engine.SyncProgress(ctx, "u1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if h.gateway.savedCount() != 1 {
		t.Errorf("queued save should be drained first, saved = %d", h.gateway.savedCount())
	}
	if stats.TotalGames != 4 || !stats.FromServer || len(stats.Categories) != 2 {
		t.Errorf("stats = %+v", stats)
	}
	records, _ := h.engine.Records(ctx, "u1")
	flags := records[1]
	if flags.Category != "flags" || flags.CorrectAnswers != 10 || flags.WrongAnswers != 1 || !flags.LastPlayedAt.Equal(later) {
		t.Errorf("flags = %+v", flags)
	}

	var backup []progressdomain.Record
	if ok, _ := store.GetJSON(ctx, h.store, h.keys.ProgressBackup("u1"), &backup); !ok || len(backup) != 1 || backup[0].CorrectAnswers != 2 {
		t.Errorf("backup = %+v", backup)
	}

	// Syncing again with the same server view changes nothing.
	if _, err := h.engine.SyncProgress(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	again, _ := h.engine.Records(ctx, "u1")
	if again[1] != flags {
		t.Errorf("second sync changed record: %+v vs %+v", again[1], flags)
	}
}

func TestSyncProgress_SurfacesFailure(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	h.gateway.aggErr = apperror.New(apperror.KindNetworkUnavailable, "down")

	if _, err := h.engine.SyncProgress(ctx, "u1"); !apperror.IsKind(err, apperror.KindNetworkUnavailable) {
		t.Errorf("err = %v", err)
	}
	if _, err := h.engine.SyncProgress(ctx, "someone-else"); !errors.Is(err, apperror.ErrNotAuthenticated) {
		t.Errorf("err = %v", err)
	}
}

func TestGetAggregateStats_FallsBackToLocal(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()

	zero := h.engine.GetAggregateStats(ctx, "u1")
	if zero.TotalGames != 0 || zero.FromServer {
		t.Errorf("zero stats = %+v", zero)
	}

	h.sessions.signIn("u1")
	h.conn.set(false)
	_, _ = h.engine.RecordCompletedSession(ctx, "u1", outcome("flags", 3, 1))
	_, _ = h.engine.RecordCompletedSession(ctx, "u1", outcome("capitals", 1, 1))
	h.gateway.aggErr = errors.New("boom")

	stats := h.engine.GetAggregateStats(ctx, "u1")
	if stats.FromServer || stats.TotalGames != 2 || stats.CorrectAnswers != 4 || stats.WrongAnswers != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Accuracy != 4.0/6.0 {
		t.Errorf("accuracy = %v", stats.Accuracy)
	}

	h.gateway.aggErr = nil
	h.gateway.aggregate = &progressdomain.AggregateStats{TotalGames: 9, FromServer: true}
	if got := h.engine.GetAggregateStats(ctx, "u1"); got.TotalGames != 9 || !got.FromServer {
		t.Errorf("server stats = %+v", got)
	}
}

func TestClearProgress_BacksUpAndRestores(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	h.conn.set(false)
	_, _ = h.engine.RecordCompletedSession(ctx, "u1", outcome("flags", 3, 1))

	if err := h.engine.ClearProgress(ctx, "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if records, _ := h.engine.Records(ctx, "u1"); len(records) != 0 {
		t.Errorf("records after clear = %+v", records)
	}
	restored, err := h.engine.RestoreBackup(ctx, "u1")
	if err != nil || len(restored) != 1 || restored[0].CorrectAnswers != 3 {
		t.Errorf("restore = %+v, %v", restored, err)
	}
	if _, err := h.engine.RestoreBackup(ctx, "nobody"); !apperror.IsKind(err, apperror.KindValidationFailed) {
		t.Errorf("missing backup err = %v", err)
	}
}

func TestAfterAuthentication_MigratesThenSyncs(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	_, _ = h.engine.RecordCompletedSession(ctx, "", outcome("countries", 2, 0))
	u := h.sessions.signIn("u1")
	h.gateway.aggErr = errors.New("server down")

	h.engine.AfterAuthentication(ctx, u)

	records, _ := h.engine.Records(ctx, "u1")
	if len(records) != 1 || records[0].CorrectAnswers != 2 {
		t.Errorf("records = %+v", records)
	}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestAfterAuthentication_ReportsExpiredSessionOnSync(t *testing.T) {
	h := newEngineHarness()
	logs := captureLog(t)
	u := h.sessions.signIn("u1")
	h.gateway.aggErr = apperror.New(apperror.KindSessionExpired, apperror.SessionExpiredMessage)

	h.engine.AfterAuthentication(context.Background(), u)

	if h.gateway.aggregateCalls() != 1 {
		t.Fatalf("aggregate calls = %d, want 1", h.gateway.aggregateCalls())
	}
	if !strings.Contains(logs.String(), "auto-sync failed") {
		t.Errorf("expired session during sync was not reported; log = %q", logs.String())
	}
}

func TestAfterAuthentication_SkipsSyncForSignedOutUser(t *testing.T) {
	h := newEngineHarness()
	logs := captureLog(t)

	h.engine.AfterAuthentication(context.Background(), userdomain.User{ID: "u1"})

	if h.gateway.aggregateCalls() != 0 {
		t.Errorf("aggregate calls = %d, want 0", h.gateway.aggregateCalls())
	}
	if strings.Contains(logs.String(), "auto-sync failed") {
		t.Errorf("unexpected sync failure log: %q", logs.String())
	}
}

func TestRecordCompletedSession_EventUsesEngineClock(t *testing.T) {
	h := newEngineHarness()
	h.sessions.signIn("u1")

	if _, err := h.engine.RecordCompletedSession(context.Background(), "u1", outcome("flags", 1, 0)); err != nil {
		t.Fatalf("record: %v", err)
	}
	events := h.events.wait(t, 1)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.EventType != telemetry.EventSessionRecorded || !ev.CreatedAt.Equal(t0) {
		t.Errorf("event = %+v, want %s at %s", ev, telemetry.EventSessionRecorded, t0)
	}
}

func TestReplaySave_DropsCorruptPayload(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	if _, err := h.queue.Enqueue(ctx, offline.KindSaveSession, json.RawMessage(`"not a session"`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := h.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Dropped != 1 || res.Remaining != 0 || h.gateway.savedCount() != 0 {
		t.Errorf("result = %+v, saved = %d", res, h.gateway.savedCount())
	}
}

func TestOnConnectivityChange_DrainsWhenOnline(t *testing.T) {
	h := newEngineHarness()
	ctx := context.Background()
	h.sessions.signIn("u1")
	h.conn.set(false)
	_, _ = h.engine.RecordCompletedSession(ctx, "u1", outcome("flags", 1, 0))

	h.conn.set(true)
	h.engine.OnConnectivityChange(true)

	deadline := time.Now().Add(2 * time.Second)
	for h.engine.HasPendingOfflineSessions(ctx) {
		if time.Now().After(deadline) {
			t.Fatal("queue was not drained")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.gateway.savedCount() != 1 {
		t.Errorf("saved = %d", h.gateway.savedCount())
	}
}

// Package service is the progress sync engine: it records completed games locally first, pushes
// them to the game-stats API (or the offline queue), migrates anonymous play after sign-in and
// reconciles local records with the server's aggregate.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"geo-quiz/client/internal/apperror"
	"geo-quiz/client/internal/clock"
	"geo-quiz/client/internal/offline"
	progressdomain "geo-quiz/client/internal/progress/domain"
	"geo-quiz/client/internal/store"
	"geo-quiz/client/internal/telemetry"
	userdomain "geo-quiz/client/internal/user/domain"
)

// GameStatsGateway is the game-stats REST API.
type GameStatsGateway interface {
	SaveSession(ctx context.Context, p progressdomain.SessionPayload, accessToken string) (*progressdomain.SavedSession, error)
	GetAggregate(ctx context.Context, accessToken string) (*progressdomain.AggregateStats, error)
	MigrateAnonymous(ctx context.Context, sessions []progressdomain.AnonymousSession, accessToken string) error
}

// Sessions is the view of the session manager the engine needs.
type Sessions interface {
	CurrentUser() (userdomain.User, bool)
	AccessToken(ctx context.Context) (string, error)
}

// Connectivity reports the passive online state.
type Connectivity interface {
	IsOnline() bool
}

// OfflineQueue is the durable queue deferred saves go to.
type OfflineQueue interface {
	Register(kind offline.Kind, h offline.Handler)
	Enqueue(ctx context.Context, kind offline.Kind, payload any) (offline.Operation, error)
	Drain(ctx context.Context) (offline.DrainResult, error)
	HasPendingKind(ctx context.Context, kind offline.Kind) bool
}

// Deps are the Engine collaborators. Emitter may be nil.
type Deps struct {
	Gateway      GameStatsGateway
	Sessions     Sessions
	Connectivity Connectivity
	Queue        OfflineQueue
	Store        store.Store
	Keys         store.Keys
	Clock        clock.Clock
	Emitter      telemetry.EventEmitter
}

// Engine is the progress sync engine. It is safe for concurrent use.
type Engine struct {
	gateway GameStatsGateway
	session Sessions
	conn    Connectivity
	queue   OfflineQueue
	store   store.Store
	keys    store.Keys
	clock   clock.Clock
	emitter telemetry.EventEmitter

	locks *keyedMutex
	// anonMu makes "read anonymous sessions, fold, clear" one step.
	anonMu sync.Mutex
}

// NewEngine returns an Engine and registers its save handler on the queue.
func NewEngine(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	e := &Engine{
		gateway: d.Gateway,
		session: d.Sessions,
		conn:    d.Connectivity,
		queue:   d.Queue,
		store:   d.Store,
		keys:    d.Keys,
		clock:   d.Clock,
		emitter: d.Emitter,
		locks:   newKeyedMutex(),
	}
	if e.queue != nil {
		e.queue.Register(offline.KindSaveSession, e.replaySave)
	}
	return e
}

// RecordResult reports where a completed session went.
type RecordResult struct {
	Record    progressdomain.Record `json:"record"`
	Anonymous bool                  `json:"anonymous"`
	Saved     bool                  `json:"saved"`
	Queued    bool                  `json:"queued"`
}

// RecordCompletedSession updates the local record first, then (authenticated and online) saves
// to the server, falling back to the offline queue on failure; offline it queues directly.
// Unauthenticated play is recorded under progressdomain.AnonymousUserID and appended to the
// anonymous-session list. Storage and network failures are logged, never returned.
func (e *Engine) RecordCompletedSession(ctx context.Context, userID string, o progressdomain.Outcome) (RecordResult, error) {
	if o.Category == "" {
		return RecordResult{}, apperror.New(apperror.KindValidationFailed, "category is required")
	}
	if o.End.IsZero() {
		o.End = e.clock.Now()
	}
	if o.Start.IsZero() || o.Start.After(o.End) {
		o.Start = o.End
	}

	authenticated := e.isCurrentUser(userID)
	owner := userID
	if !authenticated {
		owner = progressdomain.AnonymousUserID
	}
	var res RecordResult
	rec, err := e.applyLocal(ctx, owner, o)
	if err != nil {
		log.Printf("progress: local update failed: %v", err)
	}
	res.Record = rec

	if !authenticated {
		res.Anonymous = true
		if err := e.appendAnonymous(ctx, o); err != nil {
			log.Printf("progress: store anonymous session: %v", err)
		}
		telemetry.EmitAsync(e.emitter, ctx, telemetry.NewEventAt(telemetry.EventSessionRecorded, "", e.clock.Now(), map[string]any{"category": o.Category, "anonymous": true}))
		return res, nil
	}

	payload := progressdomain.NewSessionPayload(uuid.NewString(), userID, o)
	if e.online() {
		err := e.save(ctx, payload)
		if err == nil {
			res.Saved = true
			telemetry.EmitAsync(e.emitter, ctx, telemetry.NewEventAt(telemetry.EventSessionRecorded, userID, e.clock.Now(), map[string]any{"category": o.Category}))
			return res, nil
		}
		log.Printf("progress: direct save failed, queueing: %v", err)
	}
	res.Queued = e.enqueue(ctx, payload)
	return res, nil
}

// GetAggregateStats prefers the server's aggregate for the authenticated user and falls back to
// summing local records. It never fails; with no data the stats are zero.
func (e *Engine) GetAggregateStats(ctx context.Context, userID string) progressdomain.AggregateStats {
	if e.isCurrentUser(userID) {
		if token, err := e.session.AccessToken(ctx); err == nil {
			stats, err := e.gateway.GetAggregate(ctx, token)
			if err == nil {
				return *stats
			}
			log.Printf("progress: server aggregate unavailable, using local: %v", err)
		}
	}
	owner := userID
	if owner == "" {
		owner = progressdomain.AnonymousUserID
	}
	records, err := e.Records(ctx, owner)
	if err != nil {
		log.Printf("progress: read local records: %v", err)
		return progressdomain.Sum(nil)
	}
	return progressdomain.Sum(records)
}

// HasPendingOfflineSessions reports whether saves are waiting in the offline queue.
func (e *Engine) HasPendingOfflineSessions(ctx context.Context) bool {
	if e.queue == nil {
		return false
	}
	return e.queue.HasPendingKind(ctx, offline.KindSaveSession)
}

// Records returns the local records of userID sorted by category.
func (e *Engine) Records(ctx context.Context, userID string) ([]progressdomain.Record, error) {
	var records []progressdomain.Record
	if _, err := store.GetJSON(ctx, e.store, e.keys.Progress(userID), &records); err != nil {
		return nil, err
	}
	progressdomain.SortByCategory(records)
	return records, nil
}

// ClearProgress deletes the local records of userID after writing them to the backup key.
func (e *Engine) ClearProgress(ctx context.Context, userID string) error {
	if userID == "" {
		return apperror.New(apperror.KindValidationFailed, "user id is required")
	}
	unlock := e.locks.Lock(userKey(userID))
	defer unlock()
	records, err := e.Records(ctx, userID)
	if err != nil {
		return fmt.Errorf("progress: clear: %w", err)
	}
	if err := e.backupLocked(ctx, userID, records); err != nil {
		return err
	}
	if err := e.store.Remove(ctx, e.keys.Progress(userID)); err != nil {
		return fmt.Errorf("progress: clear: %w", err)
	}
	return nil
}

// RestoreBackup merges the last backup of userID back into its local records.
func (e *Engine) RestoreBackup(ctx context.Context, userID string) ([]progressdomain.Record, error) {
	unlock := e.locks.Lock(userKey(userID))
	defer unlock()
	var backup []progressdomain.Record
	ok, err := store.GetJSON(ctx, e.store, e.keys.ProgressBackup(userID), &backup)
	if err != nil {
		return nil, fmt.Errorf("progress: read backup: %w", err)
	}
	if !ok {
		return nil, apperror.New(apperror.KindValidationFailed, "no progress backup")
	}
	current, err := e.Records(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("progress: restore: %w", err)
	}
	merged := progressdomain.MergeAll(userID, current, backup)
	if err := store.SetJSON(ctx, e.store, e.keys.Progress(userID), merged); err != nil {
		return nil, fmt.Errorf("progress: restore: %w", err)
	}
	return merged, nil
}

// OnConnectivityChange drains the offline queue when connectivity returns while signed in.
func (e *Engine) OnConnectivityChange(online bool) {
	user, ok := e.session.CurrentUser()
	telemetry.EmitAsync(e.emitter, context.Background(), telemetry.NewEventAt(telemetry.EventConnectivityChanged, user.ID, e.clock.Now(), map[string]bool{"online": online}))
	if !online || !ok || e.queue == nil {
		return
	}
	go func() {
		res, err := e.queue.Drain(context.Background())
		if err != nil {
			log.Printf("progress: drain on reconnect failed: %v", err)
			return
		}
		if res.Drained > 0 || res.Failed > 0 {
			log.Printf("progress: drained %d queued operation(s) on reconnect, %d still pending", res.Drained, res.Remaining)
		}
	}()
}

func (e *Engine) isCurrentUser(userID string) bool {
	if userID == "" || userID == progressdomain.AnonymousUserID || e.session == nil {
		return false
	}
	u, ok := e.session.CurrentUser()
	return ok && u.ID == userID
}

func (e *Engine) online() bool {
	return e.conn == nil || e.conn.IsOnline()
}

// applyLocal adds o to the (owner, category) record.
func (e *Engine) applyLocal(ctx context.Context, owner string, o progressdomain.Outcome) (progressdomain.Record, error) {
	unlockCat := e.locks.Lock(categoryKey(owner, o.Category))
	defer unlockCat()
	unlock := e.locks.Lock(userKey(owner))
	defer unlock()

	records, err := e.Records(ctx, owner)
	if err != nil {
		return progressdomain.Record{}, err
	}
	rec := progressdomain.Record{UserID: owner, Category: o.Category}
	idx := -1
	for i, r := range records {
		if r.Category == o.Category {
			rec, idx = r, i
			break
		}
	}
	rec = rec.Apply(o)
	if idx >= 0 {
		records[idx] = rec
	} else {
		records = append(records, rec)
	}
	progressdomain.SortByCategory(records)
	if err := store.SetJSON(ctx, e.store, e.keys.Progress(owner), records); err != nil {
		return rec, err
	}
	return rec, nil
}

func (e *Engine) backupLocked(ctx context.Context, userID string, records []progressdomain.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := store.SetJSON(ctx, e.store, e.keys.ProgressBackup(userID), records); err != nil {
		return fmt.Errorf("progress: backup: %w", err)
	}
	return nil
}

func (e *Engine) save(ctx context.Context, p progressdomain.SessionPayload) error {
	token, err := e.session.AccessToken(ctx)
	if err != nil {
		return err
	}
	_, err = e.gateway.SaveSession(ctx, p, token)
	return err
}

func (e *Engine) enqueue(ctx context.Context, p progressdomain.SessionPayload) bool {
	if e.queue == nil {
		return false
	}
	if _, err := e.queue.Enqueue(ctx, offline.KindSaveSession, p); err != nil {
		log.Printf("progress: enqueue save: %v", err)
		telemetry.CaptureError(err, map[string]string{"component": "progress", "op": "enqueue"})
		return false
	}
	telemetry.EmitAsync(e.emitter, ctx, telemetry.NewEventAt(telemetry.EventSessionQueued, p.UserID, e.clock.Now(), map[string]string{"category": p.Category}))
	return true
}

// replaySave is the offline queue handler for KindSaveSession.
func (e *Engine) replaySave(ctx context.Context, op offline.Operation, accessToken string) error {
	var p progressdomain.SessionPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return offline.Undeliverable(apperror.Wrap(apperror.KindValidationFailed, "decode queued session", err))
	}
	_, err := e.gateway.SaveSession(ctx, p, accessToken)
	return err
}

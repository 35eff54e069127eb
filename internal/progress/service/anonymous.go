package service

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"geo-quiz/client/internal/apperror"
	progressdomain "geo-quiz/client/internal/progress/domain"
	"geo-quiz/client/internal/store"
	"geo-quiz/client/internal/telemetry"
	userdomain "geo-quiz/client/internal/user/domain"
)

// MigrationResult reports a migration pass.
type MigrationResult struct {
	Migrated       int  `json:"migrated"`
	ServerAccepted bool `json:"serverAccepted"`
	Queued         int  `json:"queued"`
}

// SaveTempSession keeps o as the single most recent unsaved anonymous session, replacing any
// previous one. Migration consumes it.
func (e *Engine) SaveTempSession(ctx context.Context, o progressdomain.Outcome) (progressdomain.AnonymousSession, error) {
	if o.Category == "" {
		return progressdomain.AnonymousSession{}, apperror.New(apperror.KindValidationFailed, "category is required")
	}
	a := e.newAnonymous(o)
	if err := store.SetJSON(ctx, e.store, e.keys.TempSession(), a); err != nil {
		return progressdomain.AnonymousSession{}, fmt.Errorf("progress: save temp session: %w", err)
	}
	return a, nil
}

// TempSession returns the pending temp session, if any.
func (e *Engine) TempSession(ctx context.Context) (progressdomain.AnonymousSession, bool, error) {
	var a progressdomain.AnonymousSession
	ok, err := store.GetJSON(ctx, e.store, e.keys.TempSession(), &a)
	return a, ok, err
}

// AnonymousSessions returns the sessions waiting for migration.
func (e *Engine) AnonymousSessions(ctx context.Context) ([]progressdomain.AnonymousSession, error) {
	var list []progressdomain.AnonymousSession
	_, err := store.GetJSON(ctx, e.store, e.keys.AnonymousSessions(), &list)
	return list, err
}

// MigrateAnonymousProgress moves anonymous play (the anonymous-session list plus the temp session)
// to user. The server bulk-migrate is attempted first; if it fails each session is queued as a
// save. Regardless of the server, every session is folded into the user's local records exactly
// once and the anonymous state is cleared. A second call with nothing new is a no-op.
func (e *Engine) MigrateAnonymousProgress(ctx context.Context, user userdomain.User) (MigrationResult, error) {
	if user.ID == "" {
		return MigrationResult{}, apperror.New(apperror.KindValidationFailed, "user id is required")
	}
	e.anonMu.Lock()
	defer e.anonMu.Unlock()

	sessions, err := e.AnonymousSessions(ctx)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("progress: read anonymous sessions: %w", err)
	}
	if temp, ok, err := e.TempSession(ctx); err != nil {
		log.Printf("progress: read temp session: %v", err)
	} else if ok && !containsSession(sessions, temp.ID) {
		sessions = append(sessions, temp)
	}
	if len(sessions) == 0 {
		return MigrationResult{}, nil
	}

	res := MigrationResult{Migrated: len(sessions)}
	if err := e.migrateRemote(ctx, user, sessions); err != nil {
		log.Printf("progress: server migration failed, queueing sessions: %v", err)
		for _, s := range sessions {
			payload := progressdomain.NewSessionPayload(s.ID, user.ID, s.Outcome())
			if e.enqueue(ctx, payload) {
				res.Queued++
			}
		}
	} else {
		res.ServerAccepted = true
	}

	if err := e.fold(ctx, user.ID, sessions); err != nil {
		return res, err
	}
	for _, key := range []string{e.keys.AnonymousSessions(), e.keys.TempSession(), e.keys.Progress(progressdomain.AnonymousUserID)} {
		if err := e.store.Remove(ctx, key); err != nil {
			return res, fmt.Errorf("progress: clear anonymous state: %w", err)
		}
	}
	telemetry.EmitAsync(e.emitter, ctx, telemetry.NewEventAt(telemetry.EventMigration, user.ID, e.clock.Now(), res))
	return res, nil
}

func (e *Engine) migrateRemote(ctx context.Context, user userdomain.User, sessions []progressdomain.AnonymousSession) error {
	if !e.isCurrentUser(user.ID) {
		return apperror.ErrNotAuthenticated
	}
	if !e.online() {
		return apperror.New(apperror.KindNetworkUnavailable, "offline")
	}
	token, err := e.session.AccessToken(ctx)
	if err != nil {
		return err
	}
	return e.gateway.MigrateAnonymous(ctx, sessions, token)
}

// fold applies every session to the user's records in one write.
func (e *Engine) fold(ctx context.Context, userID string, sessions []progressdomain.AnonymousSession) error {
	unlock := e.locks.Lock(userKey(userID))
	defer unlock()
	records, err := e.Records(ctx, userID)
	if err != nil {
		return fmt.Errorf("progress: fold: %w", err)
	}
	byCat := make(map[string]int, len(records))
	for i, r := range records {
		byCat[r.Category] = i
	}
	for _, s := range sessions {
		o := s.Outcome()
		i, ok := byCat[o.Category]
		if !ok {
			records = append(records, progressdomain.Record{UserID: userID, Category: o.Category})
			i = len(records) - 1
			byCat[o.Category] = i
		}
		records[i] = records[i].Apply(o)
	}
	progressdomain.SortByCategory(records)
	if err := store.SetJSON(ctx, e.store, e.keys.Progress(userID), records); err != nil {
		return fmt.Errorf("progress: fold: %w", err)
	}
	return nil
}

// appendAnonymous records o for later migration. A temp session is superseded by it.
func (e *Engine) appendAnonymous(ctx context.Context, o progressdomain.Outcome) error {
	e.anonMu.Lock()
	defer e.anonMu.Unlock()
	list, err := e.AnonymousSessions(ctx)
	if err != nil {
		return err
	}
	list = append(list, e.newAnonymous(o))
	if err := store.SetJSON(ctx, e.store, e.keys.AnonymousSessions(), list); err != nil {
		return err
	}
	return e.store.Remove(ctx, e.keys.TempSession())
}

func (e *Engine) newAnonymous(o progressdomain.Outcome) progressdomain.AnonymousSession {
	return progressdomain.AnonymousSession{
		ID:             uuid.NewString(),
		Category:       o.Category,
		CorrectAnswers: o.Correct,
		WrongAnswers:   o.Wrong,
		SessionStart:   o.Start,
		SessionEnd:     o.End,
		RecordedAt:     e.clock.Now(),
	}
}

func containsSession(list []progressdomain.AnonymousSession, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

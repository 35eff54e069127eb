package service

import (
	"context"
	"fmt"
	"log"

	"geo-quiz/client/internal/apperror"
	progressdomain "geo-quiz/client/internal/progress/domain"
	"geo-quiz/client/internal/store"
	"geo-quiz/client/internal/telemetry"
	userdomain "geo-quiz/client/internal/user/domain"
)

// SyncProgress drains the offline queue, fetches the server aggregate and merges it into the
// local records (max of counters, later lastPlayedAt). The previous local list is backed up
// before being replaced. Unlike the gameplay operations, a terminal failure is returned.
func (e *Engine) SyncProgress(ctx context.Context, userID string) (progressdomain.AggregateStats, error) {
	stats, err := e.syncProgress(ctx, userID)
	if err != nil {
		telemetry.EmitAsync(e.emitter, ctx, telemetry.NewEventAt(telemetry.EventSyncFailed, userID, e.clock.Now(), map[string]string{"error": err.Error()}))
		return stats, err
	}
	telemetry.EmitAsync(e.emitter, ctx, telemetry.NewEventAt(telemetry.EventSync, userID, e.clock.Now(), map[string]uint{"categories": uint(len(stats.Categories))}))
	return stats, nil
}

func (e *Engine) syncProgress(ctx context.Context, userID string) (progressdomain.AggregateStats, error) {
	if !e.isCurrentUser(userID) {
		return e.localStats(ctx, userID), apperror.ErrNotAuthenticated
	}
	if e.queue != nil {
		if _, err := e.queue.Drain(ctx); err != nil {
			log.Printf("progress: drain before sync failed: %v", err)
		}
	}
	token, err := e.session.AccessToken(ctx)
	if err != nil {
		return e.localStats(ctx, userID), err
	}
	server, err := e.gateway.GetAggregate(ctx, token)
	if err != nil {
		return e.localStats(ctx, userID), err
	}

	unlock := e.locks.Lock(userKey(userID))
	defer unlock()
	local, err := e.Records(ctx, userID)
	if err != nil {
		return *server, fmt.Errorf("progress: sync read: %w", err)
	}
	if err := e.backupLocked(ctx, userID, local); err != nil {
		return *server, err
	}
	merged := progressdomain.MergeAll(userID, local, server.Categories)
	if err := store.SetJSON(ctx, e.store, e.keys.Progress(userID), merged); err != nil {
		return *server, fmt.Errorf("progress: sync write: %w", err)
	}
	out := progressdomain.Sum(merged)
	out.FromServer = true
	return out, nil
}

func (e *Engine) localStats(ctx context.Context, userID string) progressdomain.AggregateStats {
	records, err := e.Records(ctx, userID)
	if err != nil {
		return progressdomain.Sum(nil)
	}
	return progressdomain.Sum(records)
}

// AfterAuthentication is the post-authentication hook: it migrates anonymous play and then
// syncs. Failures are logged and reported, never returned. Sync is skipped when user is no longer
// the signed-in user.
func (e *Engine) AfterAuthentication(ctx context.Context, user userdomain.User) {
	if _, err := e.MigrateAnonymousProgress(ctx, user); err != nil {
		log.Printf("progress: migration failed: %v", err)
		telemetry.CaptureError(err, map[string]string{"component": "progress", "op": "migrate"})
	}
	if !e.isCurrentUser(user.ID) {
		return
	}
	if _, err := e.SyncProgress(ctx, user.ID); err != nil {
		log.Printf("progress: auto-sync failed: %v", err)
		telemetry.CaptureError(err, map[string]string{"component": "progress", "op": "sync"})
	}
}

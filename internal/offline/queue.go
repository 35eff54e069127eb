// Package offline is the offline queue processor: a durable FIFO of operations that could not be
// sent (no connectivity or a failed direct write), replayed against their gateway by Drain.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"geo-quiz/client/internal/apperror"
	"geo-quiz/client/internal/clock"
	"geo-quiz/client/internal/store"
	"geo-quiz/client/internal/telemetry"
)

// Kind names a queued operation type. Each kind has its own FIFO order and handler.
type Kind string

// KindSaveSession is a game-stats save of one completed session.
const KindSaveSession Kind = "save_session"

// Operation is one pending operation.
type Operation struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

// Handler replays one operation with a valid access token. A nil error acknowledges it.
type Handler func(ctx context.Context, op Operation, accessToken string) error

// ErrUndeliverable marks an operation that can never be replayed, such as a payload that no longer
// decodes. Server rejections are not undeliverable: they stay queued.
var ErrUndeliverable = errors.New("offline: operation is undeliverable")

// Undeliverable wraps err so Drain drops the operation instead of keeping it.
func Undeliverable(err error) error {
	return fmt.Errorf("%w: %w", ErrUndeliverable, err)
}

// TokenSource supplies a fresh access token; it fails when nobody is authenticated.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// DrainResult summarises one pass.
type DrainResult struct {
	Drained   int `json:"drained"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// Queue is the offline queue. All list mutations go through mu; passes are serialised by drainMu.
type Queue struct {
	store   store.Store
	key     string
	clock   clock.Clock
	tokens  TokenSource
	metrics *telemetry.Metrics

	mu       sync.Mutex
	drainMu  sync.Mutex
	handlers map[Kind]Handler
}

// NewQueue returns a queue persisted at keys.OfflineQueue(). metrics may be nil.
func NewQueue(st store.Store, keys store.Keys, c clock.Clock, tokens TokenSource, metrics *telemetry.Metrics) *Queue {
	if c == nil {
		c = clock.Real{}
	}
	return &Queue{
		store:    st,
		key:      keys.OfflineQueue(),
		clock:    c,
		tokens:   tokens,
		metrics:  metrics,
		handlers: make(map[Kind]Handler),
	}
}

// Register sets the replay handler for kind.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue appends an operation. payload is stored as JSON.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("offline: encode %s payload: %w", kind, err)
	}
	op := Operation{ID: uuid.NewString(), Kind: kind, Payload: raw, EnqueuedAt: q.clock.Now()}

	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.loadLocked(ctx)
	if err != nil {
		return Operation{}, err
	}
	if err := q.saveLocked(ctx, append(ops, op)); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Pending returns the queued operations in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

// HasPending reports whether any operation is queued. Store errors read as false.
func (q *Queue) HasPending(ctx context.Context) bool {
	ops, err := q.Pending(ctx)
	if err != nil {
		log.Printf("offline: read queue: %v", err)
		return false
	}
	return len(ops) > 0
}

// HasPendingKind reports whether an operation of kind is queued.
func (q *Queue) HasPendingKind(ctx context.Context, kind Kind) bool {
	ops, err := q.Pending(ctx)
	if err != nil {
		log.Printf("offline: read queue: %v", err)
		return false
	}
	for _, op := range ops {
		if op.Kind == kind {
			return true
		}
	}
	return false
}

// Drain replays a snapshot of the queue. Acknowledged operations are removed; failed ones stay in
// place with their attempt count bumped, whatever the server answered. Only handlers returning
// ErrUndeliverable get their operation dropped. Operations enqueued during the pass wait for the next one. Drain only returns an error
// when the queue itself cannot be read or written; without an authenticated user it does nothing.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	token, err := q.token(ctx)
	if err != nil {
		return q.remaining(ctx)
	}
	return q.drain(ctx, token)
}

// RetryNow is the manual retry. Unlike Drain it fails with apperror.ErrNotAuthenticated when
// nobody is signed in.
func (q *Queue) RetryNow(ctx context.Context) (DrainResult, error) {
	token, err := q.token(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	return q.drain(ctx, token)
}

func (q *Queue) token(ctx context.Context) (string, error) {
	if q.tokens == nil {
		return "", apperror.ErrNotAuthenticated
	}
	token, err := q.tokens.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", apperror.ErrNotAuthenticated
	}
	return token, nil
}

func (q *Queue) remaining(ctx context.Context) (DrainResult, error) {
	ops, err := q.Pending(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	return DrainResult{Remaining: len(ops)}, nil
}

type outcome struct {
	done bool
	err  error
}

func (q *Queue) drain(ctx context.Context, token string) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	snapshot, err := q.loadLocked(ctx)
	handlers := make(map[Kind]Handler, len(q.handlers))
	for k, h := range q.handlers {
		handlers[k] = h
	}
	q.mu.Unlock()
	if err != nil {
		return DrainResult{}, err
	}
	if len(snapshot) == 0 {
		return DrainResult{}, nil
	}

	results := make(map[string]outcome, len(snapshot))
	perKind := make(map[Kind][2]int)
	var res DrainResult
	for _, op := range snapshot {
		h, ok := handlers[op.Kind]
		if !ok {
			results[op.ID] = outcome{err: fmt.Errorf("no handler for %s", op.Kind)}
			res.Failed++
			continue
		}
		err := h(ctx, op, token)
		counts := perKind[op.Kind]
		switch {
		case err == nil:
			results[op.ID] = outcome{done: true}
			res.Drained++
			counts[0]++
		case errors.Is(err, ErrUndeliverable):
			log.Printf("offline: dropping undeliverable %s %s: %v", op.Kind, op.ID, err)
			telemetry.CaptureError(err, map[string]string{"component": "offline", "kind": string(op.Kind)})
			results[op.ID] = outcome{done: true}
			res.Dropped++
		default:
			results[op.ID] = outcome{err: err}
			res.Failed++
			counts[1]++
		}
		perKind[op.Kind] = counts
	}
	for kind, c := range perKind {
		q.metrics.RecordDrain(ctx, string(kind), c[0], c[1])
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	current, err := q.loadLocked(ctx)
	if err != nil {
		return res, err
	}
	kept := current[:0]
	for _, op := range current {
		r, seen := results[op.ID]
		switch {
		case seen && r.done:
			continue
		case seen:
			op.Attempts++
			op.LastError = r.err.Error()
		}
		kept = append(kept, op)
	}
	if err := q.saveLocked(ctx, kept); err != nil {
		return res, err
	}
	res.Remaining = len(kept)
	if res.Failed > 0 {
		log.Printf("offline: %d operation(s) still pending after drain", res.Failed)
	}
	return res, nil
}

func (q *Queue) loadLocked(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	if _, err := store.GetJSON(ctx, q.store, q.key, &ops); err != nil {
		return nil, fmt.Errorf("offline: load queue: %w", err)
	}
	return ops, nil
}

func (q *Queue) saveLocked(ctx context.Context, ops []Operation) error {
	if len(ops) == 0 {
		if err := q.store.Remove(ctx, q.key); err != nil {
			return fmt.Errorf("offline: clear queue: %w", err)
		}
		return nil
	}
	if err := store.SetJSON(ctx, q.store, q.key, ops); err != nil {
		return fmt.Errorf("offline: save queue: %w", err)
	}
	return nil
}

// Package store is the Local Store Adapter: durable key-value persistence shared by the session,
// progress and offline-queue engines. Several processes may share one backend (Redis, Postgres),
// so callers must treat every read as a snapshot that can change underneath them.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a byte-oriented key-value store. Set replaces the whole value in one write, so a
// concurrent reader sees either the old or the new value.
type Store interface {
	// Get returns the value for key and ok false when the key does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// List returns the keys that start with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON decodes the JSON value at key into v. Returns false when the key does not exist.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v as JSON and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

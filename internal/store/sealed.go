package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedValue is returned when a sealed value cannot be opened (wrong key or tampered data).
var ErrSealedValue = errors.New("store: sealed value could not be opened")

// SealedStore encrypts values with XChaCha20-Poly1305 before handing them to the inner Store.
// Only keys accepted by match are sealed; others pass through. The key name is bound as
// additional data so a sealed value cannot be moved to another key.
type SealedStore struct {
	inner Store
	aead  cipherAEAD
	match func(key string) bool
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewSealedStore wraps inner. key must be 32 bytes. A nil match seals every key.
func NewSealedStore(inner Store, key []byte, match func(key string) bool) (*SealedStore, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("store: sealed key: %w", err)
	}
	if match == nil {
		match = func(string) bool { return true }
	}
	return &SealedStore{inner: inner, aead: aead, match: match}, nil
}

// Get opens the sealed value at key.
func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok || !s.match(key) {
		return raw, ok, err
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return nil, false, ErrSealedValue
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(key))
	if err != nil {
		return nil, false, ErrSealedValue
	}
	return plain, true, nil
}

// Set seals value (nonce || ciphertext) and stores it.
func (s *SealedStore) Set(ctx context.Context, key string, value []byte) error {
	if !s.match(key) {
		return s.inner.Set(ctx, key, value)
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	return s.inner.Set(ctx, key, s.aead.Seal(nonce, nonce, value, []byte(key)))
}

// Remove deletes key from the inner store.
func (s *SealedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

// List delegates to the inner store.
func (s *SealedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

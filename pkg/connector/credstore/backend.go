// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Backend when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrPersistence wraps every failure of the durable store. Callers can
// match it with errors.Is regardless of the backend in use.
var ErrPersistence = errors.New("credential store unavailable")

// Op is a single write in a batched Apply call. A Delete op ignores Value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// Backend is the key-value primitive the credential store is built on.
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns one entry per key, nil for keys that do not exist.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// KeysWithPrefix enumerates every key starting with prefix.
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
	// Apply executes all ops as one batch.
	Apply(ctx context.Context, ops []Op) error
	Ping(ctx context.Context) error
	Close() error
}

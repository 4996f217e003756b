// Package storage defines the key-value contract every credtrust store is
// built on, with in-memory, Redis and Postgres backends and a checkpointer
// that journals in-memory mutations into a durable backend.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credtrust/pkg/platform/sentinel"
)

// Error Contract:
// - Get and Take return sentinel.ErrNotFound for absent or expired keys
// - SetNX reports false (no error) when the key already holds a live value
// - backend failures are wrapped with context and sentinel.ErrUnavailable

// KV is the state store contract. A ttl of zero means no expiry.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only if key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Take atomically reads and deletes key.
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments the integer stored at key, starting from 0.
	Incr(ctx context.Context, key string) (int64, error)
	// Scan returns live entries whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
}

// Entry is a key with its value and optional expiry.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Purger is implemented by backends that keep expired rows until swept.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// GetJSON loads key and decodes it into T.
func GetJSON[T any](ctx context.Context, kv KV, key string) (T, error) {
	var out T
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, kv KV, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, raw, ttl)
}

// SetNXJSON is SetJSON with create-if-absent semantics.
func SetNXJSON(ctx context.Context, kv KV, key string, value any, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.SetNX(ctx, key, raw, ttl)
}

// IsNotFound reports whether err is the store's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
}

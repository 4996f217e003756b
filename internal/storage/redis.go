package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"credtrust/pkg/platform/sentinel"
)

// RedisKV is the shared-state backend for multi-instance deployments.
// SETNX, GETDEL and INCR give the single-writer transitions their atomicity.
type RedisKV struct {
	client    redis.UniversalClient
	namespace string
}

type RedisOption func(*RedisKV)

// WithNamespace prefixes every key, so several deployments can share a database.
func WithNamespace(ns string) RedisOption {
	return func(r *RedisKV) {
		r.namespace = ns
	}
}

func NewRedisKV(client redis.UniversalClient, opts ...RedisOption) *RedisKV {
	if client == nil {
		panic("storage: redis client is required")
	}
	r := &RedisKV{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("redis get", err)
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.namespace+key, value, ttl).Err(); err != nil {
		return unavailable("redis set", err)
	}
	return nil
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.namespace+key, value, ttl).Result()
	if err != nil {
		return false, unavailable("redis setnx", err)
	}
	return ok, nil
}

func (r *RedisKV) Take(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.GetDel(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("redis getdel", err)
	}
	return v, nil
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.namespace + k
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return unavailable("redis del", err)
	}
	return nil
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, r.namespace+key).Result()
	if err != nil {
		return 0, unavailable("redis incr", err)
	}
	return n, nil
}

// Scan walks the keyspace with SCAN MATCH and fetches values and TTLs in a
// pipeline. Keys that expire between the two steps are skipped.
func (r *RedisKV) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	pattern := escapeGlob(r.namespace+prefix) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("redis scan", err)
	}
	if len(keys) == 0 {
		return []Entry{}, nil
	}
	slices.Sort(keys)

	pipe := r.client.Pipeline()
	gets := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, k := range keys {
		gets[i] = pipe.Get(ctx, k)
		ttls[i] = pipe.PTTL(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("redis scan values", err)
	}

	now := time.Now()
	out := make([]Entry, 0, len(keys))
	for i, k := range keys {
		v, err := gets[i].Bytes()
		if err != nil {
			continue
		}
		e := Entry{Key: strings.TrimPrefix(k, r.namespace), Value: v}
		if d, err := ttls[i].Result(); err == nil && d > 0 {
			e.ExpiresAt = now.Add(d)
		}
		out = append(out, e)
	}
	return out, nil
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}

var _ KV = (*RedisKV)(nil)

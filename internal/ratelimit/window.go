package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"credtrust/internal/storage"
)

// Store counts requests for a key within a window.
type Store interface {
	Allow(ctx context.Context, key string, limit Limit) (Result, error)
}

// MemoryWindow is a per-process sliding window. Old timestamps are dropped on
// every check, so a burst at a window boundary cannot double the limit.
type MemoryWindow struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string][]time.Time
}

type MemoryOption func(*MemoryWindow)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryWindow) {
		m.now = now
	}
}

func NewMemoryWindow(opts ...MemoryOption) *MemoryWindow {
	m := &MemoryWindow{now: time.Now, buckets: make(map[string][]time.Time)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryWindow) Allow(_ context.Context, key string, limit Limit) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stamps := trim(m.buckets[key], now.Add(-limit.Window))
	res := Result{Limit: limit.Requests}
	if len(stamps) < limit.Requests {
		stamps = append(stamps, now)
		res.Allowed = true
	}
	m.buckets[key] = stamps
	res.Remaining = max(limit.Requests-len(stamps), 0)
	if len(stamps) > 0 {
		res.ResetAt = stamps[0].Add(limit.Window)
	} else {
		res.ResetAt = now.Add(limit.Window)
	}
	return res, nil
}

// Sweep drops buckets with no timestamps newer than window.
func (m *MemoryWindow) Sweep(window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-window)
	removed := 0
	for key, stamps := range m.buckets {
		if len(trim(stamps, cutoff)) == 0 {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed
}

func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}

const windowPrefix = "rl:"

// KVWindow is a fixed window counter kept in the shared store, so every
// instance behind a load balancer sees the same counts.
type KVWindow struct {
	kv  storage.KV
	now func() time.Time
}

func NewKVWindow(kv storage.KV, now func() time.Time) *KVWindow {
	if now == nil {
		now = time.Now
	}
	return &KVWindow{kv: kv, now: now}
}

func (w *KVWindow) Allow(ctx context.Context, key string, limit Limit) (Result, error) {
	now := w.now()
	start := now.Truncate(limit.Window)
	slot := windowPrefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	// Seed the counter with the window's TTL; Incr keeps it.
	if _, err := w.kv.SetNX(ctx, slot, []byte("0"), limit.Window); err != nil {
		return Result{}, err
	}
	n, err := w.kv.Incr(ctx, slot)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:   n <= int64(limit.Requests),
		Limit:     limit.Requests,
		Remaining: max(limit.Requests-int(n), 0),
		ResetAt:   start.Add(limit.Window),
	}, nil
}

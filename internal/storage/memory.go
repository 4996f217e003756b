package storage

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"credtrust/pkg/platform/sentinel"
)

// Op is the kind of a journaled mutation.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// Mutation is the delta produced by a MemoryKV command. Journals receive
// mutations in commit order.
type Mutation struct {
	Op        Op
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Journal receives committed mutations. It is called with the store lock held
// so mutations reach it in commit order; implementations must return promptly
// and must not call back into the store.
type Journal func(Mutation)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryKV keeps state in process memory for tests, development, and as the
// hot tier in front of a Checkpointer.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
	journal Journal
}

type MemoryOption func(*MemoryKV)

// WithClock sets the clock used for TTL comparisons.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryKV) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithJournal registers the mutation sink.
func WithJournal(j Journal) MemoryOption {
	return func(m *MemoryKV) {
		m.journal = j
	}
}

func NewMemoryKV(opts ...MemoryOption) *MemoryKV {
	m := &MemoryKV{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetJournal attaches a journal after construction, for wiring a
// Checkpointer once durable state has been loaded.
func (m *MemoryKV) SetJournal(j Journal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = j
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.expired(e) {
		return nil, fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	return slices.Clone(e.value), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, m.expiry(ttl))
	return nil
}

func (m *MemoryKV) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.setLocked(key, value, m.expiry(ttl))
	return true, nil
}

func (m *MemoryKV) Take(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	m.deleteLocked(key)
	if m.expired(e) {
		return nil, fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	return e.value, nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if _, ok := m.entries[key]; ok {
			m.deleteLocked(key)
		}
	}
	return nil
}

func (m *MemoryKV) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	e, ok := m.entries[key]
	if ok && !m.expired(e) {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		current = n
	} else {
		e = memoryEntry{}
	}
	current++
	m.setLocked(key, []byte(strconv.FormatInt(current, 10)), e.expiresAt)
	return current, nil
}

func (m *MemoryKV) Scan(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0)
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) || m.expired(e) {
			continue
		}
		out = append(out, Entry{Key: k, Value: slices.Clone(e.value), ExpiresAt: e.expiresAt})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// Purge drops expired entries and journals their deletion.
func (m *MemoryKV) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if m.expired(e) {
			m.deleteLocked(k)
			n++
		}
	}
	return n, nil
}

// Restore loads entries without journaling them. Used when replaying durable
// state at startup.
func (m *MemoryKV) Restore(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.Key] = memoryEntry{value: slices.Clone(e.Value), expiresAt: e.ExpiresAt}
	}
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryKV) setLocked(key string, value []byte, expiresAt time.Time) {
	v := slices.Clone(value)
	m.entries[key] = memoryEntry{value: v, expiresAt: expiresAt}
	if m.journal != nil {
		m.journal(Mutation{Op: OpSet, Key: key, Value: v, ExpiresAt: expiresAt})
	}
}

func (m *MemoryKV) deleteLocked(key string) {
	delete(m.entries, key)
	if m.journal != nil {
		m.journal(Mutation{Op: OpDelete, Key: key})
	}
}

func (m *MemoryKV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock().Add(ttl)
}

func (m *MemoryKV) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.clock().Before(e.expiresAt)
}

var (
	_ KV     = (*MemoryKV)(nil)
	_ Purger = (*MemoryKV)(nil)
)

package presentation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credtrust/internal/storage"
	"credtrust/pkg/platform/sentinel"
)

func TestRequestStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	kv := storage.NewMemoryKV(storage.WithClock(func() time.Time { return now }))
	store := NewRequestStore(kv)

	req := &Request{ID: "r1", Nonce: "n1", Purpose: "kyc", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, store.Create(ctx, req, time.Minute))

	err := store.Create(ctx, req, time.Minute)
	assert.True(t, errors.Is(err, sentinel.ErrConflict), "ids are never reused")

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.Nonce)

	require.NoError(t, store.Close(ctx, "r1"))
	assert.True(t, errors.Is(store.Close(ctx, "r1"), sentinel.ErrAlreadyUsed))

	_, err = store.Get(ctx, "r1")
	assert.True(t, errors.Is(err, sentinel.ErrNotFound))
}

func TestRequestStoreRestoresFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	durable := storage.NewMemoryKV()
	cp := storage.NewCheckpointer(durable)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = cp.Run(runCtx) }()

	mem := storage.NewMemoryKV(storage.WithJournal(cp.Record))
	req := &Request{ID: "r-restart", Nonce: "n", Purpose: "kyc", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, NewRequestStore(mem).Create(ctx, req, time.Hour))
	require.NoError(t, cp.Flush(ctx))

	restarted := storage.NewMemoryKV()
	n, err := cp.Load(ctx, restarted, requestPrefix)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := NewRequestStore(restarted).Get(ctx, "r-restart")
	require.NoError(t, err)
	assert.Equal(t, "n", got.Nonce)
}

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credtrust/internal/platform/config"
	"credtrust/internal/storage"
	"credtrust/pkg/requestcontext"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAPIKeysDropsUnknownRoles(t *testing.T) {
	keys := apiKeys(map[string]string{
		"k1": "issuer",
		"k2": "admin",
		"k3": "verifier",
		"k4": "root",
		"k5": "",
	}, discardLogger())

	assert.Len(t, keys, 3)
	assert.Equal(t, requestcontext.RoleIssuer, keys["k1"])
	assert.Equal(t, requestcontext.RoleAdmin, keys["k2"])
	assert.Equal(t, requestcontext.RoleVerifier, keys["k3"])
	assert.NotContains(t, keys, "k4")
	assert.NotContains(t, keys, "k5")
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	t.Run("memory without checkpoint", func(t *testing.T) {
		b, err := openBackends(ctx, config.Server{}, discardLogger())
		require.NoError(t, err)
		defer b.Close()

		_, ok := b.kv.(*storage.MemoryKV)
		assert.True(t, ok)
		assert.Nil(t, b.checkpointer)
		assert.Len(t, b.purgers, 1)
		assert.Empty(t, b.health)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := config.Server{Storage: config.StorageConfig{Backend: "cassandra"}}
		_, err := openBackends(ctx, cfg, discardLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cassandra")
	})

	t.Run("checkpoint target without url", func(t *testing.T) {
		cfg := config.Server{Storage: config.StorageConfig{Backend: "memory", Checkpoint: "redis"}}
		_, err := openBackends(ctx, cfg, discardLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CREDTRUST_REDIS_URL")
	})

	t.Run("postgres without url", func(t *testing.T) {
		cfg := config.Server{Storage: config.StorageConfig{Backend: "postgres"}}
		_, err := openBackends(ctx, cfg, discardLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CREDTRUST_DATABASE_URL")
	})
}

func TestLoadTemplatesDefaults(t *testing.T) {
	templates, err := loadTemplates("")
	require.NoError(t, err)
	_, ok := templates.Get("UniversityDegreeCredential")
	assert.True(t, ok)
}

func TestRateLimiterCountsInMemoryForMemoryBackend(t *testing.T) {
	cfg := config.RateLimitConfig{Window: time.Minute, PublicRequests: 1, PrivilegedRequests: 1}
	mw, window := rateLimiter(cfg, storage.NewMemoryKV(), discardLogger())
	require.NotNil(t, mw)
	assert.NotNil(t, window)
}

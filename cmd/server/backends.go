package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"credtrust/internal/platform/config"
	"credtrust/internal/platform/database"
	redisclient "credtrust/internal/platform/redis"
	"credtrust/internal/storage"
	httptransport "credtrust/internal/transport/http"
)

const redisNamespace = "credtrust:"

// backends holds the state store selected by configuration and whatever is
// needed to keep it healthy and shut it down.
type backends struct {
	kv           storage.KV
	checkpointer *storage.Checkpointer
	purgers      []storage.Purger
	health       map[string]httptransport.HealthCheck
	closers      []func() error
}

// openBackends builds the KV. The memory backend optionally journals into a
// durable backend through a checkpointer, replaying its state first so
// requests and grants created before a restart survive it.
func openBackends(ctx context.Context, cfg config.Server, logger *slog.Logger) (*backends, error) {
	b := &backends{health: map[string]httptransport.HealthCheck{}}

	switch cfg.Storage.Backend {
	case "", "memory":
		mem := storage.NewMemoryKV()
		b.kv = mem
		b.purgers = append(b.purgers, mem)
		if cfg.Storage.Checkpoint == "" {
			logger.WarnContext(ctx, "memory backend without checkpoint; state is lost on restart")
			return b, nil
		}
		durable, err := b.openDurable(ctx, cfg.Storage.Checkpoint, cfg)
		if err != nil {
			return nil, b.closeWith(err)
		}
		cp := storage.NewCheckpointer(durable,
			storage.WithCheckpointLogger(logger),
			storage.WithCheckpointMetrics(storage.NewMetrics()),
		)
		if _, err := cp.Load(ctx, mem); err != nil {
			return nil, b.closeWith(err)
		}
		mem.SetJournal(cp.Record)
		b.checkpointer = cp
		b.health["checkpoint"] = cp.Health
	default:
		kv, err := b.openDurable(ctx, cfg.Storage.Backend, cfg)
		if err != nil {
			return nil, b.closeWith(err)
		}
		b.kv = kv
	}
	return b, nil
}

func (b *backends) openDurable(ctx context.Context, name string, cfg config.Server) (storage.KV, error) {
	switch name {
	case "redis":
		client, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		if client == nil {
			return nil, errors.New("redis backend selected but CREDTRUST_REDIS_URL is empty")
		}
		b.health["redis"] = client.Health
		b.closers = append(b.closers, client.Close)
		return storage.NewRedisKV(client.Client, storage.WithNamespace(redisNamespace)), nil
	case "postgres":
		pool, err := database.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if pool == nil {
			return nil, errors.New("postgres backend selected but CREDTRUST_DATABASE_URL is empty")
		}
		b.health["postgres"] = pool.Health
		b.closers = append(b.closers, pool.Close)
		kv := storage.NewPostgresKV(pool.DB())
		if err := kv.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		b.purgers = append(b.purgers, kv)
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
}

func (b *backends) closeWith(err error) error {
	return errors.Join(err, b.Close())
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

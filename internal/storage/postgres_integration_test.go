//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"credtrust/pkg/testutil/containers"
)

type PostgresKVIntegrationSuite struct {
	kvContractSuite
	pg *containers.PostgresContainer
}

func TestPostgresKVIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := new(PostgresKVIntegrationSuite)
	s.pg = containers.GetManager().GetPostgres(t)
	kv := NewPostgresKV(s.pg.DB)
	if err := kv.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s.newKV = func() KV {
		s.Require().NoError(s.pg.TruncateTables(context.Background(), "kv_entries"))
		return NewPostgresKV(s.pg.DB)
	}
	suite.Run(t, s)
}

func (s *PostgresKVIntegrationSuite) TestPurgeAndExpiredSetNX() {
	ctx := context.Background()
	now := time.Now()
	past := NewPostgresKV(s.pg.DB, WithPostgresClock(func() time.Time { return now.Add(-time.Hour) }))
	s.Require().NoError(past.Set(ctx, "grant:old", []byte("x"), time.Minute))

	ok, err := s.kv.SetNX(ctx, "grant:old", []byte("y"), time.Minute)
	s.Require().NoError(err)
	s.True(ok, "expired row should be replaceable")

	s.Require().NoError(past.Set(ctx, "grant:older", []byte("x"), time.Minute))
	n, err := s.kv.(*PostgresKV).Purge(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
}

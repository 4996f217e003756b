package credential

import (
	"context"
	"fmt"

	"credtrust/internal/storage"
	"credtrust/pkg/platform/sentinel"
)

const (
	recordPrefix = "cred:id:"
	digestPrefix = "cred:digest:"
)

// Store persists issued credentials.
//
// Error Contract:
// - Get and GetByDigest return sentinel.ErrNotFound for unknown credentials
// - Create returns sentinel.ErrConflict if the id is already taken
type Store interface {
	Create(ctx context.Context, c *Credential) error
	Get(ctx context.Context, id string) (*Credential, error)
	GetByDigest(ctx context.Context, digest string) (*Credential, error)
}

type KVStore struct {
	kv storage.KV
}

func NewKVStore(kv storage.KV) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Create(ctx context.Context, c *Credential) error {
	ok, err := storage.SetNXJSON(ctx, s.kv, recordPrefix+c.ID, c, 0)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	if !ok {
		return fmt.Errorf("credential %s: %w", c.ID, sentinel.ErrConflict)
	}
	if c.ArtifactDigest != "" {
		if err := s.kv.Set(ctx, digestPrefix+c.ArtifactDigest, []byte(c.ID), 0); err != nil {
			return fmt.Errorf("index credential digest: %w", err)
		}
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, id string) (*Credential, error) {
	c, err := storage.GetJSON[Credential](ctx, s.kv, recordPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", id, err)
	}
	return &c, nil
}

func (s *KVStore) GetByDigest(ctx context.Context, digest string) (*Credential, error) {
	id, err := s.kv.Get(ctx, digestPrefix+digest)
	if err != nil {
		return nil, fmt.Errorf("credential digest %s: %w", digest, err)
	}
	return s.Get(ctx, string(id))
}

package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"credtrust/internal/storage"
)

const keyPrefix = "keys:"

// Store persists signing keys. Versions are append-only: CreateIfAbsent never
// overwrites, and Replace only rewrites the sealed private key.
type Store interface {
	List(ctx context.Context, issuerDID string) ([]SigningKey, error)
	ListAll(ctx context.Context) ([]SigningKey, error)
	CreateIfAbsent(ctx context.Context, key SigningKey) (bool, error)
	Replace(ctx context.Context, key SigningKey) error
}

// KVStore keeps keys under "keys:<issuerDID>|<version>". Versions are zero
// padded so prefix scans return them in order.
type KVStore struct {
	kv storage.KV
}

func NewKVStore(kv storage.KV) *KVStore {
	return &KVStore{kv: kv}
}

func storeKey(issuerDID string, version int) string {
	return fmt.Sprintf("%s%s|%08d", keyPrefix, issuerDID, version)
}

func (s *KVStore) List(ctx context.Context, issuerDID string) ([]SigningKey, error) {
	return s.scan(ctx, keyPrefix+issuerDID+"|")
}

func (s *KVStore) ListAll(ctx context.Context) ([]SigningKey, error) {
	return s.scan(ctx, keyPrefix)
}

func (s *KVStore) scan(ctx context.Context, prefix string) ([]SigningKey, error) {
	entries, err := s.kv.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	out := make([]SigningKey, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, keyPrefix) {
			continue
		}
		var k SigningKey
		if err := json.Unmarshal(e.Value, &k); err != nil {
			return nil, fmt.Errorf("decode signing key %s: %w", e.Key, err)
		}
		out = append(out, k)
	}
	return out, nil
}

func (s *KVStore) CreateIfAbsent(ctx context.Context, key SigningKey) (bool, error) {
	return storage.SetNXJSON(ctx, s.kv, storeKey(key.IssuerDID, key.Version), key, 0)
}

func (s *KVStore) Replace(ctx context.Context, key SigningKey) error {
	return storage.SetJSON(ctx, s.kv, storeKey(key.IssuerDID, key.Version), key, 0)
}

package issuance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"credtrust/internal/storage"
	"credtrust/pkg/platform/sentinel"
)

const (
	grantPrefix    = "grant:"
	consumedPrefix = "grant:consumed:"
	issuedPrefix   = "grant:issued:"
)

// HashCode is the lookup key for a pre-authorized code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// GrantStore persists grants keyed by code digest.
//
// Error Contract:
//   - Get returns sentinel.ErrNotFound for unknown or expired grants
//   - Consume returns sentinel.ErrAlreadyUsed when another caller consumed first
//   - ClaimIssuance returns sentinel.ErrAlreadyUsed when a credential was
//     already issued (or is being issued) for the grant
type GrantStore struct {
	kv storage.KV
}

func NewGrantStore(kv storage.KV) *GrantStore {
	return &GrantStore{kv: kv}
}

func (s *GrantStore) Create(ctx context.Context, g *Grant, ttl time.Duration) error {
	ok, err := storage.SetNXJSON(ctx, s.kv, grantPrefix+g.CodeHash, g, ttl)
	if err != nil {
		return fmt.Errorf("store grant: %w", err)
	}
	if !ok {
		return fmt.Errorf("grant %s: %w", g.CodeHash, sentinel.ErrConflict)
	}
	return nil
}

func (s *GrantStore) Get(ctx context.Context, codeHash string) (*Grant, error) {
	g, err := storage.GetJSON[Grant](ctx, s.kv, grantPrefix+codeHash)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("grant not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("load grant: %w", err)
	}
	return &g, nil
}

// Consume claims the unconsumed -> consumed transition. Exactly one caller
// wins; the grant record is then rewritten with ConsumedAt and ttl.
func (s *GrantStore) Consume(ctx context.Context, g *Grant, now time.Time, ttl time.Duration) error {
	won, err := s.kv.SetNX(ctx, consumedPrefix+g.CodeHash, []byte(now.UTC().Format(time.RFC3339Nano)), ttl)
	if err != nil {
		return fmt.Errorf("consume grant: %w", err)
	}
	if !won {
		return fmt.Errorf("pre-authorized code already used: %w", sentinel.ErrAlreadyUsed)
	}
	g.MarkConsumed(now)
	return s.save(ctx, g, ttl)
}

// ClaimIssuance reserves the grant's single issuance. Callers that fail
// before signing hand the claim back with ReleaseIssuance.
func (s *GrantStore) ClaimIssuance(ctx context.Context, codeHash string, ttl time.Duration) error {
	won, err := s.kv.SetNX(ctx, issuedPrefix+codeHash, []byte("1"), ttl)
	if err != nil {
		return fmt.Errorf("claim issuance: %w", err)
	}
	if !won {
		return fmt.Errorf("credential already issued for grant: %w", sentinel.ErrAlreadyUsed)
	}
	return nil
}

func (s *GrantStore) ReleaseIssuance(ctx context.Context, codeHash string) error {
	return s.kv.Delete(ctx, issuedPrefix+codeHash)
}

func (s *GrantStore) MarkIssued(ctx context.Context, g *Grant, now time.Time, credentialID string, ttl time.Duration) error {
	g.MarkIssued(now, credentialID)
	return s.save(ctx, g, ttl)
}

func (s *GrantStore) save(ctx context.Context, g *Grant, ttl time.Duration) error {
	if err := storage.SetJSON(ctx, s.kv, grantPrefix+g.CodeHash, g, ttl); err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

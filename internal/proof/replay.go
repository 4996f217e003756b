package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"credtrust/internal/storage"
	"credtrust/pkg/canonical"
)

const replayPrefix = "proof:seen:"

// ReplayGuard remembers whole-payload digests for a TTL.
type ReplayGuard struct {
	kv  storage.KV
	ttl time.Duration
}

func NewReplayGuard(kv storage.KV, ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ReplayGuard{kv: kv, ttl: ttl}
}

// Observe records payload and reports whether it had already been seen.
func (g *ReplayGuard) Observe(ctx context.Context, payload any) (seen bool, digest string, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, "", fmt.Errorf("encode replay payload: %w", err)
	}
	digest, err = canonical.Hash(raw, canonical.SHA256, canonical.ModeStrict)
	if err != nil {
		return false, "", fmt.Errorf("digest replay payload: %w", err)
	}
	fresh, err := g.kv.SetNX(ctx, replayPrefix+digest, []byte{1}, g.ttl)
	if err != nil {
		return false, digest, err
	}
	return !fresh, digest, nil
}

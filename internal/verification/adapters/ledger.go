package adapters

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"credtrust/internal/verification"
	"credtrust/pkg/platform/upstream"
)

// LedgerClient queries an anchoring service for keccak256 credential hashes:
// GET <base>/anchors/<0x-hash>.
type LedgerClient struct {
	client *jsonClient
}

func NewLedgerClient(baseURL string, timeout time.Duration, logger *slog.Logger) *LedgerClient {
	return &LedgerClient{client: newJSONClient("ledger", baseURL, timeout, logger)}
}

func (c *LedgerClient) FindAnchor(ctx context.Context, hash string) (*verification.Anchor, error) {
	var anchor verification.Anchor
	err := c.client.get(ctx, &anchor, "anchors", strings.ToLower(hash))
	if upstream.CategoryOf(err) == upstream.CategoryNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(anchor.Hash, hash) {
		return nil, upstream.New(upstream.CategoryBadData, "ledger", "anchor hash mismatch", nil)
	}
	return &anchor, nil
}

var _ verification.Ledger = (*LedgerClient)(nil)

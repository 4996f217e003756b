package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"credtrust/internal/verification"
	"credtrust/pkg/platform/sentinel"
	"credtrust/pkg/platform/upstream"
)

// RegistryClient looks issuers up in a remote trust registry:
// GET <base>/issuers/<did> -> {"did", "status", "name"}.
type RegistryClient struct {
	client *jsonClient
}

func NewRegistryClient(baseURL string, timeout time.Duration, logger *slog.Logger) *RegistryClient {
	return &RegistryClient{client: newJSONClient("issuer-registry", baseURL, timeout, logger)}
}

func (c *RegistryClient) Lookup(ctx context.Context, issuerDID string) (verification.IssuerRecord, error) {
	var rec verification.IssuerRecord
	err := c.client.get(ctx, &rec, "issuers", issuerDID)
	if upstream.CategoryOf(err) == upstream.CategoryNotFound {
		return verification.IssuerRecord{}, fmt.Errorf("issuer %s: %w", issuerDID, sentinel.ErrNotFound)
	}
	if err != nil {
		return verification.IssuerRecord{}, err
	}
	rec.Status = strings.ToLower(strings.TrimSpace(rec.Status))
	if rec.DID == "" {
		rec.DID = issuerDID
	}
	return rec, nil
}

var _ verification.IssuerRegistry = (*RegistryClient)(nil)

package verification

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"credtrust/internal/fraud"
	"credtrust/internal/keys"
	"credtrust/internal/status"
)

// KeyVerifier resolves the issuer key named by a token's kid and checks the
// signature against it.
type KeyVerifier interface {
	Verify(ctx context.Context, token string) (jwt.MapClaims, keys.SigningKey, error)
	PublicKeys(ctx context.Context, issuerDID string) ([]keys.JWK, error)
}

// StatusChecker reports revocation state and the revision cached results are
// keyed on.
type StatusChecker interface {
	CheckStatus(ctx context.Context, ref status.Ref) (status.Status, error)
	Revision(ctx context.Context) (int64, error)
}

// Issuer registry verdicts.
const (
	IssuerTrusted   = "trusted"
	IssuerUntrusted = "untrusted"
	IssuerRevoked   = "revoked"
	IssuerUnknown   = "unknown"
)

type IssuerRecord struct {
	DID    string `json:"did"`
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
}

// IssuerRegistry is the remote trust registry consulted for issuers not on the
// local lists.
type IssuerRegistry interface {
	Lookup(ctx context.Context, issuerDID string) (IssuerRecord, error)
}

// Anchor is an on-chain record of a credential's canonical hash.
type Anchor struct {
	Hash        string `json:"hash"`
	Network     string `json:"network,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
}

// Ledger looks up anchors by keccak256 canonical hash. A missing anchor is
// (nil, nil).
type Ledger interface {
	FindAnchor(ctx context.Context, hash string) (*Anchor, error)
}

// FraudBlender folds anomaly signals into the pipeline score.
type FraudBlender interface {
	Blend(ctx context.Context, in fraud.Input) fraud.Result
}

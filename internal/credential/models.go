package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Format is the signed representation of an issued credential.
type Format string

const (
	FormatJWTVC   Format = "jwt-vc"
	FormatSDJWTVC Format = "sd-jwt-vc"
)

// WireFormat is the name advertised in issuer metadata and responses.
func (f Format) WireFormat() string {
	switch f {
	case FormatSDJWTVC:
		return "sd-jwt-vc"
	default:
		return "vc+jwt"
	}
}

// ParseFormat accepts internal and wire names. ok is false for anything else.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jwt-vc", "vc+jwt", "jwt_vc", "jwt_vc_json":
		return FormatJWTVC, true
	case "sd-jwt-vc", "vc+sd-jwt", "sd-jwt", "dc+sd-jwt":
		return FormatSDJWTVC, true
	default:
		return "", false
	}
}

// Credential is an issued credential. It is immutable once signed; revocation
// state lives in the status registry.
type Credential struct {
	ID              string         `json:"id"`
	IssuerDID       string         `json:"issuer_did"`
	SubjectDID      string         `json:"subject_did"`
	CredentialData  map[string]any `json:"credential_data"`
	Type            []string       `json:"type"`
	Format          Format         `json:"format"`
	IssuanceTime    time.Time      `json:"issuance_time"`
	ExpirationTime  *time.Time     `json:"expiration_time,omitempty"`
	StatusListID    string         `json:"status_list_id,omitempty"`
	StatusListIndex *int           `json:"status_list_index,omitempty"`
	KID             string         `json:"kid"`
	SignedArtifact  string         `json:"signed_artifact"`
	ArtifactDigest  string         `json:"artifact_digest"`
}

// HasStatusSlot reports whether the credential owns a status-list bit.
func (c *Credential) HasStatusSlot() bool {
	return c.StatusListID != "" && c.StatusListIndex != nil
}

// DigestArtifact returns the sha256 hex digest of the issuer-signed part of an
// artifact. SD-JWT disclosures are excluded so a presentation with a subset
// of disclosures resolves to the same credential.
func DigestArtifact(artifact string) string {
	signed, _, _ := strings.Cut(strings.TrimSpace(artifact), "~")
	sum := sha256.Sum256([]byte(signed))
	return hex.EncodeToString(sum[:])
}

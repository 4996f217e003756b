package keys

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AlgES256 is the only signing algorithm issued keys use.
const AlgES256 = "ES256"

// SigningKey is one append-only version of an issuer's signing key. The
// private half is only ever held sealed.
type SigningKey struct {
	IssuerDID string `json:"issuer_did"`
	// KID is the issuer-relative fragment, "#keys-N".
	KID                 string    `json:"kid"`
	Version             int       `json:"version"`
	PublicKey           []byte    `json:"public_key"` // PKIX DER
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	EncryptionKeyID     string    `json:"encryption_key_id"`
	CreatedAt           time.Time `json:"created_at"`
}

// HeaderKID is the value stamped into JWT headers: "<issuerDID>#keys-N".
func (k SigningKey) HeaderKID() string {
	return k.IssuerDID + k.KID
}

// KIDForVersion returns the "#keys-N" fragment for version n.
func KIDForVersion(n int) string {
	return "#keys-" + strconv.Itoa(n)
}

// ParseHeaderKID splits "<did>#keys-N" into the DID and version. A bare
// "#keys-N" yields an empty DID.
func ParseHeaderKID(kid string) (issuerDID string, version int, err error) {
	idx := strings.LastIndex(kid, "#keys-")
	if idx < 0 {
		return "", 0, fmt.Errorf("kid %q has no #keys- fragment", kid)
	}
	n, err := strconv.Atoi(kid[idx+len("#keys-"):])
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("kid %q has invalid version", kid)
	}
	return kid[:idx], n, nil
}

// JWK is the public-key listing format served to verifiers.
type JWK struct {
	Kty       string    `json:"kty"`
	Crv       string    `json:"crv"`
	X         string    `json:"x"`
	Y         string    `json:"y"`
	Kid       string    `json:"kid"`
	Alg       string    `json:"alg"`
	Use       string    `json:"use"`
	CreatedAt time.Time `json:"created_at"`
}

// RotationReport summarises an encryption-key rollover.
type RotationReport struct {
	ReEncrypted int
	// Skipped lists header kids whose private key could not be opened with
	// any known encryption key; their stored material is left untouched.
	Skipped []string
	// Stranded lists header kids left sealed under the new secret after an
	// aborted rollover could not restore them.
	Stranded []string
}

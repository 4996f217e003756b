// Package sdjwt builds and resolves selective-disclosure JWTs: an
// issuer-signed JWT carrying salted digests in "_sd", followed by the
// "~"-separated disclosures the holder chooses to reveal.
package sdjwt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	// Algorithm is the only digest algorithm issued and accepted.
	Algorithm = "sha-256"

	ClaimSD    = "_sd"
	ClaimSDAlg = "_sd_alg"

	saltBytes = 16
)

var (
	ErrMalformed      = errors.New("sdjwt: malformed")
	ErrUnknownDigest  = errors.New("sdjwt: disclosure not committed by issuer")
	ErrUnsupportedAlg = errors.New("sdjwt: unsupported _sd_alg")
	ErrReservedClaim  = errors.New("sdjwt: disclosure overwrites a reserved claim")
)

// Disclosure is one decoded [salt, name, value] triple.
type Disclosure struct {
	Raw    string
	Salt   string
	Name   string
	Value  any
	Digest string
}

// Digest is base64url(sha256(encoded disclosure)).
func Digest(encoded string) string {
	sum := sha256.Sum256([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Disclose turns each claim into a disclosure and returns the encoded
// disclosures with their digests, both in claim-name order.
func Disclose(claims map[string]any) (disclosures, digests []string, err error) {
	names := make([]string, 0, len(claims))
	for name := range claims {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		salt := make([]byte, saltBytes)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("sdjwt: salt: %w", err)
		}
		raw, err := json.Marshal([]any{base64.RawURLEncoding.EncodeToString(salt), name, claims[name]})
		if err != nil {
			return nil, nil, fmt.Errorf("sdjwt: encode disclosure %q: %w", name, err)
		}
		encoded := base64.RawURLEncoding.EncodeToString(raw)
		disclosures = append(disclosures, encoded)
		digests = append(digests, Digest(encoded))
	}
	// digest order must not leak claim names
	slices.Sort(digests)
	return disclosures, digests, nil
}

// Combine renders the issuance form "<jwt>~<d1>~...~<dn>~".
func Combine(jwt string, disclosures []string) string {
	var b strings.Builder
	b.WriteString(jwt)
	b.WriteByte('~')
	for _, d := range disclosures {
		b.WriteString(d)
		b.WriteByte('~')
	}
	return b.String()
}

// IsCombined reports whether token looks like an SD-JWT.
func IsCombined(token string) bool {
	return strings.Contains(token, "~")
}

// Split separates the issuer JWT from the disclosures. A trailing key-binding
// JWT, if present, is returned separately.
func Split(combined string) (jwt string, disclosures []Disclosure, keyBinding string, err error) {
	parts := strings.Split(strings.TrimSpace(combined), "~")
	if len(parts) < 2 || parts[0] == "" {
		return "", nil, "", fmt.Errorf("%w: missing issuer jwt", ErrMalformed)
	}
	jwt = parts[0]
	last := len(parts) - 1
	keyBinding = parts[last]
	for _, raw := range parts[1:last] {
		if raw == "" {
			continue
		}
		d, err := decodeDisclosure(raw)
		if err != nil {
			return "", nil, "", err
		}
		disclosures = append(disclosures, d)
	}
	return jwt, disclosures, keyBinding, nil
}

func decodeDisclosure(raw string) (Disclosure, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return Disclosure{}, fmt.Errorf("%w: disclosure encoding: %w", ErrMalformed, err)
	}
	var triple []any
	if err := json.Unmarshal(data, &triple); err != nil {
		return Disclosure{}, fmt.Errorf("%w: disclosure json: %w", ErrMalformed, err)
	}
	if len(triple) != 3 {
		return Disclosure{}, fmt.Errorf("%w: disclosure must be [salt, name, value]", ErrMalformed)
	}
	salt, ok1 := triple[0].(string)
	name, ok2 := triple[1].(string)
	if !ok1 || !ok2 || name == "" {
		return Disclosure{}, fmt.Errorf("%w: disclosure salt and name must be strings", ErrMalformed)
	}
	return Disclosure{Raw: raw, Salt: salt, Name: name, Value: triple[2], Digest: Digest(raw)}, nil
}

var reserved = map[string]bool{
	"iss": true, "sub": true, "iat": true, "nbf": true, "exp": true, "jti": true,
	"cnf": true, "vct": true, "status": true, ClaimSD: true, ClaimSDAlg: true,
}

// Resolve checks every disclosure against the payload's "_sd" digests and
// returns the disclosed claims. Undisclosed claims are simply absent.
func Resolve(payload map[string]any, disclosures []Disclosure) (map[string]any, error) {
	if alg, ok := payload[ClaimSDAlg]; ok && alg != Algorithm {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlg, alg)
	}
	committed := map[string]bool{}
	if list, ok := payload[ClaimSD].([]any); ok {
		for _, d := range list {
			if s, ok := d.(string); ok {
				committed[s] = true
			}
		}
	}
	out := make(map[string]any, len(disclosures))
	for _, d := range disclosures {
		if !committed[d.Digest] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDigest, d.Name)
		}
		if reserved[d.Name] {
			return nil, fmt.Errorf("%w: %s", ErrReservedClaim, d.Name)
		}
		out[d.Name] = d.Value
	}
	return out, nil
}

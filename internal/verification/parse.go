package verification

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"

	"credtrust/internal/credential"
	"credtrust/pkg/sdjwt"
)

// QRPrefix marks a base64url CBOR credential scanned from a QR code.
const QRPrefix = "VC1:"

var (
	ErrUnparseable       = errors.New("credential is not a JWT, SD-JWT, QR payload or JSON document")
	ErrDisclosureInvalid = errors.New("selective disclosure does not match the signed digests")
)

var cborMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Parse normalizes a presented credential. It never verifies signatures.
func Parse(raw string) (*Parsed, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil, ErrUnparseable
	case strings.HasPrefix(raw, QRPrefix):
		return parseQR(strings.TrimPrefix(raw, QRPrefix))
	case strings.HasPrefix(raw, "{"):
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		return parseDocument(doc)
	case sdjwt.IsCombined(raw):
		return parseSDJWT(raw)
	case strings.Count(raw, ".") == 2:
		return parseJWT(raw)
	default:
		return nil, ErrUnparseable
	}
}

// ParseValue accepts a decoded JSON value: a string artifact or a document.
func ParseValue(v any) (*Parsed, error) {
	switch t := v.(type) {
	case string:
		return Parse(t)
	case map[string]any:
		return parseDocument(t)
	default:
		return nil, ErrUnparseable
	}
}

func parseQR(encoded string) (*Parsed, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: qr payload: %v", ErrUnparseable, err)
	}
	var payload any
	if err := cborMode.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: qr payload: %v", ErrUnparseable, err)
	}

	var p *Parsed
	switch t := payload.(type) {
	case string:
		p, err = Parse(t)
	case map[string]any:
		if token, ok := t["jwt"].(string); ok {
			p, err = Parse(token)
		} else {
			p, err = parseDocument(t)
		}
	default:
		err = ErrUnparseable
	}
	if err != nil {
		return nil, err
	}
	p.Form = FormQR
	return p, nil
}

func parseJWT(token string) (*Parsed, error) {
	claims, sig, err := decodeUnverified(token)
	if err != nil {
		return nil, err
	}
	p := fromClaims(claims)
	p.Form = FormJWT
	p.Format = credential.FormatJWTVC.WireFormat()
	p.Token = token
	p.Artifact = token
	p.ProofPresent = sig != ""
	return p, nil
}

func parseSDJWT(combined string) (*Parsed, error) {
	token, disclosures, _, err := sdjwt.Split(combined)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	claims, sig, err := decodeUnverified(token)
	if err != nil {
		return nil, err
	}
	resolved, err := sdjwt.Resolve(claims, disclosures)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisclosureInvalid, err)
	}

	p := fromClaims(resolved)
	p.Form = FormSDJWT
	p.Format = credential.FormatSDJWTVC.WireFormat()
	p.Token = token
	p.Artifact = combined
	p.ProofPresent = sig != ""
	p.Claims = disclosedClaims(resolved)
	if vct, ok := resolved["vct"].(string); ok && len(p.Types) == 0 {
		p.Types = []string{vct}
	}
	return p, nil
}

func decodeUnverified(token string) (jwt.MapClaims, string, error) {
	claims := jwt.MapClaims{}
	parsed, parts, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if parsed.Method == nil || parsed.Method.Alg() == "none" {
		return claims, "", nil
	}
	return claims, parts[2], nil
}

// fromClaims maps JWT claims, with the credential either under "vc" or at the
// top level (SD-JWT VC).
func fromClaims(claims map[string]any) *Parsed {
	p := &Parsed{Document: map[string]any(claims)}
	p.IssuerDID, _ = claims["iss"].(string)
	p.SubjectDID, _ = claims["sub"].(string)
	p.CredentialID, _ = claims["jti"].(string)
	p.IssuedAt = numericTime(claims["iat"])
	p.NotBefore = numericTime(claims["nbf"])
	p.ExpiresAt = numericTime(claims["exp"])

	if vc, ok := claims["vc"].(map[string]any); ok {
		doc, err := decodeVC(vc)
		if err == nil {
			p.Types = doc.Type
			p.Claims = doc.subjectClaims()
			p.IssuerDID = firstNonEmpty(p.IssuerDID, string(doc.Issuer))
			p.SubjectDID = firstNonEmpty(p.SubjectDID, doc.subjectID())
			p.CredentialID = firstNonEmpty(p.CredentialID, doc.ID)
			if p.ExpiresAt == nil {
				p.ExpiresAt = doc.expiresAt()
			}
		}
	}
	return p
}

// parseDocument handles a raw JSON credential: either JWT-shaped claims with a
// "vc" member, or a W3C document whose proof block stands in for the signature.
func parseDocument(doc map[string]any) (*Parsed, error) {
	if _, ok := doc["vc"].(map[string]any); ok {
		p := fromClaims(doc)
		p.Form = FormJSON
		p.Format = "ldp_vc"
		return p, nil
	}

	vc, err := decodeVC(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if vc.Issuer == "" && vc.CredentialSubject == nil {
		return nil, ErrUnparseable
	}

	anchored := maps.Clone(doc)
	delete(anchored, "proof")

	return &Parsed{
		Form:         FormJSON,
		Format:       "ldp_vc",
		CredentialID: vc.ID,
		IssuerDID:    string(vc.Issuer),
		SubjectDID:   vc.subjectID(),
		Types:        vc.Type,
		Claims:       vc.subjectClaims(),
		IssuedAt:     firstTime(vc.ValidFrom, vc.IssuanceDate),
		ExpiresAt:    vc.expiresAt(),
		ProofPresent: vc.hasProof(),
		Document:     anchored,
	}, nil
}

// issuerRef accepts both "issuer": "did:..." and "issuer": {"id": "did:..."}.
type issuerRef string

type vcDocument struct {
	ID                string           `mapstructure:"id"`
	Type              []string         `mapstructure:"type"`
	Issuer            issuerRef        `mapstructure:"issuer"`
	ValidFrom         string           `mapstructure:"validFrom"`
	IssuanceDate      string           `mapstructure:"issuanceDate"`
	ValidUntil        string           `mapstructure:"validUntil"`
	ExpirationDate    string           `mapstructure:"expirationDate"`
	CredentialSubject []map[string]any `mapstructure:"credentialSubject"`
	Proof             any              `mapstructure:"proof"`
}

func decodeVC(in map[string]any) (*vcDocument, error) {
	var doc vcDocument
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       issuerHook,
		WeaklyTypedInput: true,
		Result:           &doc,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(in); err != nil {
		return nil, err
	}
	return &doc, nil
}

var issuerType = reflect.TypeOf(issuerRef(""))

func issuerHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != issuerType {
		return data, nil
	}
	if m, ok := data.(map[string]any); ok {
		id, _ := m["id"].(string)
		return id, nil
	}
	return data, nil
}

func (d *vcDocument) subjectID() string {
	for _, s := range d.CredentialSubject {
		if id, ok := s["id"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

// subjectClaims merges every subject entry minus its id.
func (d *vcDocument) subjectClaims() map[string]any {
	out := map[string]any{}
	for _, s := range d.CredentialSubject {
		for k, v := range s {
			if k != "id" {
				out[k] = v
			}
		}
	}
	return out
}

func (d *vcDocument) expiresAt() *time.Time {
	return firstTime(d.ValidUntil, d.ExpirationDate)
}

func (d *vcDocument) hasProof() bool {
	switch proof := d.Proof.(type) {
	case map[string]any:
		return proofValue(proof)
	case []any:
		for _, item := range proof {
			if m, ok := item.(map[string]any); ok && proofValue(m) {
				return true
			}
		}
	}
	return false
}

func proofValue(proof map[string]any) bool {
	for _, k := range []string{"proofValue", "jws", "signatureValue"} {
		if v, ok := proof[k].(string); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// disclosedClaims drops registered and SD-JWT bookkeeping claims.
func disclosedClaims(claims map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range claims {
		switch k {
		case "iss", "sub", "iat", "nbf", "exp", "jti", "cnf", "vct", "status", sdjwt.ClaimSD, sdjwt.ClaimSDAlg:
			continue
		}
		out[k] = v
	}
	return out
}

func numericTime(v any) *time.Time {
	var sec float64
	switch t := v.(type) {
	case float64:
		sec = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil
		}
		sec = f
	case int64:
		sec = float64(t)
	case uint64:
		sec = float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return parseTime(t)
		}
		sec = f
	default:
		return nil
	}
	ts := time.Unix(int64(sec), 0).UTC()
	return &ts
}

func firstTime(values ...string) *time.Time {
	for _, v := range values {
		if t := parseTime(v); t != nil {
			return t
		}
	}
	return nil
}

func parseTime(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}


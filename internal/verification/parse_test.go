package verification

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credtrust/pkg/sdjwt"
)

func signHS(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)
	return token
}

func TestParseJWT(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	token := signHS(t, jwt.MapClaims{
		"iss": "did:web:university.example",
		"jti": "urn:uuid:1",
		"exp": exp.Unix(),
		"vc": map[string]any{
			"type":              "VerifiableCredential",
			"issuer":            map[string]any{"id": "did:web:university.example"},
			"credentialSubject": []any{map[string]any{"id": "did:key:z6Mk", "degree": "B.Tech"}},
		},
	})

	p, err := Parse(token)
	require.NoError(t, err)

	assert.Equal(t, FormJWT, p.Form)
	assert.Equal(t, "vc+jwt", p.Format)
	assert.Equal(t, "did:web:university.example", p.IssuerDID)
	assert.Equal(t, "did:key:z6Mk", p.SubjectDID)
	assert.Equal(t, "urn:uuid:1", p.CredentialID)
	assert.Equal(t, []string{"VerifiableCredential"}, p.Types)
	assert.Equal(t, map[string]any{"degree": "B.Tech"}, p.Claims)
	require.NotNil(t, p.ExpiresAt)
	assert.True(t, exp.Equal(*p.ExpiresAt))
	assert.True(t, p.ProofPresent)
}

func TestParseSDJWT(t *testing.T) {
	disclosures, digests, err := sdjwt.Disclose(map[string]any{"employer": "Acme", "role": "Engineer"})
	require.NoError(t, err)
	token := signHS(t, jwt.MapClaims{
		"iss":            "did:web:acme.example",
		"sub":            "did:key:z6MkEmployee",
		"jti":            "urn:uuid:2",
		"vct":            "EmploymentCredential",
		sdjwt.ClaimSD:    digests,
		sdjwt.ClaimSDAlg: sdjwt.Algorithm,
	})

	t.Run("all disclosures", func(t *testing.T) {
		p, err := Parse(sdjwt.Combine(token, disclosures))
		require.NoError(t, err)
		assert.Equal(t, FormSDJWT, p.Form)
		assert.Equal(t, "sd-jwt-vc", p.Format)
		assert.Equal(t, token, p.Token)
		assert.Equal(t, []string{"EmploymentCredential"}, p.Types)
		assert.Equal(t, map[string]any{"employer": "Acme", "role": "Engineer"}, p.Claims)
	})

	t.Run("subset of disclosures", func(t *testing.T) {
		p, err := Parse(sdjwt.Combine(token, disclosures[:1]))
		require.NoError(t, err)
		assert.Len(t, p.Claims, 1)
	})

	t.Run("foreign disclosure is rejected", func(t *testing.T) {
		foreign, _, err := sdjwt.Disclose(map[string]any{"role": "CEO"})
		require.NoError(t, err)
		_, err = Parse(sdjwt.Combine(token, foreign))
		assert.True(t, errors.Is(err, ErrDisclosureInvalid))
	})
}

func TestParseQR(t *testing.T) {
	token := signHS(t, jwt.MapClaims{"iss": "did:web:a.example", "sub": "did:key:z6Mk"})

	t.Run("wrapped jwt", func(t *testing.T) {
		data, err := cbor.Marshal(map[string]any{"jwt": token})
		require.NoError(t, err)
		p, err := Parse(QRPrefix + base64.RawURLEncoding.EncodeToString(data))
		require.NoError(t, err)
		assert.Equal(t, FormQR, p.Form)
		assert.Equal(t, token, p.Token)
		assert.Equal(t, "did:web:a.example", p.IssuerDID)
	})

	t.Run("embedded document", func(t *testing.T) {
		data, err := cbor.Marshal(map[string]any{
			"issuer":            "did:web:a.example",
			"credentialSubject": map[string]any{"id": "did:key:z6Mk", "age_over_18": true},
			"proof":             map[string]any{"jws": "eyJ..sig"},
		})
		require.NoError(t, err)
		p, err := Parse(QRPrefix + base64.RawURLEncoding.EncodeToString(data))
		require.NoError(t, err)
		assert.Equal(t, FormQR, p.Form)
		assert.True(t, p.ProofPresent)
		assert.Equal(t, map[string]any{"age_over_18": true}, p.Claims)
	})

	t.Run("bad base64", func(t *testing.T) {
		_, err := Parse(QRPrefix + "!!!")
		assert.True(t, errors.Is(err, ErrUnparseable))
	})
}

func TestParseJSON(t *testing.T) {
	t.Run("document with proof", func(t *testing.T) {
		p, err := Parse(`{"id":"urn:uuid:3","issuer":"did:web:a.example","issuanceDate":"2025-01-01T00:00:00Z",
			"expirationDate":"2026-01-01","credentialSubject":{"id":"did:key:z6Mk"},"proof":{"proofValue":"z3"}}`)
		require.NoError(t, err)
		assert.Equal(t, FormJSON, p.Form)
		assert.Equal(t, "did:web:a.example", p.IssuerDID)
		assert.True(t, p.ProofPresent)
		require.NotNil(t, p.ExpiresAt)
		assert.Equal(t, 2026, p.ExpiresAt.Year())
		assert.NotContains(t, p.Document, "proof")
	})

	t.Run("jwt claims without signature", func(t *testing.T) {
		p, err := Parse(`{"iss":"did:web:a.example","sub":"did:key:z6Mk","vc":{"credentialSubject":{"degree":"B.Tech"}}}`)
		require.NoError(t, err)
		assert.False(t, p.ProofPresent)
		assert.Equal(t, map[string]any{"degree": "B.Tech"}, p.Claims)
	})

	t.Run("unrelated object", func(t *testing.T) {
		_, err := Parse(`{"hello":"world"}`)
		assert.True(t, errors.Is(err, ErrUnparseable))
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Parse(`{"issuer":`)
		assert.True(t, errors.Is(err, ErrUnparseable))
	})
}

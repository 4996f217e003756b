package presentation

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	dErrors "credtrust/pkg/domain-errors"
	"credtrust/pkg/sdjwt"
)

// nonceClaim carries the request nonce inside a VP-JWT, a key-binding JWT or
// a bare credential JWT.
const nonceClaim = "nonce"

type nonceBinding struct {
	present bool
	value   string
}

// unwrap turns a vp_token into the credentials it presents and the nonce
// it is bound to. Credentials are passed through untouched; their validity is
// the verification engine's call.
func unwrap(token any) (envelope, nonceBinding, error) {
	switch t := token.(type) {
	case string:
		return unwrapString(strings.TrimSpace(t))
	case map[string]any:
		return unwrapDocument(t)
	case nil:
		return envelope{}, nonceBinding{}, dErrors.Field("vp_token", "is required")
	default:
		return envelope{}, nonceBinding{}, dErrors.Field("vp_token", "must be a string or an object")
	}
}

func unwrapString(s string) (envelope, nonceBinding, error) {
	switch {
	case s == "":
		return envelope{}, nonceBinding{}, dErrors.Field("vp_token", "is required")
	case strings.HasPrefix(s, "{"):
		var doc map[string]any
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return envelope{}, nonceBinding{}, dErrors.Field("vp_token", "is not valid JSON")
		}
		return unwrapDocument(doc)
	case sdjwt.IsCombined(s):
		return unwrapSDJWT(s)
	case strings.Count(s, ".") == 2:
		claims, ok := unverifiedClaims(s)
		if !ok {
			return credentialEnvelope(s), nonceBinding{}, nil
		}
		if vp, ok := claims["vp"].(map[string]any); ok {
			return presentationEnvelope(kindVPJWT, vp, claims, firstString(claims["iss"], vp["holder"]))
		}
		return credentialEnvelope(s), nonceOf(claims), nil
	default:
		return credentialEnvelope(s), nonceBinding{}, nil
	}
}

// unwrapSDJWT binds the presentation through the key-binding JWT when the
// holder attached one.
func unwrapSDJWT(s string) (envelope, nonceBinding, error) {
	_, _, kb, err := sdjwt.Split(s)
	if err != nil {
		return envelope{}, nonceBinding{}, dErrors.Field("vp_token", "is not a valid SD-JWT")
	}
	if kb == "" {
		return credentialEnvelope(s), nonceBinding{}, nil
	}
	claims, ok := unverifiedClaims(kb)
	if !ok {
		return envelope{}, nonceBinding{}, dErrors.Field("vp_token", "has an unreadable key-binding JWT")
	}
	return credentialEnvelope(s), nonceOf(claims), nil
}

func unwrapDocument(doc map[string]any) (envelope, nonceBinding, error) {
	if !isPresentation(doc) {
		return envelope{kind: kindCredential, credentials: []any{doc}}, nonceBinding{}, nil
	}
	binding := nonceOf(doc)
	if proof, ok := doc["proof"].(map[string]any); ok && !binding.present {
		if challenge, ok := proof["challenge"]; ok {
			s, _ := challenge.(string)
			binding = nonceBinding{present: true, value: s}
		}
	}
	env, _, err := presentationEnvelope(kindVPDocument, doc, nil, firstString(doc["holder"]))
	return env, binding, err
}

func presentationEnvelope(kind string, vp, claims map[string]any, holder string) (envelope, nonceBinding, error) {
	var creds []any
	switch v := vp["verifiableCredential"].(type) {
	case []any:
		creds = v
	case string, map[string]any:
		creds = []any{v}
	}
	creds = slices.DeleteFunc(creds, func(c any) bool {
		switch c := c.(type) {
		case string:
			return strings.TrimSpace(c) == ""
		case map[string]any:
			return len(c) == 0
		default:
			return true
		}
	})
	if len(creds) == 0 {
		return envelope{}, nonceBinding{}, dErrors.Field("vp_token", "presents no credentials")
	}
	env := envelope{kind: kind, holder: holder, credentials: creds}
	if claims == nil {
		return env, nonceBinding{}, nil
	}
	return env, nonceOf(claims), nil
}

func credentialEnvelope(token string) envelope {
	return envelope{kind: kindCredential, credentials: []any{token}}
}

func isPresentation(doc map[string]any) bool {
	if _, ok := doc["verifiableCredential"]; ok {
		return true
	}
	switch t := doc["type"].(type) {
	case string:
		return t == "VerifiablePresentation"
	case []any:
		return slices.Contains(t, any("VerifiablePresentation"))
	}
	return false
}

func unverifiedClaims(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// nonceOf reports a nonce claim. A non-string nonce counts as present so it
// can never match.
func nonceOf(claims map[string]any) nonceBinding {
	raw, ok := claims[nonceClaim]
	if !ok {
		return nonceBinding{}
	}
	s, _ := raw.(string)
	return nonceBinding{present: true, value: s}
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

package handler

import (
	"bytes"
	"encoding/json"
	"strings"

	dErrors "credtrust/pkg/domain-errors"
)

// VerifyRequest is the body of POST /verify. Credential carries either a
// compact token (JWT, SD-JWT, "VC1:" QR payload) as a JSON string or a raw
// credential document as a JSON object. JWT is accepted as a shorthand for a
// compact token.
type VerifyRequest struct {
	Credential json.RawMessage `json:"credential,omitempty"`
	JWT        string          `json:"jwt,omitempty"`

	value any
}

func (r *VerifyRequest) Normalize() {
	r.JWT = strings.TrimSpace(r.JWT)
	r.Credential = bytes.TrimSpace(r.Credential)
}

func (r *VerifyRequest) Validate() error {
	if len(r.Credential) == 0 || bytes.Equal(r.Credential, []byte("null")) {
		if r.JWT == "" {
			return dErrors.Field("credential", "is required")
		}
		r.value = r.JWT
		return nil
	}
	if r.JWT != "" {
		return dErrors.Field("jwt", "cannot be combined with credential")
	}
	switch r.Credential[0] {
	case '"':
		var s string
		if err := json.Unmarshal(r.Credential, &s); err != nil {
			return dErrors.Field("credential", "is not a valid string")
		}
		if strings.TrimSpace(s) == "" {
			return dErrors.Field("credential", "is required")
		}
		r.value = strings.TrimSpace(s)
	case '{':
		var doc map[string]any
		if err := json.Unmarshal(r.Credential, &doc); err != nil {
			return dErrors.Field("credential", "is not a valid object")
		}
		r.value = doc
	default:
		return dErrors.Field("credential", "must be a string or an object")
	}
	return nil
}

// Value returns the credential in the form the verification engine accepts.
func (r *VerifyRequest) Value() any {
	return r.value
}

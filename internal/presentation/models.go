package presentation

import (
	"time"

	"credtrust/internal/verification"
)

// Request is an open OID4VP presentation request. It is closed by exactly
// one matching response or by expiry.
type Request struct {
	ID        string    `json:"id"`
	Nonce     string    `json:"nonce"`
	State     string    `json:"state,omitempty"`
	Purpose   string    `json:"purpose"`
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the request can no longer be answered at now.
func (r *Request) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Definition is the presentation definition handed to the wallet.
type Definition struct {
	ID               string            `json:"id"`
	Purpose          string            `json:"purpose"`
	Format           map[string]any    `json:"format"`
	InputDescriptors []InputDescriptor `json:"input_descriptors"`
}

type InputDescriptor struct {
	ID          string         `json:"id"`
	Purpose     string         `json:"purpose,omitempty"`
	Constraints map[string]any `json:"constraints"`
}

// CreatedRequest is returned by CreateRequest.
type CreatedRequest struct {
	RequestID              string     `json:"request_id"`
	Nonce                  string     `json:"nonce"`
	State                  string     `json:"state,omitempty"`
	ClientID               string     `json:"client_id,omitempty"`
	ExpiresAt              time.Time  `json:"expires_at"`
	PresentationDefinition Definition `json:"presentation_definition"`
}

// Outcome is the verdict on a presentation response.
type Outcome struct {
	RequestID string                 `json:"request_id"`
	Valid     bool                   `json:"valid"`
	Holder    string                 `json:"holder,omitempty"`
	Results   []*verification.Result `json:"results"`
}

// envelope is what a vp_token unwraps to before verification.
type envelope struct {
	kind        string
	nonce       string
	holder      string
	credentials []any
}

const (
	kindVPJWT      = "vp_jwt"
	kindVPDocument = "vp_ldp"
	kindCredential = "credential"
)

package handler

import (
	"strings"

	"credtrust/internal/issuance"
	dErrors "credtrust/pkg/domain-errors"
)

type RecipientRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// OfferRequest is the HTTP request body for POST /issuer/offers.
type OfferRequest struct {
	TemplateID     string           `json:"template_id"`
	IssuerDID      string           `json:"issuer_did,omitempty"`
	Recipient      RecipientRequest `json:"recipient"`
	CredentialData map[string]any   `json:"credential_data"`
}

func (r *OfferRequest) Normalize() {
	r.TemplateID = strings.TrimSpace(r.TemplateID)
	r.IssuerDID = strings.TrimSpace(r.IssuerDID)
	r.Recipient.ID = strings.TrimSpace(r.Recipient.ID)
	r.Recipient.Email = strings.ToLower(strings.TrimSpace(r.Recipient.Email))
}

func (r *OfferRequest) Validate() error {
	if r.TemplateID == "" {
		return dErrors.Field("template_id", "is required")
	}
	if r.Recipient.ID == "" {
		return dErrors.Field("recipient.id", "is required")
	}
	if len(r.CredentialData) == 0 {
		return dErrors.Field("credential_data", "is required")
	}
	return nil
}

func (r *OfferRequest) toDomain() issuance.OfferRequest {
	return issuance.OfferRequest{
		TemplateID:     r.TemplateID,
		IssuerDID:      r.IssuerDID,
		Recipient:      issuance.Recipient(r.Recipient),
		CredentialData: r.CredentialData,
	}
}

// TokenRequest is the token endpoint body. Form and JSON encodings are both
// accepted.
type TokenRequest struct {
	GrantType         string `json:"grant_type"`
	PreAuthorizedCode string `json:"pre-authorized_code"`
}

func (r *TokenRequest) Normalize() {
	r.GrantType = strings.TrimSpace(r.GrantType)
	r.PreAuthorizedCode = strings.TrimSpace(r.PreAuthorizedCode)
}

func (r *TokenRequest) Validate() error {
	if r.GrantType == "" {
		return dErrors.New(dErrors.CodeInvalidRequest, "grant_type is required")
	}
	return nil
}

// CredentialRequest is the optional body for POST /issuer/credential.
type CredentialRequest struct {
	Format string `json:"format,omitempty"`
}

func (r *CredentialRequest) Normalize() {
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
}

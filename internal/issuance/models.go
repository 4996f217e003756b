package issuance

import (
	"encoding/json"
	"time"

	"credtrust/internal/credential"
	dErrors "credtrust/pkg/domain-errors"
)

// GrantTypePreAuthorizedCode is the only grant type the token endpoint accepts.
const GrantTypePreAuthorizedCode = "urn:ietf:params:oauth:grant-type:pre-authorized_code"

// Template is a credential configuration offers are created from.
type Template struct {
	ID            string            `json:"id"`
	Types         []string          `json:"types"`
	VCT           string            `json:"vct,omitempty"`
	DefaultFormat credential.Format `json:"default_format"`
	// ValidityDays overrides the issuer-wide credential lifetime. Zero keeps it.
	ValidityDays int `json:"validity_days,omitempty"`
	// Schema is an optional JSON schema credential data must satisfy.
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Recipient describes who the credential is offered to.
type Recipient struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Grant is the server-side state behind a pre-authorized code. The code itself
// is never stored, only its digest.
type Grant struct {
	CodeHash       string         `json:"code_hash"`
	OfferID        string         `json:"offer_id"`
	TemplateID     string         `json:"template_id"`
	IssuerDID      string         `json:"issuer_did"`
	Recipient      Recipient      `json:"recipient"`
	CredentialData map[string]any `json:"credential_data"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ConsumedAt     *time.Time     `json:"consumed_at,omitempty"`
	IssuedAt       *time.Time     `json:"issued_at,omitempty"`
	CredentialID   string         `json:"credential_id,omitempty"`
}

// ValidateForExchange reports why the grant cannot be exchanged for a token.
func (g *Grant) ValidateForExchange(now time.Time) error {
	if g.ConsumedAt != nil {
		return dErrors.New(dErrors.CodeInvalidGrant, "pre-authorized code already used")
	}
	if now.After(g.ExpiresAt) {
		return dErrors.New(dErrors.CodeInvalidGrant, "pre-authorized code expired")
	}
	return nil
}

func (g *Grant) MarkConsumed(now time.Time) {
	g.ConsumedAt = &now
}

func (g *Grant) MarkIssued(now time.Time, credentialID string) {
	g.IssuedAt = &now
	g.CredentialID = credentialID
}

// OfferRequest is the input to CreateOffer.
type OfferRequest struct {
	TemplateID     string
	IssuerDID      string
	Recipient      Recipient
	CredentialData map[string]any
}

// PreAuthorizedGrant is the grant object advertised inside an offer.
type PreAuthorizedGrant struct {
	PreAuthorizedCode string `json:"pre-authorized_code"`
}

// CredentialOffer is the wallet-facing offer document.
type CredentialOffer struct {
	CredentialIssuer           string                        `json:"credential_issuer"`
	CredentialConfigurationIDs []string                      `json:"credential_configuration_ids"`
	Grants                     map[string]PreAuthorizedGrant `json:"grants"`
}

// Offer is returned once to the caller that created it; the code is not
// retrievable afterwards.
type Offer struct {
	OfferID         string          `json:"offer_id"`
	CredentialOffer CredentialOffer `json:"credential_offer"`
	OfferURI        string          `json:"credential_offer_uri"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// PreAuthorizedCode extracts the code from the offer's grants.
func (o Offer) PreAuthorizedCode() string {
	return o.CredentialOffer.Grants[GrantTypePreAuthorizedCode].PreAuthorizedCode
}

// TokenRequest is the input to ExchangeToken.
type TokenRequest struct {
	GrantType         string
	PreAuthorizedCode string
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// StatusReference points at the status-list slot a credential was given.
type StatusReference struct {
	StatusListID         string `json:"status_list_id"`
	StatusListIndex      int    `json:"status_list_index"`
	StatusListCredential string `json:"status_list_credential"`
}

// IssueResult is the credential endpoint response.
type IssueResult struct {
	CredentialID string          `json:"credential_id"`
	Credential   string          `json:"credential"`
	Format       string          `json:"format"`
	IssuerDID    string          `json:"issuer_did"`
	KID          string          `json:"kid"`
	Status       StatusReference `json:"status"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// CredentialConfiguration is one entry of the issuer metadata.
type CredentialConfiguration struct {
	Format                      string                `json:"format"`
	VCT                         string                `json:"vct,omitempty"`
	CredentialDefinition        *CredentialDefinition `json:"credential_definition,omitempty"`
	CryptographicBindingMethods []string              `json:"cryptographic_binding_methods_supported"`
	CredentialSigningAlgorithms []string              `json:"credential_signing_alg_values_supported"`
}

type CredentialDefinition struct {
	Type []string `json:"type"`
}

// Metadata is the issuer discovery document.
type Metadata struct {
	CredentialIssuer                  string                             `json:"credential_issuer"`
	TokenEndpoint                     string                             `json:"token_endpoint"`
	CredentialEndpoint                string                             `json:"credential_endpoint"`
	CredentialConfigurationsSupported map[string]CredentialConfiguration `json:"credential_configurations_supported"`
	GrantTypesSupported               []string                           `json:"grant_types_supported"`
}

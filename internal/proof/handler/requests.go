package handler

import (
	"strings"

	"credtrust/internal/proof"
	dErrors "credtrust/pkg/domain-errors"
)

const maxFieldLength = 512

type ZKHookRequest struct {
	Circuit      string         `json:"circuit"`
	PublicInputs map[string]any `json:"public_inputs,omitempty"`
}

func (z *ZKHookRequest) toDomain() *proof.ZKHook {
	if z == nil {
		return nil
	}
	return &proof.ZKHook{Circuit: z.Circuit, PublicInputs: z.PublicInputs}
}

// GenerateRequest is the HTTP request body for POST /proofs/generate.
type GenerateRequest struct {
	Format       string         `json:"format"`
	CredentialID string         `json:"credential_id"`
	Nonce        string         `json:"nonce,omitempty"`
	Challenge    string         `json:"challenge,omitempty"`
	Domain       string         `json:"domain,omitempty"`
	ZKHook       *ZKHookRequest `json:"zk_hook,omitempty"`
}

func (r *GenerateRequest) Normalize() {
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	r.CredentialID = strings.TrimSpace(r.CredentialID)
	if r.ZKHook != nil {
		r.ZKHook.Circuit = strings.TrimSpace(r.ZKHook.Circuit)
	}
}

func (r *GenerateRequest) Validate() error {
	if r.Format == "" {
		return dErrors.Field("format", "is required")
	}
	if r.CredentialID == "" {
		return dErrors.Field("credential_id", "is required")
	}
	for field, v := range map[string]string{"nonce": r.Nonce, "challenge": r.Challenge, "domain": r.Domain} {
		if len(v) > maxFieldLength {
			return dErrors.Field(field, "is too long")
		}
	}
	return nil
}

func (r *GenerateRequest) toDomain() proof.GenerateRequest {
	return proof.GenerateRequest{
		Format:       proof.Format(r.Format),
		CredentialID: r.CredentialID,
		Nonce:        r.Nonce,
		Challenge:    r.Challenge,
		Domain:       r.Domain,
		ZKHook:       r.ZKHook.toDomain(),
	}
}

// VerifyRequest is the HTTP request body for POST /proofs/verify.
type VerifyRequest struct {
	// Format overrides proof.format when set.
	Format         string         `json:"format,omitempty"`
	Proof          *proof.Proof   `json:"proof"`
	CredentialData map[string]any `json:"credential_data,omitempty"`
	Challenge      string         `json:"challenge,omitempty"`
	Domain         string         `json:"domain,omitempty"`
	IssuerDID      string         `json:"issuer_did,omitempty"`
	SubjectDID     string         `json:"subject_did,omitempty"`
	ExpectedHash   string         `json:"expected_hash,omitempty"`
	Algorithm      string         `json:"algorithm,omitempty"`
}

func (r *VerifyRequest) Normalize() {
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	r.Algorithm = strings.ToLower(strings.TrimSpace(r.Algorithm))
	r.ExpectedHash = strings.TrimSpace(r.ExpectedHash)
	if r.Proof != nil && r.Format != "" {
		r.Proof.Format = proof.Format(r.Format)
	}
}

func (r *VerifyRequest) Validate() error {
	if r.Proof == nil {
		return dErrors.Field("proof", "is required")
	}
	if r.Proof.Format == "" {
		return dErrors.Field("proof.format", "is required")
	}
	if r.Proof.CredentialID == "" {
		return dErrors.Field("proof.credential_id", "is required")
	}
	if r.Proof.LeafHash == "" {
		return dErrors.Field("proof.leaf_hash", "is required")
	}
	return nil
}

func (r *VerifyRequest) toDomain() proof.VerifyRequest {
	return proof.VerifyRequest{
		Proof:          *r.Proof,
		CredentialData: r.CredentialData,
		Challenge:      r.Challenge,
		Domain:         r.Domain,
		IssuerDID:      r.IssuerDID,
		SubjectDID:     r.SubjectDID,
		ExpectedHash:   r.ExpectedHash,
		Algorithm:      r.Algorithm,
	}
}

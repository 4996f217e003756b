package proof

import (
	"slices"
	"time"

	"credtrust/pkg/canonical"
)

// Format names a proof family.
type Format string

const (
	FormatMerkleMembership Format = "merkle-membership"
	FormatZKHook           Format = "zk-hook"
	// Recognised but not implemented; requests for them report
	// StatusUnsupportedFormat.
	FormatBBS2023     Format = "bbs-2023"
	FormatECDSASD2023 Format = "ecdsa-sd-2023"
)

// DefaultEnabledFormats is used when configuration names none.
var DefaultEnabledFormats = []Format{FormatMerkleMembership, FormatZKHook}

// Circuits a zk_hook may name. Circuits are never executed; the engine only
// checks membership.
var AllowedCircuits = []string{"age-verification", "cross-vertical-aggregate", "score-threshold"}

func IsAllowedCircuit(name string) bool {
	return slices.Contains(AllowedCircuits, name)
}

// Reason codes.
const (
	ReasonHashMismatch         = "PROOF_HASH_MISMATCH"
	ReasonLeafMismatch         = "PROOF_LEAF_MISMATCH"
	ReasonChallengeMismatch    = "PROOF_CHALLENGE_MISMATCH"
	ReasonDomainMismatch       = "PROOF_DOMAIN_MISMATCH"
	ReasonIssuerMismatch       = "PROOF_ISSUER_MISMATCH"
	ReasonSubjectMismatch      = "PROOF_SUBJECT_MISMATCH"
	ReasonExpectedHashMismatch = "PROOF_EXPECTED_HASH_MISMATCH"
	ReasonUnsupportedCircuit   = "ZK_UNSUPPORTED_CIRCUIT"
	ReasonReplayDetected       = "PROOF_REPLAY_DETECTED"
	ReasonCredentialNotFound   = "PROOF_CREDENTIAL_NOT_FOUND"
	ReasonUnsupportedFormat    = "PROOF_UNSUPPORTED_FORMAT"
)

// Result statuses.
const (
	StatusGenerated         = "generated"
	StatusValid             = "valid"
	StatusInvalid           = "invalid"
	StatusUnsupportedFormat = "unsupported_format"
	StatusReplayDetected    = "replay_detected"
)

type ZKHook struct {
	Circuit string `json:"circuit"`
	// PublicInputs are carried through untouched for the circuit's verifier.
	PublicInputs map[string]any `json:"public_inputs,omitempty"`
}

// Proof binds a credential snapshot to an optional challenge and domain. It
// is valid only for the exact claims it digests.
type Proof struct {
	Format           Format         `json:"format"`
	CredentialID     string         `json:"credential_id"`
	ClaimsDigest     string         `json:"claims_digest"`
	LeafHash         string         `json:"leaf_hash"`
	Nonce            string         `json:"nonce,omitempty"`
	Challenge        string         `json:"challenge,omitempty"`
	Domain           string         `json:"domain,omitempty"`
	Canonicalization canonical.Mode `json:"canonicalization"`
	Algorithm        string         `json:"algorithm"`
	ZKHook           *ZKHook        `json:"zk_hook,omitempty"`
	IssuerDID        string         `json:"issuer_did"`
	SubjectDID       string         `json:"subject_did"`
	CreatedAt        time.Time      `json:"created_at"`
}

type GenerateRequest struct {
	Format       Format
	CredentialID string
	Nonce        string
	Challenge    string
	Domain       string
	ZKHook       *ZKHook
}

type GenerateResult struct {
	Status           string   `json:"status"`
	Proof            *Proof   `json:"proof,omitempty"`
	SupportedFormats []Format `json:"supported_formats,omitempty"`
}

// VerifyRequest carries a proof and the context it must hold in. Empty
// expectation fields are not checked, except issuer and subject which fall
// back to the stored credential when it can be resolved.
type VerifyRequest struct {
	Proof Proof `json:"proof"`
	// CredentialData is the claim set presented alongside the proof. When nil
	// the stored credential's claims are used.
	CredentialData map[string]any `json:"credential_data,omitempty"`
	Challenge      string         `json:"challenge,omitempty"`
	Domain         string         `json:"domain,omitempty"`
	IssuerDID      string         `json:"issuer_did,omitempty"`
	SubjectDID     string         `json:"subject_did,omitempty"`
	ExpectedHash   string         `json:"expected_hash,omitempty"`
	Algorithm      string         `json:"algorithm,omitempty"`
}

type VerifyResult struct {
	Valid       bool     `json:"valid"`
	Status      string   `json:"status"`
	ReasonCodes []string `json:"reason_codes"`
	// HashMode is the canonicalization that reproduced ExpectedHash.
	HashMode canonical.Mode `json:"hash_mode,omitempty"`
}

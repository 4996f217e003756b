package verification

import (
	"time"

	"credtrust/internal/fraud"
)

// Check names, in pipeline order.
const (
	CheckParse         = "parse"
	CheckSignature     = "signature"
	CheckIssuerTrust   = "issuer_trust"
	CheckExpiration    = "expiration"
	CheckRevocation    = "revocation"
	CheckAnchor        = "anchor"
	CheckDIDResolution = "did_resolution"
)

var pipeline = []string{
	CheckParse,
	CheckSignature,
	CheckIssuerTrust,
	CheckExpiration,
	CheckRevocation,
	CheckAnchor,
	CheckDIDResolution,
}

// Outcome of a single check.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeWarning Outcome = "warning"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Decision is the pipeline verdict derived from the risk score.
type Decision string

const (
	DecisionVerified   Decision = "verified"
	DecisionSuspicious Decision = "suspicious"
	DecisionFailed     Decision = "failed"
)

func (d Decision) severity() int {
	switch d {
	case DecisionFailed:
		return 2
	case DecisionSuspicious:
		return 1
	default:
		return 0
	}
}

// API status values.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Revocation status values.
const (
	RevocationActive  = "active"
	RevocationRevoked = "revoked"
	RevocationUnknown = "unknown"
)

// Reason codes raised by the pipeline.
const (
	FlagUnparseable           = "CREDENTIAL_UNPARSEABLE"
	FlagDisclosureInvalid     = "SD_DISCLOSURE_INVALID"
	FlagSignatureMissing      = "SIGNATURE_MISSING"
	FlagSignatureInvalid      = "SIGNATURE_INVALID"
	FlagIssuerRevoked         = "ISSUER_REVOKED"
	FlagIssuerUntrusted       = "ISSUER_UNTRUSTED"
	FlagIssuerUnknown         = "ISSUER_UNKNOWN"
	FlagRegistryUnavailable   = "ISSUER_REGISTRY_UNAVAILABLE"
	FlagExpired               = "CREDENTIAL_EXPIRED"
	FlagNotYetValid           = "CREDENTIAL_NOT_YET_VALID"
	FlagRevoked               = "CREDENTIAL_REVOKED"
	FlagRevocationUnknown     = "REVOCATION_UNKNOWN"
	FlagRevocationUnavailable = "REVOCATION_UNAVAILABLE"
	FlagAnchorNotFound        = "ANCHOR_NOT_FOUND"
	FlagAnchorUnavailable     = "ANCHOR_UNAVAILABLE"
	FlagDIDMethodUnsupported  = "DID_METHOD_UNSUPPORTED"
	FlagSubjectMissing        = "SUBJECT_MISSING"
	FlagCredentialIDMissing   = "CREDENTIAL_ID_MISSING"
	FlagUnsignedPayload       = "UNSIGNED_PAYLOAD"
	FlagFraudEscalated        = "FRAUD_SCORE_ESCALATED"
)

const unavailableSuffix = "_UNAVAILABLE"

// CheckResult is one step of the pipeline.
type CheckResult struct {
	Name    string   `json:"name"`
	Outcome Outcome  `json:"outcome"`
	Flags   []string `json:"flags,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// Result is derived from the pipeline and only ever cached, never stored.
type Result struct {
	Status           string        `json:"status"`
	Decision         Decision      `json:"decision"`
	RiskScore        int           `json:"risk_score"`
	RiskFlags        []string      `json:"risk_flags"`
	ReasonCodes      []string      `json:"reason_codes"`
	Checks           []CheckResult `json:"checks"`
	Confidence       float64       `json:"confidence"`
	RevocationStatus string        `json:"revocation_status"`
	CredentialID     string        `json:"credential_id,omitempty"`
	IssuerDID        string        `json:"issuer_did,omitempty"`
	SubjectDID       string        `json:"subject_did,omitempty"`
	Format           string        `json:"format,omitempty"`
	Fraud            *fraud.Result `json:"fraud,omitempty"`
	Cached           bool          `json:"cached"`
	VerifiedAt       time.Time     `json:"verified_at"`
}

// Valid reports whether the credential passed verification.
func (r *Result) Valid() bool {
	return r.Status == StatusValid
}

// Input forms accepted by Parse.
const (
	FormJWT   = "jwt"
	FormSDJWT = "sd-jwt"
	FormQR    = "qr"
	FormJSON  = "json"
)

// Parsed is a credential normalized from any input form.
type Parsed struct {
	Form   string
	Format string
	// Token is the compact issuer-signed JWT, empty for JSON documents.
	Token string
	// Artifact is the presented string used for status lookup by digest.
	Artifact     string
	CredentialID string
	IssuerDID    string
	SubjectDID   string
	Types        []string
	Claims       map[string]any
	IssuedAt     *time.Time
	NotBefore    *time.Time
	ExpiresAt    *time.Time
	// ProofPresent is true when a signature segment or proof block exists.
	ProofPresent bool
	// Document is the payload the ledger anchor is computed over.
	Document map[string]any
}

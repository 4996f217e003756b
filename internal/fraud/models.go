package fraud

import "time"

// Input is the credential shape and pipeline output the blender scores.
type Input struct {
	CredentialID string         `json:"credential_id,omitempty"`
	IssuerDID    string         `json:"issuer_did"`
	SubjectDID   string         `json:"subject_did,omitempty"`
	Format       string         `json:"format,omitempty"`
	Claims       map[string]any `json:"claims,omitempty"`
	IssuedAt     *time.Time     `json:"issued_at,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	// BaseScore is the verification pipeline's risk score, folded into the
	// rule score.
	BaseScore int      `json:"base_score"`
	Flags     []string `json:"flags,omitempty"`
	UserAgent string   `json:"-"`
}

// Result is a completed blend. It is always produced; provider failures show
// up as Fallback=true.
type Result struct {
	Score        int      `json:"score"`
	RuleScore    int      `json:"rule_score"`
	AnomalyScore int      `json:"anomaly_score"`
	Flags        []string `json:"flags"`
	Provider     string   `json:"provider"`
	Fallback     bool     `json:"fallback"`
	Attempts     int      `json:"attempts"`
	RuleWeight   float64  `json:"rule_weight"`
	AIWeight     float64  `json:"anomaly_weight"`
}

// Flags raised by the rule set.
const (
	FlagKnownFraudulentIssuer = "KNOWN_FRAUDULENT_ISSUER"
	FlagSuspiciousContent     = "SUSPICIOUS_CONTENT"
	FlagIssuedInFuture        = "ISSUED_IN_FUTURE"
	FlagInvalidValidityWindow = "INVALID_VALIDITY_WINDOW"
	FlagExcessiveValidity     = "EXCESSIVE_VALIDITY"
	FlagMissingCredentialID   = "MISSING_CREDENTIAL_ID"
	FlagMissingSubject        = "MISSING_SUBJECT"
	FlagEmptyClaims           = "EMPTY_CLAIMS"
	FlagAutomatedClient       = "AUTOMATED_CLIENT"
	FlagAnomalyFallback       = "ANOMALY_PROVIDER_FALLBACK"
)

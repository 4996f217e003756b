package verification

import (
	"maps"
	"math"
	"strings"

	platformstrings "credtrust/pkg/platform/strings"
)

// Policy turns check outcomes and flags into a risk score and decision.
type Policy struct {
	Penalties           map[string]int
	FlagWeights         map[string]int
	FailThreshold       int
	SuspiciousThreshold int
}

// DefaultPolicy is the tuned penalty table. Checks not listed carry no
// penalty for that outcome.
func DefaultPolicy() Policy {
	return Policy{
		Penalties: map[string]int{
			penaltyKey(CheckParse, OutcomeFailed):          100,
			penaltyKey(CheckSignature, OutcomeFailed):      80,
			penaltyKey(CheckSignature, OutcomeWarning):     15,
			penaltyKey(CheckIssuerTrust, OutcomeFailed):    75,
			penaltyKey(CheckIssuerTrust, OutcomeWarning):   20,
			penaltyKey(CheckExpiration, OutcomeFailed):     75,
			penaltyKey(CheckRevocation, OutcomeFailed):     80,
			penaltyKey(CheckRevocation, OutcomeWarning):    25,
			penaltyKey(CheckAnchor, OutcomeWarning):        10,
			penaltyKey(CheckDIDResolution, OutcomeWarning): 10,
		},
		FlagWeights: map[string]int{
			FlagSubjectMissing:      10,
			FlagCredentialIDMissing: 5,
			FlagUnsignedPayload:     15,
		},
		FailThreshold:       70,
		SuspiciousThreshold: 40,
	}
}

// WithOverrides returns a copy with "<check>.<outcome>" penalties replaced.
// Non-positive thresholds keep the defaults.
func (p Policy) WithOverrides(overrides map[string]int, failThreshold, suspiciousThreshold int) Policy {
	penalties := maps.Clone(p.Penalties)
	for k, v := range overrides {
		penalties[strings.ToLower(strings.TrimSpace(k))] = v
	}
	p.Penalties = penalties
	if failThreshold > 0 {
		p.FailThreshold = failThreshold
	}
	if suspiciousThreshold > 0 {
		p.SuspiciousThreshold = suspiciousThreshold
	}
	return p
}

func penaltyKey(check string, outcome Outcome) string {
	return check + "." + string(outcome)
}

// Score sums per-check penalties and per-flag weights, clamped to 0..100.
func (p Policy) Score(checks []CheckResult, flags []string) int {
	score := 0
	for _, c := range checks {
		score += p.Penalties[penaltyKey(c.Name, c.Outcome)]
	}
	for _, f := range platformstrings.SortedUnique(flags) {
		score += p.FlagWeights[f]
	}
	return clampScore(score)
}

// Decide applies the thresholds: above FailThreshold fails, above
// SuspiciousThreshold is suspicious.
func (p Policy) Decide(score int) Decision {
	switch {
	case score > p.FailThreshold:
		return DecisionFailed
	case score > p.SuspiciousThreshold:
		return DecisionSuspicious
	default:
		return DecisionVerified
	}
}

// confidence is the share of evaluated checks that passed.
func confidence(checks []CheckResult) float64 {
	evaluated, passed := 0, 0
	for _, c := range checks {
		if c.Outcome == OutcomeSkipped {
			continue
		}
		evaluated++
		if c.Outcome == OutcomePassed {
			passed++
		}
	}
	if evaluated == 0 {
		return 0
	}
	return math.Round(float64(passed)/float64(evaluated)*100) / 100
}

func clampScore(score int) int {
	return min(max(score, 0), 100)
}

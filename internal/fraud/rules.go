package fraud

import (
	"regexp"
	"strings"
	"time"

	"github.com/mssola/useragent"

	platformstrings "credtrust/pkg/platform/strings"
)

const (
	clockSkew        = 5 * time.Minute
	maxValidityYears = 50
)

var defaultRuleWeights = map[string]int{
	FlagKnownFraudulentIssuer: 60,
	FlagSuspiciousContent:     20,
	FlagIssuedInFuture:        25,
	FlagInvalidValidityWindow: 30,
	FlagExcessiveValidity:     10,
	FlagMissingCredentialID:   5,
	FlagMissingSubject:        10,
	FlagEmptyClaims:           10,
	FlagAutomatedClient:       15,
}

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(fake|forged|dummy|sample|lorem ipsum)\b`),
	regexp.MustCompile(`(?i)diploma\s*mill`),
	regexp.MustCompile(`(?i)<script\b`),
}

// Rules is the static pattern rule set.
type Rules struct {
	fraudulent map[string]bool
	patterns   []*regexp.Regexp
	weights    map[string]int
}

func NewRules(fraudulentIssuers []string, patterns ...*regexp.Regexp) *Rules {
	r := &Rules{
		fraudulent: make(map[string]bool, len(fraudulentIssuers)),
		patterns:   defaultPatterns,
		weights:    defaultRuleWeights,
	}
	for _, did := range fraudulentIssuers {
		if did = strings.TrimSpace(did); did != "" {
			r.fraudulent[did] = true
		}
	}
	if len(patterns) > 0 {
		r.patterns = patterns
	}
	return r
}

// Evaluate returns the rule score (BaseScore plus rule weights, clamped to
// 0..100) and the flags raised, sorted.
func (r *Rules) Evaluate(in Input, now time.Time) (int, []string) {
	var flags []string
	raise := func(flag string) { flags = append(flags, flag) }

	if r.fraudulent[in.IssuerDID] {
		raise(FlagKnownFraudulentIssuer)
	}
	if r.suspicious(in.Claims) {
		raise(FlagSuspiciousContent)
	}

	if in.IssuedAt != nil && in.IssuedAt.After(now.Add(clockSkew)) {
		raise(FlagIssuedInFuture)
	}
	if in.IssuedAt != nil && in.ExpiresAt != nil {
		if !in.ExpiresAt.After(*in.IssuedAt) {
			raise(FlagInvalidValidityWindow)
		} else if in.ExpiresAt.After(in.IssuedAt.AddDate(maxValidityYears, 0, 0)) {
			raise(FlagExcessiveValidity)
		}
	}

	if in.CredentialID == "" {
		raise(FlagMissingCredentialID)
	}
	if in.SubjectDID == "" {
		raise(FlagMissingSubject)
	}
	if len(in.Claims) == 0 {
		raise(FlagEmptyClaims)
	}
	if IsAutomatedClient(in.UserAgent) {
		raise(FlagAutomatedClient)
	}

	score := in.BaseScore
	for _, f := range flags {
		score += r.weights[f]
	}
	return clamp(score), platformstrings.SortedUnique(flags)
}

// IsAutomatedClient reports whether ua identifies a bot or scripted client.
func IsAutomatedClient(ua string) bool {
	return ua != "" && useragent.New(ua).Bot()
}

func (r *Rules) suspicious(claims map[string]any) bool {
	for _, v := range claims {
		if r.matches(v) {
			return true
		}
	}
	return false
}

func (r *Rules) matches(v any) bool {
	switch t := v.(type) {
	case string:
		for _, p := range r.patterns {
			if p.MatchString(t) {
				return true
			}
		}
	case map[string]any:
		return r.suspicious(t)
	case []any:
		for _, item := range t {
			if r.matches(item) {
				return true
			}
		}
	}
	return false
}

func clamp(score int) int {
	return min(max(score, 0), 100)
}

package ratelimit

import (
	"time"
)

// Class groups endpoints that share a limit.
type Class string

const (
	// ClassPublic covers unauthenticated wallet and verifier traffic, keyed by
	// client IP.
	ClassPublic Class = "public"
	// ClassPrivileged covers issuer and admin routes, keyed by caller role and
	// client IP.
	ClassPrivileged Class = "privileged"
)

// Limit is the number of requests allowed per window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits are applied to classes the caller does not configure.
var DefaultLimits = map[Class]Limit{
	ClassPublic:     {Requests: 120, Window: time.Minute},
	ClassPrivileged: {Requests: 600, Window: time.Minute},
}

// Result is the outcome of one limiter check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the number of whole seconds until the window resets, at
// least one.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(r.ResetAt.Sub(now).Round(time.Second) / time.Second)
	return max(secs, 1)
}

// ExceededResponse is the 429 body.
type ExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

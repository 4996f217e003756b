// Package tracer provides a lightweight tracing abstraction for the
// verification pipeline and outbound collaborator calls.
//
// Implementations:
//   - NoopTracer: for tests (zero overhead)
//   - OTelTracer: OpenTelemetry adapter for production
package tracer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording any error that occurred.
	// End must be called exactly once, typically via defer.
	End(err error)
	SetAttributes(attrs ...Attribute)
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a new span with the given name and attributes.
	//
	// Example:
	//   ctx, span := tracer.Start(ctx, tracer.SpanVerifyCheck,
	//       tracer.String(tracer.AttrCheck, "revocation"),
	//   )
	//   defer span.End(nil)
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

func Float64(key string, value float64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// HashIdentifier returns a short SHA-256 prefix of an identifier (credential
// id, subject DID) so traces can be correlated without carrying the value.
func HashIdentifier(id string) string {
	if id == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(id))
	return hex.EncodeToString(hash[:8])
}

// Span names.
const (
	SpanVerify          = "verification.verify"
	SpanVerifyCheck     = "verification.check"
	SpanRegistryLookup  = "verification.registry.lookup"
	SpanLedgerLookup    = "verification.ledger.lookup"
	SpanFraudBlend      = "fraud.blend"
	SpanFraudProvider   = "fraud.provider.call"
	SpanPresentationVP  = "presentation.consume"
	SpanIssueCredential = "issuance.credential"
)

// Attribute keys.
const (
	AttrCheck        = "check"
	AttrOutcome      = "outcome"
	AttrCredential   = "credential.hash"
	AttrIssuer       = "issuer"
	AttrCacheHit     = "cache.hit"
	AttrAttempt      = "attempt"
	AttrFallback     = "fallback"
	AttrDecision     = "decision"
	AttrRiskScore    = "risk_score"
	AttrFormat       = "format"
	AttrInputForm    = "input_form"
	AttrProviderName = "provider"
)

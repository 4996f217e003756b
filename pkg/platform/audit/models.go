package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryCompliance covers credential lifecycle events that must be
	// persisted before the operation reports success.
	CategoryCompliance EventCategory = "compliance"
	// CategorySecurity covers key material and rejected presentations.
	CategorySecurity EventCategory = "security"
	// CategoryOperations covers routine activity that may be dropped under load.
	CategoryOperations EventCategory = "operations"
)

type AuditEvent string

const (
	// Issuance events
	EventCredentialOffered AuditEvent = "credential_offered"
	EventGrantExchanged    AuditEvent = "grant_exchanged"
	EventCredentialIssued  AuditEvent = "credential_issued"
	EventCredentialRevoked AuditEvent = "credential_revoked"

	// Presentation events
	EventPresentationRequested AuditEvent = "presentation_requested"
	EventPresentationAccepted  AuditEvent = "presentation_accepted"
	EventPresentationRejected  AuditEvent = "presentation_rejected"

	// Key lifecycle events
	EventSigningKeyCreated     AuditEvent = "signing_key_created"
	EventSigningKeyRotated     AuditEvent = "signing_key_rotated"
	EventEncryptionKeysRotated AuditEvent = "encryption_keys_rotated"

	// Verifier events
	EventVerificationCompleted AuditEvent = "verification_completed"
	EventProofReplayRejected   AuditEvent = "proof_replay_rejected"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventCredentialIssued:  CategoryCompliance,
	EventCredentialRevoked: CategoryCompliance,

	EventPresentationRejected:  CategorySecurity,
	EventSigningKeyCreated:     CategorySecurity,
	EventSigningKeyRotated:     CategorySecurity,
	EventEncryptionKeysRotated: CategorySecurity,
	EventProofReplayRejected:   CategorySecurity,

	EventCredentialOffered:     CategoryOperations,
	EventGrantExchanged:        CategoryOperations,
	EventPresentationRequested: CategoryOperations,
	EventPresentationAccepted:  CategoryOperations,
	EventVerificationCompleted: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory `json:"category"`
	Timestamp time.Time     `json:"timestamp"`
	Action    string        `json:"action"`
	// Subject is the entity the event is about: a credential id, issuer DID
	// or presentation request id.
	Subject      string `json:"subject"`
	IssuerDID    string `json:"issuer_did,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
	Decision     string `json:"decision,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	ActorRole    string `json:"actor_role,omitempty"`
	ClientIP     string `json:"client_ip,omitempty"`
}

// Sink receives events. Kafka and other fan-out targets implement only this.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Store is a queryable Sink.
type Store interface {
	Sink
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Emitter is the dependency services take for publishing audit events.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Nop discards events. Services default to it when no publisher is wired.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

package status

import "time"

// ListSize is the number of bits in one status list (16 KiB uncompressed).
const ListSize = 131072

// DefaultListID is the base list credentials are allocated from when the
// caller does not name one.
const DefaultListID = "default"

// Revocation is stored under the credential's flag key on first revocation.
type Revocation struct {
	CredentialID string    `json:"credential_id"`
	Reason       string    `json:"reason,omitempty"`
	RevokedAt    time.Time `json:"revoked_at"`
}

// RevokeResult reports whether this call performed the revocation.
type RevokeResult struct {
	CredentialID   string    `json:"credential_id"`
	AlreadyRevoked bool      `json:"already_revoked"`
	RevokedAt      time.Time `json:"revoked_at"`
}

// Slot is an allocated status-list position.
type Slot struct {
	ListID string `json:"status_list_id"`
	Index  int    `json:"status_list_index"`
}

// Ref identifies the credential whose status is checked: by id when the
// token carried one, otherwise by its signed artifact.
type Ref struct {
	CredentialID string
	Artifact     string
}

// Status values reported by CheckStatus.
const (
	StateActive  = "active"
	StateRevoked = "revoked"
)

type Status struct {
	CredentialID string      `json:"credential_id"`
	State        string      `json:"status"`
	Revoked      bool        `json:"revoked"`
	Revocation   *Revocation `json:"revocation,omitempty"`
	Slot         *Slot       `json:"slot,omitempty"`
}

// List is the published form of a status list: the gzip-compressed
// bitstring, base64url encoded without padding.
type List struct {
	ID           string    `json:"id"`
	Size         int       `json:"size"`
	Allocated    int       `json:"allocated"`
	RevokedCount int       `json:"revoked_count"`
	EncodedList  string    `json:"encoded_list"`
	Revision     int64     `json:"revision"`
	GeneratedAt  time.Time `json:"generated_at"`
}

type listMeta struct {
	ID        string    `json:"id"`
	Base      string    `json:"base"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

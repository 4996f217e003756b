// Package status owns credential revocation: per-credential revoked flags and
// the bitstring status lists verifiers download.
//
// Every transition is a create-if-absent write on its own key, so concurrent
// revokes of one credential (or of neighbouring bits in the same list) never
// race through a read-modify-write cycle. The bitstring is assembled from
// the bit markers when it is published.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"credtrust/internal/credential"
	"credtrust/internal/storage"
	dErrors "credtrust/pkg/domain-errors"
	audit "credtrust/pkg/platform/audit"
	"credtrust/pkg/requestcontext"
)

const (
	keyRevision = "status:revision"

	maxAllocateAttempts = 64
)

func keyActive(base string) string { return "status:active:" + base }

func keyNext(listID string) string { return "status:next:" + listID }

func keyMeta(listID string) string { return "status:list:" + listID }

func keyRolled(listID string) string { return "status:rolled:" + listID }

func keyFlag(credentialID string) string { return "status:revoked:" + credentialID }

func bitPrefix(listID string) string { return "status:bit:" + listID + ":" }

func keyBit(listID string, index int) string {
	return fmt.Sprintf("%s%07d", bitPrefix(listID), index)
}

type Registry struct {
	kv          storage.KV
	credentials credential.Store
	auditor     audit.Emitter
	logger      *slog.Logger
	metrics     *Metrics
	listSize    int
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

func WithAuditor(auditor audit.Emitter) Option {
	return func(r *Registry) {
		if auditor != nil {
			r.auditor = auditor
		}
	}
}

// WithListSize overrides ListSize. Sizes are rounded up to whole bytes.
func WithListSize(size int) Option {
	return func(r *Registry) {
		if size > 0 {
			r.listSize = size
		}
	}
}

func NewRegistry(kv storage.KV, credentials credential.Store, opts ...Option) *Registry {
	if kv == nil {
		panic("status: kv is required")
	}
	if credentials == nil {
		panic("status: credential store is required")
	}
	r := &Registry{
		kv:          kv,
		credentials: credentials,
		auditor:     audit.Nop{},
		logger:      slog.Default(),
		listSize:    ListSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allocate hands out the next free slot of base's active list. A full list is
// retired and its successor (<base>-2, <base>-3, ...) becomes active.
func (r *Registry) Allocate(ctx context.Context, base string) (Slot, error) {
	if base == "" {
		base = DefaultListID
	}
	listID, err := r.activeList(ctx, base)
	if err != nil {
		return Slot{}, err
	}

	for range maxAllocateAttempts {
		if err := r.ensureList(ctx, listID, base); err != nil {
			return Slot{}, err
		}
		n, err := r.kv.Incr(ctx, keyNext(listID))
		if err != nil {
			return Slot{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "allocate status slot")
		}
		if idx := int(n - 1); idx < r.listSize {
			r.metrics.IncAllocation()
			return Slot{ListID: listID, Index: idx}, nil
		}

		next := successor(base, listID)
		won, err := r.kv.SetNX(ctx, keyRolled(listID), []byte(next), 0)
		if err != nil {
			return Slot{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "roll over status list")
		}
		if won {
			if err := r.kv.Set(ctx, keyActive(base), []byte(next), 0); err != nil {
				return Slot{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "roll over status list")
			}
			r.metrics.IncRollover()
			r.logger.InfoContext(ctx, "status list full, rolled over",
				"list_id", listID,
				"next_list_id", next,
			)
		}
		listID = next
	}
	return Slot{}, dErrors.New(dErrors.CodeInternal, "status list allocation did not converge")
}

func (r *Registry) activeList(ctx context.Context, base string) (string, error) {
	raw, err := r.kv.Get(ctx, keyActive(base))
	if storage.IsNotFound(err) {
		return base, nil
	}
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "load active status list")
	}
	return string(raw), nil
}

func (r *Registry) ensureList(ctx context.Context, listID, base string) error {
	meta := listMeta{
		ID:        listID,
		Base:      base,
		Sequence:  sequence(base, listID),
		CreatedAt: requestcontext.Now(ctx),
	}
	if _, err := storage.SetNXJSON(ctx, r.kv, keyMeta(listID), meta, 0); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "create status list")
	}
	return nil
}

func sequence(base, listID string) int {
	if listID == base {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(listID, base+"-"))
	if err != nil {
		return 1
	}
	return n
}

func successor(base, listID string) string {
	return fmt.Sprintf("%s-%d", base, sequence(base, listID)+1)
}

// Revoke marks the credential revoked and sets its status-list bit. Repeated
// and concurrent calls are safe: exactly one caller observes
// AlreadyRevoked=false.
func (r *Registry) Revoke(ctx context.Context, credentialID, reason string) (RevokeResult, error) {
	if strings.TrimSpace(credentialID) == "" {
		return RevokeResult{}, dErrors.Field("credential_id", "is required")
	}
	cred, err := r.credentials.Get(ctx, credentialID)
	if storage.IsNotFound(err) {
		return RevokeResult{}, dErrors.New(dErrors.CodeNotFound, "credential not found")
	}
	if err != nil {
		return RevokeResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load credential")
	}

	// bit first: a visible flag always implies a set bit
	if cred.HasStatusSlot() {
		if _, err := r.kv.SetNX(ctx, keyBit(cred.StatusListID, *cred.StatusListIndex), []byte(cred.ID), 0); err != nil {
			return RevokeResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "set status bit")
		}
	}

	rec := Revocation{CredentialID: cred.ID, Reason: reason, RevokedAt: requestcontext.Now(ctx)}
	won, err := storage.SetNXJSON(ctx, r.kv, keyFlag(cred.ID), rec, 0)
	if err != nil {
		return RevokeResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "record revocation")
	}
	if !won {
		r.metrics.IncRevocation(true)
		existing, err := storage.GetJSON[Revocation](ctx, r.kv, keyFlag(cred.ID))
		if err != nil {
			return RevokeResult{CredentialID: cred.ID, AlreadyRevoked: true}, nil
		}
		return RevokeResult{CredentialID: cred.ID, AlreadyRevoked: true, RevokedAt: existing.RevokedAt}, nil
	}

	// Verifiers re-check revocation on cache hits, so a missed bump only
	// costs cache efficiency.
	if _, err := r.kv.Incr(ctx, keyRevision); err != nil {
		r.metrics.IncRevisionFailure()
		r.logger.ErrorContext(ctx, "status revision bump failed",
			"credential_id", cred.ID,
			"error", err,
		)
	}
	r.metrics.IncRevocation(false)
	r.logger.InfoContext(ctx, "credential revoked",
		"credential_id", cred.ID,
		"issuer_did", cred.IssuerDID,
		"request_id", requestcontext.RequestID(ctx),
	)
	if err := r.auditor.Emit(ctx, audit.Event{
		Action:       string(audit.EventCredentialRevoked),
		Subject:      cred.ID,
		CredentialID: cred.ID,
		IssuerDID:    cred.IssuerDID,
		Reason:       reason,
		RequestID:    requestcontext.RequestID(ctx),
		ActorRole:    string(requestcontext.CallerRole(ctx)),
	}); err != nil {
		r.logger.ErrorContext(ctx, "revocation audit failed", "credential_id", cred.ID, "error", err)
	}
	return RevokeResult{CredentialID: cred.ID, RevokedAt: rec.RevokedAt}, nil
}

// CheckStatus resolves the credential by id, falling back to the stored
// signed artifact when the presented token carried no usable id.
func (r *Registry) CheckStatus(ctx context.Context, ref Ref) (Status, error) {
	cred, err := r.resolve(ctx, ref)
	if err != nil {
		return Status{}, err
	}

	out := Status{CredentialID: cred.ID, State: StateActive}
	if cred.HasStatusSlot() {
		out.Slot = &Slot{ListID: cred.StatusListID, Index: *cred.StatusListIndex}
	}

	rec, err := storage.GetJSON[Revocation](ctx, r.kv, keyFlag(cred.ID))
	switch {
	case err == nil:
		out.Revoked = true
		out.Revocation = &rec
	case !storage.IsNotFound(err):
		return Status{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load revocation")
	}

	if !out.Revoked && out.Slot != nil {
		_, err := r.kv.Get(ctx, keyBit(out.Slot.ListID, out.Slot.Index))
		switch {
		case err == nil:
			out.Revoked = true
		case !storage.IsNotFound(err):
			return Status{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load status bit")
		}
	}
	if out.Revoked {
		out.State = StateRevoked
	}
	return out, nil
}

func (r *Registry) resolve(ctx context.Context, ref Ref) (*credential.Credential, error) {
	if ref.CredentialID == "" && ref.Artifact == "" {
		return nil, dErrors.Field("credential_id", "credential id or artifact is required")
	}
	if ref.CredentialID != "" {
		cred, err := r.credentials.Get(ctx, ref.CredentialID)
		if err == nil {
			return cred, nil
		}
		if !storage.IsNotFound(err) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "load credential")
		}
	}
	if ref.Artifact != "" {
		cred, err := r.credentials.GetByDigest(ctx, credential.DigestArtifact(ref.Artifact))
		if err == nil {
			return cred, nil
		}
		if !storage.IsNotFound(err) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "load credential by artifact")
		}
	}
	return nil, dErrors.New(dErrors.CodeNotFound, "credential not found")
}

// EncodedList publishes the list's bitstring.
func (r *Registry) EncodedList(ctx context.Context, listID string) (List, error) {
	meta, err := storage.GetJSON[listMeta](ctx, r.kv, keyMeta(listID))
	if storage.IsNotFound(err) {
		return List{}, dErrors.New(dErrors.CodeNotFound, "status list not found")
	}
	if err != nil {
		return List{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load status list")
	}

	entries, err := r.kv.Scan(ctx, bitPrefix(listID))
	if err != nil {
		return List{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "scan status bits")
	}
	bits := NewBitstring(r.listSize)
	revoked := 0
	for _, e := range entries {
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Key, bitPrefix(listID)))
		if err != nil || idx < 0 || idx >= r.listSize {
			r.logger.WarnContext(ctx, "ignoring malformed status bit", "key", e.Key)
			continue
		}
		bits.Set(idx)
		revoked++
	}
	encoded, err := bits.Encode()
	if err != nil {
		return List{}, dErrors.Wrap(err, dErrors.CodeInternal, "encode status list")
	}

	allocated := 0
	if raw, err := r.kv.Get(ctx, keyNext(meta.ID)); err == nil {
		n, _ := strconv.Atoi(string(raw))
		allocated = min(n, r.listSize)
	}
	revision, err := r.Revision(ctx)
	if err != nil {
		return List{}, err
	}
	return List{
		ID:           meta.ID,
		Size:         r.listSize,
		Allocated:    allocated,
		RevokedCount: revoked,
		EncodedList:  encoded,
		Revision:     revision,
		GeneratedAt:  requestcontext.Now(ctx),
	}, nil
}

// Revision increases with every new revocation; verifiers key cached results
// on it.
func (r *Registry) Revision(ctx context.Context) (int64, error) {
	raw, err := r.kv.Get(ctx, keyRevision)
	if storage.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "load status revision")
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "parse status revision")
	}
	return n, nil
}

// Package proof builds and verifies credential proofs: single-leaf merkle
// membership commitments bound to a challenge and domain, and ZK hooks whose
// circuit must be on an allowlist.
package proof

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"credtrust/internal/credential"
	"credtrust/internal/storage"
	"credtrust/pkg/canonical"
	dErrors "credtrust/pkg/domain-errors"
	audit "credtrust/pkg/platform/audit"
	platformstrings "credtrust/pkg/platform/strings"
	"credtrust/pkg/requestcontext"
)

// CredentialLookup is the read side of the credential store.
type CredentialLookup interface {
	Get(ctx context.Context, id string) (*credential.Credential, error)
}

type Engine struct {
	credentials CredentialLookup
	replay      *ReplayGuard
	enabled     []Format
	auditor     audit.Emitter
	logger      *slog.Logger
	metrics     *Metrics
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

func WithAuditor(auditor audit.Emitter) Option {
	return func(e *Engine) {
		if auditor != nil {
			e.auditor = auditor
		}
	}
}

// WithEnabledFormats restricts the formats the engine serves. Unknown names
// are ignored.
func WithEnabledFormats(formats ...string) Option {
	return func(e *Engine) {
		var enabled []Format
		for _, f := range formats {
			switch Format(strings.TrimSpace(f)) {
			case FormatMerkleMembership, FormatZKHook:
				enabled = append(enabled, Format(strings.TrimSpace(f)))
			}
		}
		if len(enabled) > 0 {
			e.enabled = enabled
		}
	}
}

func NewEngine(credentials CredentialLookup, replay *ReplayGuard, opts ...Option) *Engine {
	if credentials == nil {
		panic("proof: credential lookup is required")
	}
	if replay == nil {
		panic("proof: replay guard is required")
	}
	e := &Engine{
		credentials: credentials,
		replay:      replay,
		enabled:     DefaultEnabledFormats,
		auditor:     audit.Nop{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) SupportedFormats() []Format {
	return slices.Clone(e.enabled)
}

func (e *Engine) supports(f Format) bool {
	return slices.Contains(e.enabled, f)
}

// LeafHash computes sha256(canonical({credential_id, claims_digest, nonce})).
// An absent nonce is committed as null.
func LeafHash(credentialID, claimsDigest, nonce string) (string, error) {
	leaf := map[string]any{
		"credential_id": credentialID,
		"claims_digest": claimsDigest,
		"nonce":         nil,
	}
	if nonce != "" {
		leaf["nonce"] = nonce
	}
	return canonical.Hash(leaf, canonical.SHA256, canonical.ModeStrict)
}

// Generate builds a proof over the stored credential's claims. A disabled
// format is reported through the result status, not as an error.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if !e.supports(req.Format) {
		e.metrics.IncGenerated(req.Format, StatusUnsupportedFormat)
		return GenerateResult{Status: StatusUnsupportedFormat, SupportedFormats: e.SupportedFormats()}, nil
	}
	if strings.TrimSpace(req.CredentialID) == "" {
		return GenerateResult{}, dErrors.Field("credential_id", "is required")
	}
	if req.Format == FormatZKHook {
		if req.ZKHook == nil || req.ZKHook.Circuit == "" {
			return GenerateResult{}, dErrors.Field("zk_hook.circuit", "is required for zk-hook proofs")
		}
		if !IsAllowedCircuit(req.ZKHook.Circuit) {
			return GenerateResult{}, &dErrors.Error{
				Code:    dErrors.CodeIntegrity,
				Message: "unsupported circuit " + req.ZKHook.Circuit,
				Field:   "zk_hook.circuit",
			}
		}
	}

	cred, err := e.credentials.Get(ctx, req.CredentialID)
	if storage.IsNotFound(err) {
		return GenerateResult{}, dErrors.New(dErrors.CodeNotFound, "credential not found")
	}
	if err != nil {
		return GenerateResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load credential")
	}

	claimsDigest, err := canonical.Hash(cred.CredentialData, canonical.SHA256, canonical.ModeStrict)
	if err != nil {
		return GenerateResult{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "credential claims cannot be canonicalized")
	}
	leaf, err := LeafHash(cred.ID, claimsDigest, req.Nonce)
	if err != nil {
		return GenerateResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "compute leaf hash")
	}

	p := &Proof{
		Format:           req.Format,
		CredentialID:     cred.ID,
		ClaimsDigest:     claimsDigest,
		LeafHash:         leaf,
		Nonce:            req.Nonce,
		Challenge:        req.Challenge,
		Domain:           req.Domain,
		Canonicalization: canonical.ModeStrict,
		Algorithm:        string(canonical.SHA256),
		ZKHook:           req.ZKHook,
		IssuerDID:        cred.IssuerDID,
		SubjectDID:       cred.SubjectDID,
		CreatedAt:        requestcontext.Now(ctx),
	}
	e.metrics.IncGenerated(req.Format, StatusGenerated)
	e.logger.InfoContext(ctx, "proof generated",
		"format", req.Format,
		"credential_id", cred.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return GenerateResult{Status: StatusGenerated, Proof: p}, nil
}

// Verify checks a proof. Integrity problems are reported as reason codes on
// an invalid result; errors are reserved for infrastructure failures.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if !e.supports(req.Proof.Format) {
		res := VerifyResult{Status: StatusUnsupportedFormat, ReasonCodes: []string{ReasonUnsupportedFormat}}
		e.metrics.ObserveVerification(res)
		return res, nil
	}

	algorithm := canonical.Algorithm(strings.ToLower(strings.TrimSpace(req.Algorithm)))
	switch algorithm {
	case "":
		algorithm = canonical.SHA256
	case canonical.SHA256, canonical.Keccak256:
	default:
		return VerifyResult{}, dErrors.Field("algorithm", "unsupported digest algorithm")
	}

	seen, digest, err := e.replay.Observe(ctx, req)
	if err != nil {
		return VerifyResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "replay guard unavailable")
	}
	if seen {
		res := VerifyResult{Status: StatusReplayDetected, ReasonCodes: []string{ReasonReplayDetected}}
		e.metrics.ObserveVerification(res)
		e.logger.WarnContext(ctx, "proof replay rejected",
			"payload_digest", digest,
			"request_id", requestcontext.RequestID(ctx),
		)
		_ = e.auditor.Emit(ctx, audit.Event{
			Action:       string(audit.EventProofReplayRejected),
			Subject:      digest,
			CredentialID: req.Proof.CredentialID,
			RequestID:    requestcontext.RequestID(ctx),
			ClientIP:     requestcontext.ClientIP(ctx),
		})
		return res, nil
	}

	reasons, mode, err := e.check(ctx, req, algorithm)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{Valid: len(reasons) == 0, Status: StatusValid, ReasonCodes: platformstrings.SortedUnique(reasons), HashMode: mode}
	if !res.Valid {
		res.Status = StatusInvalid
	}
	e.metrics.ObserveVerification(res)
	return res, nil
}

func (e *Engine) check(ctx context.Context, req VerifyRequest, algorithm canonical.Algorithm) ([]string, canonical.Mode, error) {
	p := req.Proof
	var reasons []string

	cred, err := e.credentials.Get(ctx, p.CredentialID)
	switch {
	case storage.IsNotFound(err):
		if req.CredentialData == nil {
			reasons = append(reasons, ReasonCredentialNotFound)
		}
	case err != nil:
		return nil, "", dErrors.Wrap(err, dErrors.CodeUnavailable, "load credential")
	}

	claims := req.CredentialData
	if claims == nil && cred != nil {
		claims = cred.CredentialData
	}

	if claims != nil {
		mode := p.Canonicalization
		if mode == "" {
			mode = canonical.ModeStrict
		}
		got, err := canonical.Hash(claims, canonical.SHA256, mode)
		if err != nil || got != p.ClaimsDigest {
			reasons = append(reasons, ReasonHashMismatch)
		}
	}

	leaf, err := LeafHash(p.CredentialID, p.ClaimsDigest, p.Nonce)
	if err != nil || leaf != p.LeafHash {
		reasons = append(reasons, ReasonLeafMismatch)
	}

	if req.Challenge != "" && req.Challenge != p.Challenge {
		reasons = append(reasons, ReasonChallengeMismatch)
	}
	if req.Domain != "" && req.Domain != p.Domain {
		reasons = append(reasons, ReasonDomainMismatch)
	}

	wantIssuer, wantSubject := req.IssuerDID, req.SubjectDID
	if cred != nil {
		if wantIssuer == "" {
			wantIssuer = cred.IssuerDID
		}
		if wantSubject == "" {
			wantSubject = cred.SubjectDID
		}
	}
	if wantIssuer != "" && wantIssuer != p.IssuerDID {
		reasons = append(reasons, ReasonIssuerMismatch)
	}
	if wantSubject != "" && wantSubject != p.SubjectDID {
		reasons = append(reasons, ReasonSubjectMismatch)
	}

	if p.Format == FormatZKHook || p.ZKHook != nil {
		if p.ZKHook == nil || !IsAllowedCircuit(p.ZKHook.Circuit) {
			reasons = append(reasons, ReasonUnsupportedCircuit)
		}
	}

	var hashMode canonical.Mode
	if req.ExpectedHash != "" {
		ok := false
		if claims != nil {
			hashMode, ok, _ = canonical.VerifyDigest(claims, algorithm, req.ExpectedHash)
		}
		if !ok {
			reasons = append(reasons, ReasonExpectedHashMismatch)
		}
	}
	return reasons, hashMode, nil
}

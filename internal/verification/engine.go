package verification

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"credtrust/internal/fraud"
	"credtrust/internal/platform/tracer"
	"credtrust/internal/status"
	"credtrust/internal/storage"
	"credtrust/pkg/canonical"
	dErrors "credtrust/pkg/domain-errors"
	"credtrust/pkg/platform/audit"
	"credtrust/pkg/platform/sentinel"
	platformstrings "credtrust/pkg/platform/strings"
	"credtrust/pkg/requestcontext"
)

const (
	clockSkew       = 5 * time.Minute
	defaultCacheTTL = 5 * time.Minute
	cachePrefix     = "verify:cache:"
)

// FlagKeyStoreUnavailable is raised when issuer keys could not be loaded.
const FlagKeyStoreUnavailable = "KEY_STORE_UNAVAILABLE"

// SupportedDIDMethods are the DID methods the resolver check accepts.
var SupportedDIDMethods = []string{"web", "key", "ethr", "ion", "jwk"}

type Config struct {
	TrustedIssuers []string
	RevokedIssuers []string
	Policy         Policy
	CacheTTL       time.Duration
}

// Engine runs the fixed verification pipeline.
type Engine struct {
	policy   Policy
	trusted  map[string]bool
	revoked  map[string]bool
	cacheTTL time.Duration

	keys     KeyVerifier
	statuses StatusChecker
	registry IssuerRegistry
	ledger   Ledger
	blender  FraudBlender
	cache    storage.KV

	logger  *slog.Logger
	metrics *Metrics
	tracer  tracer.Tracer
	auditor audit.Emitter
}

type Option func(*Engine)

func WithStatusChecker(s StatusChecker) Option {
	return func(e *Engine) { e.statuses = s }
}

func WithIssuerRegistry(r IssuerRegistry) Option {
	return func(e *Engine) { e.registry = r }
}

func WithLedger(l Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

func WithFraudBlender(b FraudBlender) Option {
	return func(e *Engine) { e.blender = b }
}

// WithCache enables result caching keyed by input digest and status revision.
func WithCache(kv storage.KV) Option {
	return func(e *Engine) { e.cache = kv }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t tracer.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithAuditor(a audit.Emitter) Option {
	return func(e *Engine) {
		if a != nil {
			e.auditor = a
		}
	}
}

func NewEngine(cfg Config, keys KeyVerifier, opts ...Option) *Engine {
	if keys == nil {
		panic("key verifier is required")
	}
	policy := cfg.Policy
	if policy.Penalties == nil {
		policy = DefaultPolicy()
	}
	e := &Engine{
		policy:   policy,
		trusted:  toSet(cfg.TrustedIssuers),
		revoked:  toSet(cfg.RevokedIssuers),
		cacheTTL: cfg.CacheTTL,
		keys:     keys,
		logger:   slog.Default(),
		tracer:   tracer.NewNoop(),
		auditor:  audit.Nop{},
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = defaultCacheTTL
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify checks a presented credential string (JWT, SD-JWT, QR or JSON).
func (e *Engine) Verify(ctx context.Context, raw string) (*Result, error) {
	return e.VerifyValue(ctx, raw)
}

// VerifyValue checks a credential given as a string artifact or a decoded
// JSON document. Only empty input is an error; everything else produces a
// Result.
func (e *Engine) VerifyValue(ctx context.Context, v any) (*Result, error) {
	digest, err := inputDigest(v)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, tracer.SpanVerify)
	res, form := e.verify(ctx, v, digest)
	span.SetAttributes(
		tracer.String(tracer.AttrDecision, string(res.Decision)),
		tracer.Int64(tracer.AttrRiskScore, int64(res.RiskScore)),
		tracer.String(tracer.AttrInputForm, form),
		tracer.Bool(tracer.AttrCacheHit, res.Cached),
	)
	span.End(nil)

	e.metrics.ObserveResult(res, form, time.Since(start))
	e.emit(ctx, res)
	return res, nil
}

func (e *Engine) verify(ctx context.Context, v any, digest string) (*Result, string) {
	revision, cacheable := e.revision(ctx)
	key := cacheKey(digest, revision, fraud.IsAutomatedClient(requestcontext.UserAgent(ctx)))
	if cacheable {
		if res, ok := e.cached(ctx, key); ok {
			return res, "cache"
		}
	}

	p, err := ParseValue(v)
	if err != nil {
		return e.unparseable(ctx, err), "unparseable"
	}

	checks, revocation := e.runChecks(ctx, p)
	res := e.assemble(ctx, p, checks, revocation)

	if cacheable && !hasUnavailable(res.ReasonCodes) {
		e.store(ctx, key, p, res)
	}
	return res, p.Form
}

// runChecks executes the pipeline. Checks that reach collaborators run
// concurrently; results keep pipeline order.
func (e *Engine) runChecks(ctx context.Context, p *Parsed) ([]CheckResult, string) {
	results := make([]CheckResult, len(pipeline))
	results[0] = CheckResult{Name: CheckParse, Outcome: OutcomePassed, Detail: p.Form}

	revocation := RevocationUnknown
	var g errgroup.Group
	run := func(i int, check func(context.Context, *Parsed) CheckResult) {
		g.Go(func() error {
			results[i] = e.timed(ctx, pipeline[i], p, check)
			return nil
		})
	}
	run(1, e.checkSignature)
	run(2, e.checkIssuerTrust)
	run(4, func(ctx context.Context, p *Parsed) CheckResult {
		res, state := e.checkRevocation(ctx, p)
		revocation = state
		return res
	})
	run(5, e.checkAnchor)
	_ = g.Wait()

	results[3] = e.timed(ctx, CheckExpiration, p, e.checkExpiration)
	results[6] = e.timed(ctx, CheckDIDResolution, p, e.checkDID)
	return results, revocation
}

func (e *Engine) timed(ctx context.Context, name string, p *Parsed, check func(context.Context, *Parsed) CheckResult) CheckResult {
	ctx, span := e.tracer.Start(ctx, tracer.SpanVerifyCheck,
		tracer.String(tracer.AttrCheck, name),
		tracer.String(tracer.AttrCredential, tracer.HashIdentifier(p.CredentialID)),
	)
	start := time.Now()
	res := check(ctx, p)
	res.Name = name
	res.Flags = platformstrings.SortedUnique(res.Flags)
	e.metrics.ObserveCheck(name, res.Outcome, time.Since(start))
	span.SetAttributes(tracer.String(tracer.AttrOutcome, string(res.Outcome)))
	span.End(nil)
	return res
}

func (e *Engine) checkSignature(ctx context.Context, p *Parsed) CheckResult {
	if !isDID(p.IssuerDID) || !p.ProofPresent {
		return failed("issuer DID and proof are both required", FlagSignatureMissing)
	}
	if p.Token == "" {
		return passed("proof block present")
	}

	_, key, err := e.keys.Verify(ctx, p.Token)
	switch {
	case err == nil:
		if key.IssuerDID != p.IssuerDID {
			return failed("signing key belongs to another issuer", FlagSignatureInvalid)
		}
		return passed("signature verified with " + key.HeaderKID())
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		// The signature checked out; validity is the expiration check's call.
		return passed("signature verified")
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		return e.unresolvedKey(ctx, p)
	case dErrors.HasCode(err, dErrors.CodeUnavailable):
		return warning("issuer keys unavailable", FlagKeyStoreUnavailable)
	default:
		return failed("signature does not verify", FlagSignatureInvalid)
	}
}

// unresolvedKey handles a kid that names no stored key. An issuer this
// manager holds keys for must sign with one of them, so a missing or unknown
// kid under that issuer fails closed.
func (e *Engine) unresolvedKey(ctx context.Context, p *Parsed) CheckResult {
	jwks, err := e.keys.PublicKeys(ctx, p.IssuerDID)
	switch {
	case err != nil:
		return warning("issuer keys unavailable", FlagKeyStoreUnavailable)
	case len(jwks) > 0:
		return failed("token kid does not name a key of the issuer", FlagSignatureInvalid)
	default:
		return passed("signature present; issuer key not held locally")
	}
}

func (e *Engine) checkIssuerTrust(ctx context.Context, p *Parsed) CheckResult {
	did := p.IssuerDID
	switch {
	case did == "":
		return warning("no issuer", FlagIssuerUnknown)
	case e.revoked[did]:
		return failed("issuer is on the revoked list", FlagIssuerRevoked)
	case e.trusted[did]:
		return passed("issuer is on the trusted list")
	}
	if jwks, err := e.keys.PublicKeys(ctx, did); err == nil && len(jwks) > 0 {
		return passed("issuer keys held locally")
	}
	if e.registry == nil {
		return warning("issuer not in local registry", FlagIssuerUnknown)
	}

	ctx, span := e.tracer.Start(ctx, tracer.SpanRegistryLookup, tracer.String(tracer.AttrIssuer, did))
	rec, err := e.registry.Lookup(ctx, did)
	span.End(err)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return warning("issuer not found in registry", FlagIssuerUnknown)
		}
		e.logger.WarnContext(ctx, "issuer registry lookup failed",
			"issuer_did", did,
			"error", err,
		)
		return warning("issuer registry unavailable", FlagRegistryUnavailable)
	}
	switch rec.Status {
	case IssuerTrusted:
		return passed("issuer trusted by registry")
	case IssuerRevoked:
		return failed("issuer revoked by registry", FlagIssuerRevoked)
	case IssuerUntrusted:
		return failed("issuer untrusted by registry", FlagIssuerUntrusted)
	default:
		return warning("issuer unknown to registry", FlagIssuerUnknown)
	}
}

func (e *Engine) checkExpiration(ctx context.Context, p *Parsed) CheckResult {
	now := requestcontext.Now(ctx)
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return failed("expired at "+p.ExpiresAt.Format(time.RFC3339), FlagExpired)
	}
	start := p.NotBefore
	if start == nil {
		start = p.IssuedAt
	}
	if start != nil && start.After(now.Add(clockSkew)) {
		return failed("not valid before "+start.Format(time.RFC3339), FlagNotYetValid)
	}
	if p.ExpiresAt == nil {
		return passed("no expiry")
	}
	return passed("valid until " + p.ExpiresAt.Format(time.RFC3339))
}

func (e *Engine) checkRevocation(ctx context.Context, p *Parsed) (CheckResult, string) {
	if e.statuses == nil || (p.CredentialID == "" && p.Artifact == "") {
		return warning("no status source", FlagRevocationUnknown), RevocationUnknown
	}
	st, err := e.statuses.CheckStatus(ctx, status.Ref{CredentialID: p.CredentialID, Artifact: p.Artifact})
	switch {
	case err == nil && st.Revoked:
		return failed("credential revoked", FlagRevoked), RevocationRevoked
	case err == nil:
		return passed("credential active"), RevocationActive
	case dErrors.HasCode(err, dErrors.CodeNotFound), dErrors.HasCode(err, dErrors.CodeValidation):
		return warning("credential not known to status registry", FlagRevocationUnknown), RevocationUnknown
	default:
		e.logger.WarnContext(ctx, "status lookup failed",
			"credential_id", p.CredentialID,
			"error", err,
		)
		return warning("status registry unavailable", FlagRevocationUnavailable), RevocationUnknown
	}
}

func (e *Engine) checkAnchor(ctx context.Context, p *Parsed) CheckResult {
	if e.ledger == nil {
		return CheckResult{Outcome: OutcomeSkipped, Detail: "no ledger configured"}
	}
	hash, err := canonical.Hash(p.Document, canonical.Keccak256, canonical.ModeStrict)
	if err != nil {
		return CheckResult{Outcome: OutcomeSkipped, Detail: "document cannot be canonicalized"}
	}

	ctx, span := e.tracer.Start(ctx, tracer.SpanLedgerLookup)
	anchor, err := e.ledger.FindAnchor(ctx, hash)
	span.End(err)
	switch {
	case err != nil:
		e.logger.WarnContext(ctx, "ledger lookup failed", "error", err)
		return warning("ledger unavailable", FlagAnchorUnavailable)
	case anchor == nil:
		return warning("no anchor for "+hash, FlagAnchorNotFound)
	default:
		return passed("anchored in tx " + anchor.TxHash)
	}
}

func (e *Engine) checkDID(_ context.Context, p *Parsed) CheckResult {
	var unsupported []string
	for _, did := range []string{p.IssuerDID, p.SubjectDID} {
		if did == "" {
			continue
		}
		if !slices.Contains(SupportedDIDMethods, didMethod(did)) {
			unsupported = append(unsupported, did)
		}
	}
	if len(unsupported) > 0 {
		return warning("unsupported DID method: "+strings.Join(unsupported, ", "), FlagDIDMethodUnsupported)
	}
	return passed("DID methods supported")
}

func (e *Engine) assemble(ctx context.Context, p *Parsed, checks []CheckResult, revocation string) *Result {
	var flags []string
	for _, c := range checks {
		flags = append(flags, c.Flags...)
	}
	if p.SubjectDID == "" {
		flags = append(flags, FlagSubjectMissing)
	}
	if p.CredentialID == "" {
		flags = append(flags, FlagCredentialIDMissing)
	}

	risk := e.policy.Score(checks, flags)
	decision := e.policy.Decide(risk)

	res := &Result{
		Checks:           checks,
		Confidence:       confidence(checks),
		RevocationStatus: revocation,
		CredentialID:     p.CredentialID,
		IssuerDID:        p.IssuerDID,
		SubjectDID:       p.SubjectDID,
		Format:           p.Format,
		VerifiedAt:       requestcontext.Now(ctx).UTC(),
	}

	if e.blender != nil {
		fr := e.blender.Blend(ctx, fraud.Input{
			CredentialID: p.CredentialID,
			IssuerDID:    p.IssuerDID,
			SubjectDID:   p.SubjectDID,
			Format:       p.Format,
			Claims:       p.Claims,
			IssuedAt:     p.IssuedAt,
			ExpiresAt:    p.ExpiresAt,
			BaseScore:    risk,
			Flags:        platformstrings.SortedUnique(flags),
			UserAgent:    requestcontext.UserAgent(ctx),
		})
		res.Fraud = &fr
		for _, f := range fr.Flags {
			if f != fraud.FlagAnomalyFallback {
				flags = append(flags, f)
			}
		}
		// Blending may escalate the decision, never relax it.
		if fr.Score > risk {
			risk = fr.Score
			if blended := e.policy.Decide(risk); blended.severity() > decision.severity() {
				decision = blended
				flags = append(flags, FlagFraudEscalated)
			}
		}
	}

	res.RiskScore = risk
	res.Decision = decision
	res.RiskFlags = platformstrings.SortedUnique(flags)
	res.ReasonCodes = res.RiskFlags
	res.Status = StatusInvalid
	if decision == DecisionVerified {
		res.Status = StatusValid
	}
	return res
}

func (e *Engine) unparseable(ctx context.Context, err error) *Result {
	flag := FlagUnparseable
	if errors.Is(err, ErrDisclosureInvalid) {
		flag = FlagDisclosureInvalid
	}
	checks := make([]CheckResult, len(pipeline))
	checks[0] = CheckResult{Name: CheckParse, Outcome: OutcomeFailed, Flags: []string{flag}, Detail: err.Error()}
	for i := 1; i < len(pipeline); i++ {
		checks[i] = CheckResult{Name: pipeline[i], Outcome: OutcomeSkipped}
	}
	flags := []string{flag}
	return &Result{
		Status:           StatusInvalid,
		Decision:         DecisionFailed,
		RiskScore:        100,
		RiskFlags:        flags,
		ReasonCodes:      flags,
		Checks:           checks,
		Confidence:       0,
		RevocationStatus: RevocationUnknown,
		VerifiedAt:       requestcontext.Now(ctx).UTC(),
	}
}

func (e *Engine) revision(ctx context.Context) (int64, bool) {
	if e.cache == nil {
		return 0, false
	}
	if e.statuses == nil {
		return 0, true
	}
	rev, err := e.statuses.Revision(ctx)
	if err != nil {
		return 0, false
	}
	return rev, true
}

// cacheEntry is a stored result plus the status reference used to re-check
// revocation on a hit.
type cacheEntry struct {
	Result       Result `json:"result"`
	CredentialID string `json:"credential_id,omitempty"`
	Artifact     string `json:"artifact,omitempty"`
}

// cacheKey separates automated clients because the fraud rules score them
// differently.
func cacheKey(digest string, revision int64, automated bool) string {
	agent := "h"
	if automated {
		agent = "a"
	}
	return cachePrefix + digest + ":" + strconv.FormatInt(revision, 10) + ":" + agent
}

func (e *Engine) cached(ctx context.Context, key string) (*Result, bool) {
	entry, err := storage.GetJSON[cacheEntry](ctx, e.cache, key)
	if err != nil {
		if !storage.IsNotFound(err) {
			e.logger.WarnContext(ctx, "verification cache read failed", "error", err)
		}
		e.metrics.IncCache(false)
		return nil, false
	}
	// A missed revision bump must not keep serving a revoked credential.
	if entry.Result.RevocationStatus == RevocationActive && !e.stillActive(ctx, entry) {
		e.metrics.IncCache(false)
		return nil, false
	}
	e.metrics.IncCache(true)
	res := entry.Result
	res.Cached = true
	return &res, true
}

func (e *Engine) stillActive(ctx context.Context, entry cacheEntry) bool {
	if e.statuses == nil {
		return true
	}
	if entry.CredentialID == "" && entry.Artifact == "" {
		return false
	}
	st, err := e.statuses.CheckStatus(ctx, status.Ref{CredentialID: entry.CredentialID, Artifact: entry.Artifact})
	return err == nil && !st.Revoked
}

// store caches res until the next validity boundary at the latest, so a
// credential crossing its nbf or exp is evaluated again.
func (e *Engine) store(ctx context.Context, key string, p *Parsed, res *Result) {
	ttl := e.cacheTTL
	now := requestcontext.Now(ctx)
	var boundaries []time.Time
	if p.ExpiresAt != nil {
		boundaries = append(boundaries, *p.ExpiresAt)
	}
	if start := cmp.Or(p.NotBefore, p.IssuedAt); start != nil {
		boundaries = append(boundaries, start.Add(-clockSkew))
	}
	for _, b := range boundaries {
		if b.After(now) {
			ttl = min(ttl, b.Sub(now))
		}
	}
	if ttl < time.Second {
		return
	}
	entry := cacheEntry{Result: *res, CredentialID: p.CredentialID, Artifact: p.Artifact}
	if err := storage.SetJSON(ctx, e.cache, key, entry, ttl); err != nil {
		e.logger.WarnContext(ctx, "verification cache write failed", "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, res *Result) {
	event := audit.Event{
		Action:       string(audit.EventVerificationCompleted),
		Subject:      res.CredentialID,
		IssuerDID:    res.IssuerDID,
		CredentialID: res.CredentialID,
		Decision:     string(res.Decision),
		Reason:       strings.Join(res.ReasonCodes, ","),
		RequestID:    requestcontext.RequestID(ctx),
		ActorRole:    string(requestcontext.CallerRole(ctx)),
		ClientIP:     requestcontext.ClientIP(ctx),
	}
	if err := e.auditor.Emit(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "verification audit failed", "error", err)
	}
}

// inputDigest identifies the presented input for caching.
func inputDigest(v any) (string, error) {
	switch t := v.(type) {
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return "", dErrors.Field("credential", "is required")
		}
		sum := sha256.Sum256([]byte(trimmed))
		return hex.EncodeToString(sum[:]), nil
	case map[string]any:
		if len(t) == 0 {
			return "", dErrors.Field("credential", "is required")
		}
		digest, err := canonical.HashStrict(t)
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeValidation, "credential: "+err.Error())
		}
		return digest, nil
	case nil:
		return "", dErrors.Field("credential", "is required")
	default:
		return "", dErrors.Field("credential", "must be a string or an object")
	}
}

func hasUnavailable(flags []string) bool {
	for _, f := range flags {
		if strings.HasSuffix(f, unavailableSuffix) {
			return true
		}
	}
	return false
}

func passed(detail string) CheckResult {
	return CheckResult{Outcome: OutcomePassed, Detail: detail}
}

func warning(detail string, flags ...string) CheckResult {
	return CheckResult{Outcome: OutcomeWarning, Detail: detail, Flags: flags}
}

func failed(detail string, flags ...string) CheckResult {
	return CheckResult{Outcome: OutcomeFailed, Detail: detail, Flags: flags}
}

func isDID(s string) bool {
	return didMethod(s) != ""
}

// didMethod returns the method of "did:<method>:<id>", or "".
func didMethod(s string) string {
	rest, ok := strings.CutPrefix(s, "did:")
	if !ok {
		return ""
	}
	method, id, ok := strings.Cut(rest, ":")
	if !ok || method == "" || id == "" {
		return ""
	}
	return method
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range platformstrings.DedupeAndTrim(values) {
		out[v] = true
	}
	return out
}

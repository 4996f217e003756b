// Package issuance implements pre-authorized code credential issuance:
// offer -> token -> credential, each transition single-use.
package issuance

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"credtrust/internal/credential"
	"credtrust/internal/keys"
	"credtrust/internal/status"
	dErrors "credtrust/pkg/domain-errors"
	audit "credtrust/pkg/platform/audit"
	"credtrust/pkg/platform/sentinel"
	"credtrust/pkg/requestcontext"
	"credtrust/pkg/sdjwt"
)

const (
	codeBytes      = 32
	vcContext      = "https://www.w3.org/ns/credentials/v2"
	statusPurpose  = "revocation"
	statusListType = "BitstringStatusListEntry"
)

// Signer signs credential claims with the issuer's current key.
type Signer interface {
	Sign(ctx context.Context, claims jwt.Claims, issuerDID string, opts ...keys.SignOption) (string, string, error)
}

// SlotAllocator hands out status-list slots.
type SlotAllocator interface {
	Allocate(ctx context.Context, base string) (status.Slot, error)
}

// Config carries the issuer's public identity and lifetimes.
type Config struct {
	BaseURL          string
	DefaultIssuerDID string
	StatusListID     string
	OfferTTL         time.Duration
	AccessTokenTTL   time.Duration
	CredentialTTL    time.Duration
}

func (c Config) tokenEndpoint() string { return c.BaseURL + "/issuer/token" }

func (c Config) credentialEndpoint() string { return c.BaseURL + "/issuer/credential" }

func (c Config) statusListURI(listID string) string {
	return c.BaseURL + "/status-lists/" + url.PathEscape(listID)
}

type Service struct {
	cfg         Config
	grants      *GrantStore
	tokens      *TokenService
	templates   *Templates
	signer      Signer
	slots       SlotAllocator
	credentials credential.Store
	auditor     audit.Emitter
	logger      *slog.Logger
	metrics     *Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

func WithAuditor(auditor audit.Emitter) Option {
	return func(s *Service) {
		if auditor != nil {
			s.auditor = auditor
		}
	}
}

func NewService(
	cfg Config,
	grants *GrantStore,
	tokens *TokenService,
	templates *Templates,
	signer Signer,
	slots SlotAllocator,
	credentials credential.Store,
	opts ...Option,
) *Service {
	if grants == nil || tokens == nil || templates == nil {
		panic("issuance: grant store, token service and templates are required")
	}
	if signer == nil || slots == nil || credentials == nil {
		panic("issuance: signer, slot allocator and credential store are required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 10 * time.Minute
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 5 * time.Minute
	}
	if cfg.StatusListID == "" {
		cfg.StatusListID = status.DefaultListID
	}
	s := &Service{
		cfg:         cfg,
		grants:      grants,
		tokens:      tokens,
		templates:   templates,
		signer:      signer,
		slots:       slots,
		credentials: credentials,
		auditor:     audit.Nop{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metadata builds the discovery document: one configuration per template
// and format.
func (s *Service) Metadata() Metadata {
	configs := make(map[string]CredentialConfiguration)
	for _, tpl := range s.templates.All() {
		for _, f := range []credential.Format{credential.FormatJWTVC, credential.FormatSDJWTVC} {
			configs[configurationID(tpl.ID, f)] = configurationFor(tpl, f)
		}
	}
	return Metadata{
		CredentialIssuer:                  s.cfg.BaseURL,
		TokenEndpoint:                     s.cfg.tokenEndpoint(),
		CredentialEndpoint:                s.cfg.credentialEndpoint(),
		CredentialConfigurationsSupported: configs,
		GrantTypesSupported:               []string{GrantTypePreAuthorizedCode},
	}
}

func configurationID(templateID string, f credential.Format) string {
	if f == credential.FormatSDJWTVC {
		return templateID + "_sd_jwt"
	}
	return templateID + "_jwt"
}

func configurationFor(tpl Template, f credential.Format) CredentialConfiguration {
	cfg := CredentialConfiguration{
		Format:                      f.WireFormat(),
		CryptographicBindingMethods: []string{"did"},
		CredentialSigningAlgorithms: []string{jwt.SigningMethodES256.Alg()},
	}
	if f == credential.FormatSDJWTVC {
		cfg.VCT = tpl.VCT
	} else {
		cfg.CredentialDefinition = &CredentialDefinition{Type: tpl.Types}
	}
	return cfg
}

// CreateOffer binds a fresh single-use pre-authorized code to one template
// and recipient.
func (s *Service) CreateOffer(ctx context.Context, req OfferRequest) (Offer, error) {
	tpl, ok := s.templates.Get(strings.TrimSpace(req.TemplateID))
	if !ok {
		return Offer{}, dErrors.Field("template_id", "unknown credential template")
	}
	if !strings.HasPrefix(req.Recipient.ID, "did:") {
		return Offer{}, dErrors.Field("recipient.id", "must be a DID")
	}
	if err := s.templates.Validate(tpl.ID, req.CredentialData); err != nil {
		return Offer{}, err
	}
	issuerDID := strings.TrimSpace(req.IssuerDID)
	if issuerDID == "" {
		issuerDID = s.cfg.DefaultIssuerDID
	}
	if !strings.HasPrefix(issuerDID, "did:") {
		return Offer{}, dErrors.Field("issuer_did", "must be a DID")
	}

	code, err := newCode()
	if err != nil {
		return Offer{}, dErrors.Wrap(err, dErrors.CodeInternal, "generate pre-authorized code")
	}
	now := requestcontext.Now(ctx)
	grant := &Grant{
		CodeHash:       HashCode(code),
		OfferID:        uuid.NewString(),
		TemplateID:     tpl.ID,
		IssuerDID:      issuerDID,
		Recipient:      req.Recipient,
		CredentialData: maps.Clone(req.CredentialData),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.OfferTTL),
	}
	if err := s.grants.Create(ctx, grant, s.cfg.OfferTTL); err != nil {
		return Offer{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "store offer")
	}

	offer := Offer{
		OfferID: grant.OfferID,
		CredentialOffer: CredentialOffer{
			CredentialIssuer:           s.cfg.BaseURL,
			CredentialConfigurationIDs: []string{configurationID(tpl.ID, tpl.DefaultFormat)},
			Grants: map[string]PreAuthorizedGrant{
				GrantTypePreAuthorizedCode: {PreAuthorizedCode: code},
			},
		},
		ExpiresAt: grant.ExpiresAt,
	}
	offer.OfferURI, err = offerURI(offer.CredentialOffer)
	if err != nil {
		return Offer{}, dErrors.Wrap(err, dErrors.CodeInternal, "encode offer")
	}

	s.metrics.IncOffer(tpl.ID)
	s.logger.InfoContext(ctx, "credential offer created",
		"request_id", requestcontext.RequestID(ctx),
		"offer_id", grant.OfferID,
		"template", tpl.ID,
		"grant", codeRef(grant.CodeHash),
	)
	s.emit(ctx, audit.Event{
		Action:    string(audit.EventCredentialOffered),
		Subject:   req.Recipient.ID,
		IssuerDID: issuerDID,
	})
	return offer, nil
}

// ExchangeToken trades an unconsumed code for a bearer token scoped to that
// grant. Unknown, expired and already-used codes are all invalid_grant.
func (s *Service) ExchangeToken(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	if req.GrantType != GrantTypePreAuthorizedCode {
		s.metrics.IncExchange("unsupported_grant_type")
		return TokenResponse{}, dErrors.New(dErrors.CodeUnsupportedGrantType, "only the pre-authorized code grant is supported")
	}
	code := strings.TrimSpace(req.PreAuthorizedCode)
	if code == "" {
		return TokenResponse{}, dErrors.New(dErrors.CodeInvalidRequest, "pre-authorized_code is required")
	}

	now := requestcontext.Now(ctx)
	grant, err := s.grants.Get(ctx, HashCode(code))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.IncExchange("invalid_grant")
			return TokenResponse{}, dErrors.New(dErrors.CodeInvalidGrant, "unknown pre-authorized code")
		}
		return TokenResponse{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load grant")
	}
	if err := grant.ValidateForExchange(now); err != nil {
		s.metrics.IncExchange("invalid_grant")
		return TokenResponse{}, err
	}
	if err := s.grants.Consume(ctx, grant, now, s.cfg.OfferTTL+s.cfg.AccessTokenTTL); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			s.metrics.IncExchange("invalid_grant")
			s.logger.WarnContext(ctx, "pre-authorized code reused",
				"request_id", requestcontext.RequestID(ctx),
				"grant", codeRef(grant.CodeHash),
			)
			return TokenResponse{}, dErrors.New(dErrors.CodeInvalidGrant, "pre-authorized code already used")
		}
		return TokenResponse{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "consume grant")
	}

	token, err := s.tokens.Generate(grant, now, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	s.metrics.IncExchange("issued")
	s.emit(ctx, audit.Event{
		Action:    string(audit.EventGrantExchanged),
		Subject:   grant.Recipient.ID,
		IssuerDID: grant.IssuerDID,
	})
	return TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

// IssueCredential signs the grant's credential in the requested format. A
// grant yields at most one signed credential.
func (s *Service) IssueCredential(ctx context.Context, accessToken, requestedFormat string) (result IssueResult, err error) {
	claims, err := s.tokens.Validate(strings.TrimSpace(accessToken))
	if err != nil {
		return IssueResult{}, err
	}
	var format credential.Format
	if requestedFormat = strings.TrimSpace(requestedFormat); requestedFormat != "" {
		f, ok := credential.ParseFormat(requestedFormat)
		if !ok {
			return IssueResult{}, dErrors.New(dErrors.CodeUnsupportedFormat, "unsupported credential format "+requestedFormat)
		}
		format = f
	}

	grant, err := s.grants.Get(ctx, claims.Grant)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return IssueResult{}, dErrors.New(dErrors.CodeInvalidToken, "grant behind access token is no longer available")
		}
		return IssueResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "load grant")
	}
	if grant.ConsumedAt == nil {
		return IssueResult{}, dErrors.New(dErrors.CodeInvalidToken, "grant was not exchanged")
	}
	if grant.IssuedAt != nil {
		return IssueResult{}, dErrors.New(dErrors.CodeInvalidGrant, "credential already issued for this grant")
	}
	tpl, ok := s.templates.Get(grant.TemplateID)
	if !ok {
		return IssueResult{}, dErrors.New(dErrors.CodeInvalidGrant, "credential template no longer available")
	}
	if format == "" {
		format = tpl.DefaultFormat
	}

	if err := s.grants.ClaimIssuance(ctx, grant.CodeHash, s.cfg.AccessTokenTTL); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return IssueResult{}, dErrors.New(dErrors.CodeInvalidGrant, "credential already issued for this grant")
		}
		return IssueResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "claim issuance")
	}
	signed := false
	defer func() {
		if err == nil || signed {
			return
		}
		if relErr := s.grants.ReleaseIssuance(context.WithoutCancel(ctx), grant.CodeHash); relErr != nil {
			s.logger.ErrorContext(ctx, "release issuance claim failed",
				"grant", codeRef(grant.CodeHash),
				"error", relErr,
			)
		}
	}()

	start := time.Now()
	now := requestcontext.Now(ctx)
	slot, err := s.slots.Allocate(ctx, s.cfg.StatusListID)
	if err != nil {
		return IssueResult{}, err
	}

	cred := &credential.Credential{
		ID:              "urn:uuid:" + uuid.NewString(),
		IssuerDID:       grant.IssuerDID,
		SubjectDID:      grant.Recipient.ID,
		CredentialData:  grant.CredentialData,
		Type:            tpl.Types,
		Format:          format,
		IssuanceTime:    now,
		ExpirationTime:  s.expiry(tpl, now),
		StatusListID:    slot.ListID,
		StatusListIndex: &slot.Index,
	}
	artifact, kid, err := s.sign(ctx, cred, tpl)
	if err != nil {
		return IssueResult{}, err
	}
	signed = true
	cred.KID = kid
	cred.SignedArtifact = artifact
	cred.ArtifactDigest = credential.DigestArtifact(artifact)

	if err := s.credentials.Create(ctx, cred); err != nil {
		return IssueResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "store credential")
	}
	if err := s.grants.MarkIssued(ctx, grant, now, cred.ID, s.cfg.AccessTokenTTL); err != nil {
		s.logger.WarnContext(ctx, "grant issued marker not saved", "grant", codeRef(grant.CodeHash), "error", err)
	}

	s.metrics.ObserveIssued(string(format), time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "credential issued",
		"request_id", requestcontext.RequestID(ctx),
		"credential_id", cred.ID,
		"issuer_did", cred.IssuerDID,
		"format", format,
		"kid", kid,
		"status_list_id", slot.ListID,
	)
	s.emit(ctx, audit.Event{
		Action:       string(audit.EventCredentialIssued),
		Subject:      cred.SubjectDID,
		IssuerDID:    cred.IssuerDID,
		CredentialID: cred.ID,
	})

	return IssueResult{
		CredentialID: cred.ID,
		Credential:   artifact,
		Format:       format.WireFormat(),
		IssuerDID:    cred.IssuerDID,
		KID:          kid,
		Status: StatusReference{
			StatusListID:         slot.ListID,
			StatusListIndex:      slot.Index,
			StatusListCredential: s.cfg.statusListURI(slot.ListID),
		},
		ExpiresAt: cred.ExpirationTime,
	}, nil
}

func (s *Service) expiry(tpl Template, now time.Time) *time.Time {
	ttl := s.cfg.CredentialTTL
	if tpl.ValidityDays > 0 {
		ttl = time.Duration(tpl.ValidityDays) * 24 * time.Hour
	}
	if ttl <= 0 {
		return nil
	}
	exp := now.Add(ttl)
	return &exp
}

func (s *Service) sign(ctx context.Context, cred *credential.Credential, tpl Template) (string, string, error) {
	switch cred.Format {
	case credential.FormatSDJWTVC:
		return s.signSDJWT(ctx, cred, tpl)
	case credential.FormatJWTVC:
		token, kid, err := s.signer.Sign(ctx, s.vcClaims(cred), cred.IssuerDID, keys.WithTokenType("vc+jwt"))
		if err != nil {
			return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "sign credential")
		}
		return token, kid, nil
	default:
		return "", "", dErrors.New(dErrors.CodeUnsupportedFormat, "unsupported credential format "+string(cred.Format))
	}
}

func (s *Service) registeredClaims(cred *credential.Credential) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss": cred.IssuerDID,
		"sub": cred.SubjectDID,
		"jti": cred.ID,
		"iat": cred.IssuanceTime.Unix(),
		"nbf": cred.IssuanceTime.Unix(),
	}
	if cred.ExpirationTime != nil {
		claims["exp"] = cred.ExpirationTime.Unix()
	}
	return claims
}

func (s *Service) vcClaims(cred *credential.Credential) jwt.MapClaims {
	subject := maps.Clone(cred.CredentialData)
	if subject == nil {
		subject = map[string]any{}
	}
	subject["id"] = cred.SubjectDID

	vc := map[string]any{
		"@context":          []string{vcContext},
		"id":                cred.ID,
		"type":              cred.Type,
		"issuer":            cred.IssuerDID,
		"validFrom":         cred.IssuanceTime.UTC().Format(time.RFC3339),
		"credentialSubject": subject,
		"credentialStatus": map[string]any{
			"id":                   s.cfg.statusListURI(cred.StatusListID) + "#" + strconv.Itoa(*cred.StatusListIndex),
			"type":                 statusListType,
			"statusPurpose":        statusPurpose,
			"statusListIndex":      strconv.Itoa(*cred.StatusListIndex),
			"statusListCredential": s.cfg.statusListURI(cred.StatusListID),
		},
	}
	if cred.ExpirationTime != nil {
		vc["validUntil"] = cred.ExpirationTime.UTC().Format(time.RFC3339)
	}
	claims := s.registeredClaims(cred)
	claims["vc"] = vc
	return claims
}

func (s *Service) signSDJWT(ctx context.Context, cred *credential.Credential, tpl Template) (string, string, error) {
	disclosures, digests, err := sdjwt.Disclose(cred.CredentialData)
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "build disclosures")
	}
	claims := s.registeredClaims(cred)
	claims["vct"] = tpl.VCT
	claims[sdjwt.ClaimSD] = digests
	claims[sdjwt.ClaimSDAlg] = sdjwt.Algorithm
	claims["status"] = map[string]any{
		"status_list": map[string]any{
			"idx": *cred.StatusListIndex,
			"uri": s.cfg.statusListURI(cred.StatusListID),
		},
	}
	token, kid, err := s.signer.Sign(ctx, claims, cred.IssuerDID, keys.WithTokenType("vc+sd-jwt"))
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "sign credential")
	}
	return sdjwt.Combine(token, disclosures), kid, nil
}

// emit never fails the operation: the credential is already durable.
func (s *Service) emit(ctx context.Context, event audit.Event) {
	event.RequestID = requestcontext.RequestID(ctx)
	event.ActorRole = string(requestcontext.CallerRole(ctx))
	event.ClientIP = requestcontext.ClientIP(ctx)
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "issuance audit failed",
			"action", event.Action,
			"error", err,
		)
	}
}

func newCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func offerURI(offer CredentialOffer) (string, error) {
	raw, err := json.Marshal(offer)
	if err != nil {
		return "", err
	}
	return "openid-credential-offer://?credential_offer=" + url.QueryEscape(string(raw)), nil
}

func codeRef(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

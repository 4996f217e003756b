// Package presentation coordinates OID4VP presentation requests: a verifier
// opens a request bound to a fresh nonce, and exactly one matching response
// closes it before the presented credentials are verified.
package presentation

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"credtrust/internal/verification"
	dErrors "credtrust/pkg/domain-errors"
	audit "credtrust/pkg/platform/audit"
	"credtrust/pkg/platform/sentinel"
	platformstrings "credtrust/pkg/platform/strings"
	"credtrust/pkg/requestcontext"
)

const (
	nonceBytes        = 24
	defaultRequestTTL = 5 * time.Minute
	maxPurposeLength  = 512
	signingAlg        = "ES256"
)

// Verifier runs the verification pipeline over one presented credential.
type Verifier interface {
	VerifyValue(ctx context.Context, credential any) (*verification.Result, error)
}

type Config struct {
	RequestTTL time.Duration
	ClientID   string
}

type Service struct {
	cfg      Config
	store    *RequestStore
	verifier Verifier
	auditor  audit.Emitter
	logger   *slog.Logger
	metrics  *Metrics
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

func NewService(cfg Config, store *RequestStore, verifier Verifier, opts ...Option) *Service {
	if store == nil || verifier == nil {
		panic("presentation: request store and verifier are required")
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = defaultRequestTTL
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		auditor:  audit.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest opens a presentation request. An empty state is allowed; the
// request is then answerable without one.
func (s *Service) CreateRequest(ctx context.Context, purpose, state string) (*CreatedRequest, error) {
	purpose = strings.TrimSpace(purpose)
	state = strings.TrimSpace(state)
	if purpose == "" {
		return nil, dErrors.Field("purpose", "is required")
	}
	if len(purpose) > maxPurposeLength {
		return nil, dErrors.Field("purpose", "is too long")
	}

	now := requestcontext.Now(ctx)
	s.prune(ctx, now)

	nonce, err := newNonce()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate nonce")
	}
	req := &Request{
		ID:        uuid.NewString(),
		Nonce:     nonce,
		State:     state,
		Purpose:   purpose,
		ClientID:  s.cfg.ClientID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RequestTTL),
	}
	if err := s.store.Create(ctx, req, s.cfg.RequestTTL); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "store presentation request")
	}

	s.metrics.IncRequest()
	s.emit(ctx, audit.Event{
		Action:  string(audit.EventPresentationRequested),
		Subject: req.ID,
		Reason:  purpose,
	})
	s.logger.InfoContext(ctx, "presentation request created",
		"request_id", requestcontext.RequestID(ctx),
		"presentation_request_id", req.ID,
	)
	return &CreatedRequest{
		RequestID:              req.ID,
		Nonce:                  req.Nonce,
		State:                  req.State,
		ClientID:               req.ClientID,
		ExpiresAt:              req.ExpiresAt,
		PresentationDefinition: definitionFor(req),
	}, nil
}

// ConsumeResponse validates a response against its request and, once the
// request is closed, verifies every presented credential. A state or nonce
// mismatch leaves the request open.
func (s *Service) ConsumeResponse(ctx context.Context, requestID string, vpToken any, state string) (*Outcome, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, dErrors.Field("request_id", "is required")
	}

	now := requestcontext.Now(ctx)
	s.prune(ctx, now)

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.IncResponse("unknown_request")
			return nil, dErrors.New(dErrors.CodeNotFound, "presentation request not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "load presentation request")
	}
	if req.IsExpired(now) {
		s.metrics.IncResponse("expired")
		return nil, dErrors.New(dErrors.CodeNotFound, "presentation request expired")
	}

	if state = strings.TrimSpace(state); state != "" && !equal(state, req.State) {
		s.reject(ctx, req, "state_mismatch")
		return nil, dErrors.New(dErrors.CodeIntegrity, "state does not match the presentation request")
	}

	env, binding, err := unwrap(vpToken)
	if err != nil {
		s.metrics.IncResponse("malformed")
		return nil, err
	}
	if binding.present && !equal(binding.value, req.Nonce) {
		s.reject(ctx, req, "nonce_mismatch")
		return nil, dErrors.New(dErrors.CodeIntegrity, "nonce does not match the presentation request")
	}

	if err := s.store.Close(ctx, req.ID); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			s.metrics.IncResponse("replayed")
			return nil, dErrors.New(dErrors.CodeReplayDetected, "presentation request already answered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "close presentation request")
	}

	results, err := s.verifyAll(ctx, env.credentials)
	if err != nil {
		s.metrics.IncResponse("error")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "verify presented credentials")
	}

	out := &Outcome{RequestID: req.ID, Valid: true, Holder: env.holder, Results: results}
	var reasons [][]string
	for _, r := range results {
		if !r.Valid() {
			out.Valid = false
			reasons = append(reasons, r.ReasonCodes)
		}
	}

	event := audit.Event{Subject: req.ID, Decision: "accepted"}
	if out.Valid {
		event.Action = string(audit.EventPresentationAccepted)
		s.metrics.IncResponse("accepted")
	} else {
		event.Action = string(audit.EventPresentationRejected)
		event.Decision = "rejected"
		event.Reason = strings.Join(platformstrings.SortedUnique(reasons...), ",")
		s.metrics.IncResponse("rejected")
	}
	if len(results) == 1 {
		event.CredentialID = results[0].CredentialID
		event.IssuerDID = results[0].IssuerDID
	}
	s.emit(ctx, event)
	s.logger.InfoContext(ctx, "presentation response consumed",
		"request_id", requestcontext.RequestID(ctx),
		"presentation_request_id", req.ID,
		"kind", env.kind,
		"credentials", len(results),
		"valid", out.Valid,
	)
	return out, nil
}

// Prune removes expired requests. It also runs lazily on every create and
// consume call.
func (s *Service) Prune(ctx context.Context) (int, error) {
	n, err := s.store.Prune(ctx, requestcontext.Now(ctx))
	s.metrics.AddPruned(n)
	return n, err
}

func (s *Service) prune(ctx context.Context, now time.Time) {
	n, err := s.store.Prune(ctx, now)
	if err != nil {
		s.logger.WarnContext(ctx, "presentation request pruning failed", "error", err)
		return
	}
	s.metrics.AddPruned(n)
}

func (s *Service) verifyAll(ctx context.Context, credentials []any) ([]*verification.Result, error) {
	results := make([]*verification.Result, len(credentials))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range credentials {
		g.Go(func() error {
			res, err := s.verifier.VerifyValue(gctx, c)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) reject(ctx context.Context, req *Request, reason string) {
	s.metrics.IncResponse(reason)
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventPresentationRejected),
		Subject:  req.ID,
		Decision: "rejected",
		Reason:   reason,
	})
	s.logger.WarnContext(ctx, "presentation response rejected",
		"request_id", requestcontext.RequestID(ctx),
		"presentation_request_id", req.ID,
		"reason", reason,
	)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	event.RequestID = requestcontext.RequestID(ctx)
	event.ActorRole = string(requestcontext.CallerRole(ctx))
	event.ClientIP = requestcontext.ClientIP(ctx)
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "presentation audit failed",
			"action", event.Action,
			"error", err,
		)
	}
}

func definitionFor(req *Request) Definition {
	return Definition{
		ID:      req.ID,
		Purpose: req.Purpose,
		Format: map[string]any{
			"jwt_vc":    map[string]any{"alg": []string{signingAlg}},
			"vc+sd-jwt": map[string]any{"sd-jwt_alg_values": []string{signingAlg}},
		},
		InputDescriptors: []InputDescriptor{{
			ID:      "credential",
			Purpose: req.Purpose,
			Constraints: map[string]any{
				"fields": []map[string]any{
					{"path": []string{"$.iss", "$.vc.issuer", "$.issuer"}},
				},
			},
		}},
	}
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

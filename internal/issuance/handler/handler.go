package handler

import (
	"context"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"credtrust/internal/issuance"
	dErrors "credtrust/pkg/domain-errors"
	"credtrust/pkg/platform/httputil"
	"credtrust/pkg/platform/middleware/auth"
	"credtrust/pkg/requestcontext"
)

// Service defines the issuance operations the handler needs.
type Service interface {
	Metadata() issuance.Metadata
	CreateOffer(ctx context.Context, req issuance.OfferRequest) (issuance.Offer, error)
	ExchangeToken(ctx context.Context, req issuance.TokenRequest) (issuance.TokenResponse, error)
	IssueCredential(ctx context.Context, accessToken, format string) (issuance.IssueResult, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the wallet-facing issuance endpoints. Offer creation is
// mounted separately so it can sit behind issuer API keys.
func (h *Handler) Register(r chi.Router) {
	r.Get("/.well-known/openid-credential-issuer", h.HandleMetadata)
	r.Post("/issuer/token", h.HandleToken)
	r.With(auth.RequireBearer(h.logger)).Post("/issuer/credential", h.HandleCredential)
}

// RegisterIssuer mounts endpoints reserved for issuer callers.
func (h *Handler) RegisterIssuer(r chi.Router) {
	r.Post("/issuer/offers", h.HandleCreateOffer)
}

func (h *Handler) HandleMetadata(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.service.Metadata())
}

func (h *Handler) HandleCreateOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[OfferRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	offer, err := h.service.CreateOffer(ctx, req.toDomain())
	if err != nil {
		h.logger.WarnContext(ctx, "create offer failed",
			"request_id", requestID,
			"template", req.TemplateID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, offer)
}

// HandleToken handles POST /issuer/token.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	var req *TokenRequest
	if isForm(r) {
		if err := r.ParseForm(); err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidRequest, "invalid form body"))
			return
		}
		req = &TokenRequest{
			GrantType:         r.PostForm.Get("grant_type"),
			PreAuthorizedCode: r.PostForm.Get("pre-authorized_code"),
		}
		if err := httputil.PrepareRequest(req); err != nil {
			httputil.WriteError(w, err)
			return
		}
	} else {
		var ok bool
		if req, ok = httputil.DecodeAndPrepare[TokenRequest](w, r, h.logger, ctx, requestID); !ok {
			return
		}
	}

	res, err := h.service.ExchangeToken(ctx, issuance.TokenRequest{
		GrantType:         req.GrantType,
		PreAuthorizedCode: req.PreAuthorizedCode,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "token exchange failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleCredential handles POST /issuer/credential. An empty body requests
// the template's default format.
func (h *Handler) HandleCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req := &CredentialRequest{}
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = httputil.DecodeAndPrepare[CredentialRequest](w, r, h.logger, ctx, requestID); !ok {
			return
		}
	}

	res, err := h.service.IssueCredential(ctx, auth.BearerToken(ctx), req.Format)
	if err != nil {
		h.logger.WarnContext(ctx, "credential issuance failed",
			"request_id", requestID,
			"format", req.Format,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func isForm(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}

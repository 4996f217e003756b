package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"credtrust/internal/status"
	dErrors "credtrust/pkg/domain-errors"
	"credtrust/pkg/platform/httputil"
	"credtrust/pkg/requestcontext"
)

// Service defines the status operations the handler needs.
type Service interface {
	Revoke(ctx context.Context, credentialID, reason string) (status.RevokeResult, error)
	CheckStatus(ctx context.Context, ref status.Ref) (status.Status, error)
	EncodedList(ctx context.Context, listID string) (status.List, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the public status endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Get("/status-lists/{id}", h.HandleStatusList)
	r.Get("/credentials/{id}/status", h.HandleCheckStatus)
}

// RegisterAdmin mounts revocation, which callers must be authorised for.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/issuer/revoke", h.HandleRevoke)
}

// RevokeRequest is the HTTP request body for POST /issuer/revoke.
type RevokeRequest struct {
	CredentialID string `json:"credential_id"`
	Reason       string `json:"reason,omitempty"`
}

func (r *RevokeRequest) Normalize() {
	r.CredentialID = strings.TrimSpace(r.CredentialID)
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *RevokeRequest) Validate() error {
	if r.CredentialID == "" {
		return dErrors.Field("credential_id", "is required")
	}
	if len(r.Reason) > 512 {
		return dErrors.Field("reason", "is too long")
	}
	return nil
}

type RevokeResponse struct {
	Success        bool      `json:"success"`
	AlreadyRevoked bool      `json:"alreadyRevoked"`
	CredentialID   string    `json:"credential_id"`
	RevokedAt      time.Time `json:"revoked_at"`
}

// HandleRevoke handles POST /issuer/revoke. Revoking twice is a success with
// alreadyRevoked=true.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RevokeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Revoke(ctx, req.CredentialID, req.Reason)
	if err != nil {
		h.logger.WarnContext(ctx, "revoke failed",
			"request_id", requestID,
			"credential_id", req.CredentialID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RevokeResponse{
		Success:        true,
		AlreadyRevoked: res.AlreadyRevoked,
		CredentialID:   res.CredentialID,
		RevokedAt:      res.RevokedAt,
	})
}

func (h *Handler) HandleStatusList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.service.EncodedList(ctx, chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "max-age=60")
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleCheckStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.service.CheckStatus(ctx, status.Ref{CredentialID: chi.URLParam(r, "id")})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

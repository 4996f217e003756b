package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"credtrust/internal/presentation"
	dErrors "credtrust/pkg/domain-errors"
	"credtrust/pkg/platform/httputil"
	"credtrust/pkg/requestcontext"
)

// Service defines the presentation operations the handler needs.
type Service interface {
	CreateRequest(ctx context.Context, purpose, state string) (*presentation.CreatedRequest, error)
	ConsumeResponse(ctx context.Context, requestID string, vpToken any, state string) (*presentation.Outcome, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the verifier-facing presentation endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Post("/presentations/requests", h.HandleCreateRequest)
	r.Post("/presentations/responses", h.HandleResponse)
}

// CreateRequestBody is the body of POST /presentations/requests.
type CreateRequestBody struct {
	Purpose string `json:"purpose"`
	State   string `json:"state,omitempty"`
}

func (r *CreateRequestBody) Normalize() {
	r.Purpose = strings.TrimSpace(r.Purpose)
	r.State = strings.TrimSpace(r.State)
}

func (r *CreateRequestBody) Validate() error {
	if r.Purpose == "" {
		return dErrors.Field("purpose", "is required")
	}
	return nil
}

// ResponseBody is the body of POST /presentations/responses. VPToken is a
// compact token string or a presentation document.
type ResponseBody struct {
	RequestID string          `json:"request_id"`
	VPToken   json.RawMessage `json:"vp_token"`
	State     string          `json:"state,omitempty"`

	token any
}

func (r *ResponseBody) Normalize() {
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.State = strings.TrimSpace(r.State)
	r.VPToken = bytes.TrimSpace(r.VPToken)
}

func (r *ResponseBody) Validate() error {
	if r.RequestID == "" {
		return dErrors.Field("request_id", "is required")
	}
	if len(r.VPToken) == 0 || bytes.Equal(r.VPToken, []byte("null")) {
		return dErrors.Field("vp_token", "is required")
	}
	switch r.VPToken[0] {
	case '"':
		var s string
		if err := json.Unmarshal(r.VPToken, &s); err != nil {
			return dErrors.Field("vp_token", "is not a valid string")
		}
		r.token = s
	case '{':
		var doc map[string]any
		if err := json.Unmarshal(r.VPToken, &doc); err != nil {
			return dErrors.Field("vp_token", "is not a valid object")
		}
		r.token = doc
	default:
		return dErrors.Field("vp_token", "must be a string or an object")
	}
	return nil
}

func (h *Handler) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CreateRequestBody](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	created, err := h.service.CreateRequest(ctx, req.Purpose, req.State)
	if err != nil {
		h.logger.ErrorContext(ctx, "create presentation request failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

// HandleResponse consumes a wallet's response. Credential verdicts are a 200
// with valid=false; binding failures (state, nonce, replay) are errors.
func (h *Handler) HandleResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ResponseBody](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out, err := h.service.ConsumeResponse(ctx, req.RequestID, req.token, req.State)
	if err != nil {
		h.logger.WarnContext(ctx, "presentation response refused",
			"request_id", requestID,
			"presentation_request_id", req.RequestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

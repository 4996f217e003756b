package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"credtrust/internal/proof"
	"credtrust/pkg/platform/httputil"
	"credtrust/pkg/requestcontext"
)

// Service defines the proof operations the handler needs.
type Service interface {
	Generate(ctx context.Context, req proof.GenerateRequest) (proof.GenerateResult, error)
	Verify(ctx context.Context, req proof.VerifyRequest) (proof.VerifyResult, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts proof endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/proofs/generate", h.HandleGenerate)
	r.Post("/proofs/verify", h.HandleVerify)
}

// HandleGenerate handles POST /proofs/generate. A disabled format answers 200
// with status unsupported_format.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[GenerateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Generate(ctx, req.toDomain())
	if err != nil {
		h.logger.WarnContext(ctx, "proof generation failed",
			"request_id", requestID,
			"format", req.Format,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleVerify handles POST /proofs/verify. Integrity failures are a 200
// with valid=false and reason codes.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[VerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Verify(ctx, req.toDomain())
	if err != nil {
		h.logger.ErrorContext(ctx, "proof verification failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "proof verified",
		"request_id", requestID,
		"status", res.Status,
		"reason_codes", res.ReasonCodes,
	)
	httputil.WriteJSON(w, http.StatusOK, res)
}

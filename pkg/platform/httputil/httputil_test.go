package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "credtrust/pkg/domain-errors"
)

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestWriteError(t *testing.T) {
	t.Run("internal error omits description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeInternal, "db failed"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "internal_error", body["error"])
		_, ok := body["error_description"]
		assert.False(t, ok)
	})

	t.Run("field error carries field", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.Field("credential_id", "is required"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "validation_error", body["error"])
		assert.Equal(t, "credential_id", body["field"])
	})

	t.Run("authorization and integrity are distinct", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeForbidden, "role not permitted"))
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeIntegrity, "nonce mismatch"))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "integrity_failure", decodeBody(t, w)["error"])
	})

	t.Run("oauth codes", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeUnsupportedGrantType, "only pre-authorized_code is supported"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "unsupported_grant_type", decodeBody(t, w)["error"])

		w = httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeInvalidToken, "token expired"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("plain error falls back to 500", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, errors.New("boom"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

type offerLike struct {
	TemplateID string `json:"template_id"`
}

func (r *offerLike) Normalize() { r.TemplateID = strings.TrimSpace(r.TemplateID) }

func (r *offerLike) Validate() error {
	if r.TemplateID == "" {
		return dErrors.Field("template_id", "is required")
	}
	return nil
}

func TestDecodeAndPrepare(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("normalizes then validates", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"template_id":"  degree "}`))
		w := httptest.NewRecorder()

		result, ok := DecodeAndPrepare[offerLike](w, req, logger, ctx, "req-1")
		require.True(t, ok)
		assert.Equal(t, "degree", result.TemplateID)
	})

	t.Run("validation failure names the field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"template_id":"   "}`))
		w := httptest.NewRecorder()

		result, ok := DecodeAndPrepare[offerLike](w, req, logger, ctx, "req-1")
		assert.False(t, ok)
		assert.Nil(t, result)
		assert.Equal(t, "template_id", decodeBody(t, w)["field"])
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"template_id":"x","extra":1}`))
		w := httptest.NewRecorder()

		_, ok := DecodeAndPrepare[offerLike](w, req, logger, ctx, "req-1")
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("oversized body is 413", func(t *testing.T) {
		payload := `{"template_id":"` + strings.Repeat("a", 2048) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(payload))
		w := httptest.NewRecorder()
		req.Body = http.MaxBytesReader(w, req.Body, 512)

		_, ok := DecodeAndPrepare[offerLike](w, req, logger, ctx, "req-1")
		assert.False(t, ok)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireBearer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := RequireBearer(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = BearerToken(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("passes token through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/issuer/credential", nil)
		req.Header.Set("Authorization", "Bearer abc.def.ghi")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "abc.def.ghi", seen)
	})

	for name, header := range map[string]string{"missing": "", "basic": "Basic Zm9v", "empty": "Bearer   "} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/issuer/credential", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), "invalid_token")
			assert.Contains(t, w.Body.String(), `"error":"invalid_token"`)
		})
	}
}

package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credtrust/pkg/requestcontext"
)

type failingStore struct{}

func (failingStore) Allow(context.Context, string, Limit) (Result, error) {
	return Result{}, errors.New("store down")
}

func serve(h http.Handler, ip string, role requestcontext.Role) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	ctx := requestcontext.WithClientMetadata(req.Context(), ip, "test")
	ctx = requestcontext.WithRole(ctx, role)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestLimitRejectsOverLimit(t *testing.T) {
	mw := New(NewMemoryWindow(), WithLimit(ClassPublic, Limit{Requests: 2, Window: time.Minute}))
	h := mw.Limit(ClassPublic)(okHandler())

	first := serve(h, "10.0.0.1", requestcontext.RoleAnonymous)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1", requestcontext.RoleAnonymous).Code)

	denied := serve(h, "10.0.0.1", requestcontext.RoleAnonymous)
	require.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.NotEmpty(t, denied.Header().Get("Retry-After"))
	var body ExceededResponse
	require.NoError(t, json.NewDecoder(denied.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Positive(t, body.RetryAfter)

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.2", requestcontext.RoleAnonymous).Code,
		"another client has its own budget")
}

func TestLimitKeysOnRole(t *testing.T) {
	mw := New(NewMemoryWindow(), WithLimit(ClassPrivileged, Limit{Requests: 1, Window: time.Minute}))
	h := mw.Limit(ClassPrivileged)(okHandler())

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1", requestcontext.RoleIssuer).Code)
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1", requestcontext.RoleAdmin).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, "10.0.0.1", requestcontext.RoleIssuer).Code)
}

func TestLimitFailsOpen(t *testing.T) {
	h := New(failingStore{}).Limit(ClassPublic)(okHandler())
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1", requestcontext.RoleAnonymous).Code)
}

func TestDisabled(t *testing.T) {
	mw := New(NewMemoryWindow(), WithDisabled(true), WithLimit(ClassPublic, Limit{Requests: 1, Window: time.Minute}))
	h := mw.Limit(ClassPublic)(okHandler())
	for range 3 {
		rec := serve(h, "10.0.0.1", requestcontext.RoleAnonymous)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestNewPanicsWithoutStore(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}

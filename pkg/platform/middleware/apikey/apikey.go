// Package apikey authenticates callers by static API key and enforces role
// requirements on privileged routes.
package apikey

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"credtrust/pkg/requestcontext"
)

// Header is the request header carrying the caller's API key.
const Header = "X-API-Key"

// Keys maps API keys to caller roles.
type Keys map[string]requestcontext.Role

// Authenticate resolves the caller role from the API key header and stores it
// in the context. Unknown or missing keys leave the caller anonymous; use
// RequireRole to reject them.
func Authenticate(keys Keys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimSpace(r.Header.Get(Header))
			role := requestcontext.RoleAnonymous
			if presented != "" {
				for key, candidate := range keys {
					// constant-time comparison to prevent timing attacks
					if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
						role = candidate
						break
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithRole(r.Context(), role)))
		})
	}
}

// RequireRole rejects anonymous callers with 401 and callers holding a
// different role with 403. Admin satisfies every requirement.
func RequireRole(logger *slog.Logger, allowed ...requestcontext.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			role := requestcontext.CallerRole(ctx)
			if role == requestcontext.RoleAnonymous {
				logger.WarnContext(ctx, "missing api key", "request_id", requestcontext.RequestID(ctx))
				writeJSON(w, http.StatusUnauthorized, `{"error":"unauthorized","error_description":"api key required"}`)
				return
			}
			if role != requestcontext.RoleAdmin && !slices.Contains(allowed, role) {
				logger.WarnContext(ctx, "role not permitted",
					"request_id", requestcontext.RequestID(ctx),
					"role", string(role),
				)
				writeJSON(w, http.StatusForbidden, `{"error":"forbidden","error_description":"role not permitted for this operation"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"credtrust/pkg/requestcontext"
)

type contextKeyBearer struct{}

// ContextKeyBearer is exported for tests that build contexts by hand.
var ContextKeyBearer = contextKeyBearer{}

// BearerToken retrieves the raw bearer token placed by RequireBearer.
func BearerToken(ctx context.Context) string {
	token, ok := ctx.Value(ContextKeyBearer).(string)
	if !ok {
		return ""
	}
	return token
}

// WithBearerToken injects a bearer token, for handler tests.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ContextKeyBearer, token)
}

// writeJSONError writes an OAuth style error with the bearer challenge header.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error=%q`, errCode))
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireBearer rejects requests without an "Authorization: Bearer" header.
// The token itself is validated by the service that consumes it, since only
// it knows the grant the token is scoped to.
func RequireBearer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			if after, ok := strings.CutPrefix(authHeader, bearerPrefix); ok {
				if token := strings.TrimSpace(after); token != "" {
					next.ServeHTTP(w, r.WithContext(WithBearerToken(r.Context(), token)))
					return
				}
			}

			// No Authorization header or invalid format
			ctx := r.Context()
			logger.WarnContext(ctx, "unauthorized access - missing bearer token",
				"request_id", requestcontext.RequestID(ctx),
			)
			writeJSONError(w, http.StatusUnauthorized, "invalid_token", "Missing or invalid Authorization header")
		})
	}
}

package request

import (
	"net/http"
)

// DefaultMaxBodyBytes bounds every API request body.
const DefaultMaxBodyBytes int64 = 1 << 20

// BodyLimit returns middleware that limits the size of request bodies.
// Reads past the limit fail with *http.MaxBytesError, which httputil.WriteError
// renders as 413. Apply before any JSON parsing.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

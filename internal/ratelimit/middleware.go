// Package ratelimit throttles callers per endpoint class. Counters live in
// process memory or in the shared key-value store.
package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	"credtrust/pkg/platform/httputil"
	"credtrust/pkg/requestcontext"
)

type Middleware struct {
	store    Store
	limits   map[Class]Limit
	logger   *slog.Logger
	metrics  *Metrics
	disabled bool
}

type Option func(*Middleware)

// WithLimit overrides the limit for one class.
func WithLimit(class Class, limit Limit) Option {
	return func(m *Middleware) {
		if limit.Requests > 0 && limit.Window > 0 {
			m.limits[class] = limit
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		m.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Middleware) {
		m.metrics = metrics
	}
}

// WithDisabled turns every check into a pass-through.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func New(store Store, opts ...Option) *Middleware {
	if store == nil {
		panic("ratelimit: store is required")
	}
	m := &Middleware{store: store, limits: make(map[Class]Limit, len(DefaultLimits)), logger: slog.Default()}
	for class, limit := range DefaultLimits {
		m.limits[class] = limit
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		m.logger.Info("rate limiting disabled")
	}
	return m
}

// Limit returns middleware enforcing the limit of class. Store failures are
// logged and the request is let through.
func (m *Middleware) Limit(class Class) func(http.Handler) http.Handler {
	limit := m.limits[class]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := string(class) + ":" + string(requestcontext.CallerRole(ctx)) + ":" + requestcontext.ClientIP(ctx)

			res, err := m.store.Allow(ctx, key, limit)
			if err != nil {
				m.metrics.IncStoreError()
				m.logger.ErrorContext(ctx, "rate limit check failed",
					"request_id", requestcontext.RequestID(ctx),
					"class", class,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if !res.Allowed {
				m.metrics.IncRejected(class)
				retry := res.RetryAfter(requestcontext.Now(ctx))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				httputil.WriteJSON(w, http.StatusTooManyRequests, ExceededResponse{
					Error:      "rate_limit_exceeded",
					Message:    "too many requests, try again later",
					RetryAfter: retry,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"credtrust/internal/platform/metrics"
	"credtrust/internal/ratelimit"
	"credtrust/pkg/platform/httputil"
	"credtrust/pkg/platform/middleware/apikey"
	"credtrust/pkg/platform/middleware/metadata"
	"credtrust/pkg/platform/middleware/request"
	"credtrust/pkg/platform/middleware/requesttime"
	"credtrust/pkg/requestcontext"
)

const healthTimeout = 2 * time.Second

// Module is a handler package that mounts public routes.
type Module interface {
	Register(r chi.Router)
}

// IssuerModule mounts routes reserved for issuer callers.
type IssuerModule interface {
	RegisterIssuer(r chi.Router)
}

// AdminModule mounts routes reserved for admin callers.
type AdminModule interface {
	RegisterAdmin(r chi.Router)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Config struct {
	APIKeys      apikey.Keys
	MaxBodyBytes int64
	Metrics      *metrics.Metrics
	HealthChecks map[string]HealthCheck
	// RateLimiter throttles module routes when set. Health and metrics are
	// never limited.
	RateLimiter *ratelimit.Middleware
	Logger      *slog.Logger
}

// NewRouter mounts every module behind the shared middleware chain. Modules
// that also implement IssuerModule or AdminModule get their privileged routes
// mounted behind the matching role check.
func NewRouter(cfg Config, modules ...Module) chi.Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = request.DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(request.BodyLimit(cfg.MaxBodyBytes))
	r.Use(apikey.Authenticate(cfg.APIKeys))

	r.Get("/health", healthHandler(cfg.HealthChecks))
	r.Handle("/metrics", metrics.Handler())

	for _, m := range modules {
		r.Group(func(g chi.Router) {
			limit(g, cfg.RateLimiter, ratelimit.ClassPublic)
			m.Register(g)
		})
		if im, ok := m.(IssuerModule); ok {
			r.Group(func(g chi.Router) {
				g.Use(apikey.RequireRole(cfg.Logger, requestcontext.RoleIssuer))
				limit(g, cfg.RateLimiter, ratelimit.ClassPrivileged)
				im.RegisterIssuer(g)
			})
		}
		if am, ok := m.(AdminModule); ok {
			r.Group(func(g chi.Router) {
				g.Use(apikey.RequireRole(cfg.Logger, requestcontext.RoleAdmin))
				limit(g, cfg.RateLimiter, ratelimit.ClassPrivileged)
				am.RegisterAdmin(g)
			})
		}
	}
	return r
}

func limit(r chi.Router, limiter *ratelimit.Middleware, class ratelimit.Class) {
	if limiter != nil {
		r.Use(limiter.Limit(class))
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		res := healthResponse{Status: "ok"}
		code := http.StatusOK
		if len(checks) > 0 {
			res.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				res.Checks[name] = err.Error()
				res.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			res.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, code, res)
	}
}

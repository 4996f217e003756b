package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"credtrust/internal/credential"
	"credtrust/internal/fraud"
	"credtrust/internal/issuance"
	issuancehandler "credtrust/internal/issuance/handler"
	"credtrust/internal/keys"
	"credtrust/internal/platform/config"
	"credtrust/internal/platform/httpserver"
	"credtrust/internal/platform/kafka/producer"
	"credtrust/internal/platform/logger"
	"credtrust/internal/platform/metrics"
	"credtrust/internal/platform/tracer"
	"credtrust/internal/presentation"
	presentationhandler "credtrust/internal/presentation/handler"
	"credtrust/internal/proof"
	"credtrust/internal/ratelimit"
	proofhandler "credtrust/internal/proof/handler"
	"credtrust/internal/status"
	statushandler "credtrust/internal/status/handler"
	"credtrust/internal/storage"
	httptransport "credtrust/internal/transport/http"
	"credtrust/internal/verification"
	"credtrust/internal/verification/adapters"
	verificationhandler "credtrust/internal/verification/handler"
	"credtrust/pkg/platform/audit/publisher"
	kafkasink "credtrust/pkg/platform/audit/sink/kafka"
	"credtrust/pkg/platform/audit/store/memory"
	"credtrust/pkg/platform/middleware/apikey"
	"credtrust/pkg/requestcontext"
)

const (
	shutdownTimeout   = 10 * time.Second
	maintenancePeriod = time.Minute
	auditPartitions   = 3
	auditReplication  = 1
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error("closing backends", "error", err)
		}
	}()

	auditOpts := []publisher.PublisherOption{publisher.WithPublisherLogger(log)}
	if cfg.Kafka.Brokers != "" {
		p, err := producer.New(cfg.Kafka, log)
		if err != nil {
			return err
		}
		defer p.Close() //nolint:errcheck // flushes on shutdown; nothing left to report to
		if err := p.EnsureTopic(ctx, cfg.Kafka.AuditTopic, auditPartitions, auditReplication); err != nil {
			log.Warn("audit topic not ensured", "topic", cfg.Kafka.AuditTopic, "error", err)
		}
		auditOpts = append(auditOpts, publisher.WithSink(kafkasink.New(p, cfg.Kafka.AuditTopic)))
		b.health["kafka"] = func(ctx context.Context) error {
			if !p.Healthy(ctx) {
				return errors.New("kafka brokers unreachable")
			}
			return nil
		}
	}
	auditor := publisher.NewPublisher(memory.NewInMemoryStore(), auditOpts...)
	defer auditor.Close()

	trc := tracer.NewOTel()

	sealer, err := keys.NewSealer(cfg.Keys.EncryptionSecret, cfg.Keys.PreviousSecrets...)
	if err != nil {
		return err
	}
	keyManager := keys.NewManager(keys.NewKVStore(b.kv), sealer,
		keys.WithLogger(log),
		keys.WithMetrics(keys.NewMetrics()),
	)

	credentials := credential.NewKVStore(b.kv)
	registry := status.NewRegistry(b.kv, credentials,
		status.WithLogger(log),
		status.WithMetrics(status.NewMetrics()),
		status.WithAuditor(auditor),
	)

	templates, err := loadTemplates(cfg.Issuer.TemplatesPath)
	if err != nil {
		return err
	}
	issuer := issuance.NewService(
		issuance.Config{
			BaseURL:          cfg.Issuer.BaseURL,
			DefaultIssuerDID: cfg.Issuer.DefaultIssuerDID,
			OfferTTL:         cfg.Issuer.OfferTTL,
			AccessTokenTTL:   cfg.Issuer.AccessTokenTTL,
			CredentialTTL:    cfg.Issuer.CredentialTTL,
		},
		issuance.NewGrantStore(b.kv),
		issuance.NewTokenService(cfg.Issuer.AccessTokenSecret, cfg.Issuer.BaseURL, cfg.Issuer.BaseURL+"/issuer/credential"),
		templates,
		keyManager,
		registry,
		credentials,
		issuance.WithLogger(log),
		issuance.WithMetrics(issuance.NewMetrics()),
		issuance.WithAuditor(auditor),
	)

	proofs := proof.NewEngine(credentials, proof.NewReplayGuard(b.kv, cfg.Proof.ReplayTTL),
		proof.WithEnabledFormats(cfg.Proof.EnabledFormats...),
		proof.WithLogger(log),
		proof.WithMetrics(proof.NewMetrics()),
		proof.WithAuditor(auditor),
	)

	verifier := verification.NewEngine(
		verification.Config{
			TrustedIssuers: cfg.Verification.TrustedIssuers,
			RevokedIssuers: cfg.Verification.RevokedIssuers,
			Policy: verification.DefaultPolicy().WithOverrides(
				cfg.Verification.PenaltyOverrides,
				cfg.Verification.FailThreshold,
				cfg.Verification.SuspiciousThreshold,
			),
			CacheTTL: cfg.Verification.CacheTTL,
		},
		keyManager,
		verificationOptions(cfg, log, trc, registry, auditor, b)...,
	)

	presenter := presentation.NewService(
		presentation.Config{RequestTTL: cfg.Presentation.RequestTTL, ClientID: cfg.Presentation.ClientID},
		presentation.NewRequestStore(b.kv),
		verifier,
		presentation.WithLogger(log),
		presentation.WithMetrics(presentation.NewMetrics()),
		presentation.WithAuditor(auditor),
	)

	limiter, window := rateLimiter(cfg.RateLimit, b.kv, log)

	router := httptransport.NewRouter(
		httptransport.Config{
			APIKeys:      apiKeys(cfg.APIKeys, log),
			Metrics:      metrics.New(),
			HealthChecks: b.health,
			RateLimiter:  limiter,
			Logger:       log,
		},
		issuancehandler.New(issuer, log),
		statushandler.New(registry, log),
		verificationhandler.New(verifier, log),
		presentationhandler.New(presenter, log),
		proofhandler.New(proofs, log),
	)
	srv := httpserver.New(cfg.Addr, router)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	workers, workerCtx := errgroup.WithContext(bgCtx)
	if b.checkpointer != nil {
		workers.Go(func() error {
			if err := b.checkpointer.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	workers.Go(func() error {
		maintain(workerCtx, log, b, presenter, func() {
			if window != nil {
				window.Sweep(cfg.RateLimit.Window)
			}
		})
		return nil
	})

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting credtrust", "addr", cfg.Addr, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			bgCancel()
			_ = workers.Wait()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	// the checkpointer drains its queue once cancelled
	bgCancel()
	return workers.Wait()
}

func verificationOptions(
	cfg config.Server,
	log *slog.Logger,
	trc tracer.Tracer,
	registry *status.Registry,
	auditor *publisher.Publisher,
	b *backends,
) []verification.Option {
	fraudOpts := []fraud.Option{
		fraud.WithWeights(cfg.Fraud.RuleWeight, cfg.Fraud.AnomalyWeight),
		fraud.WithRetry(cfg.Fraud.MaxAttempts, cfg.Fraud.AttemptTimeout),
		fraud.WithLogger(log),
		fraud.WithMetrics(fraud.NewMetrics()),
		fraud.WithTracer(trc),
	}
	if cfg.Fraud.ProviderURL != "" {
		fraudOpts = append(fraudOpts, fraud.WithProvider(fraud.NewHTTPProvider(cfg.Fraud.ProviderURL, cfg.Fraud.AttemptTimeout)))
	}

	opts := []verification.Option{
		verification.WithStatusChecker(registry),
		verification.WithFraudBlender(fraud.NewBlender(fraud.NewRules(cfg.Fraud.FraudulentIssuers), fraudOpts...)),
		verification.WithCache(b.kv),
		verification.WithLogger(log),
		verification.WithMetrics(verification.NewMetrics()),
		verification.WithTracer(trc),
		verification.WithAuditor(auditor),
	}
	if cfg.Verification.RegistryURL != "" {
		opts = append(opts, verification.WithIssuerRegistry(
			adapters.NewRegistryClient(cfg.Verification.RegistryURL, cfg.Verification.RegistryTimeout, log)))
	}
	if cfg.Verification.LedgerURL != "" {
		opts = append(opts, verification.WithLedger(
			adapters.NewLedgerClient(cfg.Verification.LedgerURL, cfg.Verification.LedgerTimeout, log)))
	}
	return opts
}

func loadTemplates(path string) (*issuance.Templates, error) {
	if path != "" {
		return issuance.LoadTemplates(path)
	}
	return issuance.NewTemplates(issuance.DefaultTemplates()...)
}

// maintain sweeps expired rows and presentation requests between the lazy
// prunes that requests trigger.
func maintain(ctx context.Context, log *slog.Logger, b *backends, presenter *presentation.Service, sweep func()) {
	ticker := time.NewTicker(maintenancePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := presenter.Prune(ctx); err != nil {
			log.WarnContext(ctx, "presentation prune failed", "error", err)
		} else if n > 0 {
			log.InfoContext(ctx, "presentation requests pruned", "count", n)
		}
		for _, p := range b.purgers {
			if _, err := p.Purge(ctx); err != nil {
				log.WarnContext(ctx, "storage purge failed", "error", err)
			}
		}
		sweep()
	}
}

// rateLimiter counts in process memory when state is in memory, and in the
// shared store otherwise so every instance enforces one budget. The returned
// window is nil unless counting is in memory.
func rateLimiter(cfg config.RateLimitConfig, kv storage.KV, log *slog.Logger) (*ratelimit.Middleware, *ratelimit.MemoryWindow) {
	var (
		store  ratelimit.Store
		window *ratelimit.MemoryWindow
	)
	if _, inMemory := kv.(*storage.MemoryKV); inMemory {
		window = ratelimit.NewMemoryWindow()
		store = window
	} else {
		store = ratelimit.NewKVWindow(kv, nil)
	}
	mw := ratelimit.New(store,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(ratelimit.NewMetrics()),
		ratelimit.WithDisabled(cfg.Disabled),
		ratelimit.WithLimit(ratelimit.ClassPublic, ratelimit.Limit{Requests: cfg.PublicRequests, Window: cfg.Window}),
		ratelimit.WithLimit(ratelimit.ClassPrivileged, ratelimit.Limit{Requests: cfg.PrivilegedRequests, Window: cfg.Window}),
	)
	return mw, window
}

func apiKeys(raw map[string]string, log *slog.Logger) apikey.Keys {
	out := make(apikey.Keys, len(raw))
	for key, role := range raw {
		switch r := requestcontext.Role(role); r {
		case requestcontext.RoleIssuer, requestcontext.RoleVerifier, requestcontext.RoleAdmin:
			out[key] = r
		default:
			log.Warn("ignoring api key with unknown role", "role", role)
		}
	}
	return out
}

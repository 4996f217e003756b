package fraud

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"credtrust/internal/platform/tracer"
	platformstrings "credtrust/pkg/platform/strings"
	"credtrust/pkg/platform/upstream"
	"credtrust/pkg/requestcontext"
)

const (
	DefaultRuleWeight    = 0.68
	DefaultAnomalyWeight = 0.32

	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 1500 * time.Millisecond
	retryBackoff          = 50 * time.Millisecond
)

// Blender folds an anomaly score into the rule score. Blend always completes:
// provider errors and timeouts fall back to DeterministicProvider.
type Blender struct {
	rules          *Rules
	provider       ScoreProvider
	fallback       DeterministicProvider
	ruleWeight     float64
	anomalyWeight  float64
	maxAttempts    int
	attemptTimeout time.Duration
	backoff        time.Duration

	logger  *slog.Logger
	metrics *Metrics
	tracer  tracer.Tracer
}

type Option func(*Blender)

func WithProvider(p ScoreProvider) Option {
	return func(b *Blender) {
		if p != nil {
			b.provider = p
		}
	}
}

// WithWeights sets the blend weights. They are normalized to sum to 1.
func WithWeights(rule, anomaly float64) Option {
	return func(b *Blender) {
		b.ruleWeight, b.anomalyWeight = normalizeWeights(rule, anomaly)
	}
}

// WithRetry bounds provider calls to attempts tries of at most timeout each.
func WithRetry(attempts int, timeout time.Duration) Option {
	return func(b *Blender) {
		if attempts > 0 {
			b.maxAttempts = attempts
		}
		if timeout > 0 {
			b.attemptTimeout = timeout
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(b *Blender) {
		b.backoff = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Blender) {
		b.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(b *Blender) {
		b.metrics = m
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(b *Blender) {
		if t != nil {
			b.tracer = t
		}
	}
}

func NewBlender(rules *Rules, opts ...Option) *Blender {
	if rules == nil {
		panic("fraud rules are required")
	}
	b := &Blender{
		rules:          rules,
		provider:       DeterministicProvider{},
		ruleWeight:     DefaultRuleWeight,
		anomalyWeight:  DefaultAnomalyWeight,
		maxAttempts:    defaultMaxAttempts,
		attemptTimeout: defaultAttemptTimeout,
		backoff:        retryBackoff,
		logger:         slog.Default(),
		tracer:         tracer.NewNoop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Weights returns the normalized blend weights.
func (b *Blender) Weights() (rule, anomaly float64) {
	return b.ruleWeight, b.anomalyWeight
}

// Blend scores in. Identical input yields an identical Result whenever the
// provider fails, since the fallback is seeded from the input alone.
func (b *Blender) Blend(ctx context.Context, in Input) Result {
	ctx, span := b.tracer.Start(ctx, tracer.SpanFraudBlend,
		tracer.String(tracer.AttrCredential, tracer.HashIdentifier(in.CredentialID)),
		tracer.String(tracer.AttrProviderName, b.provider.Name()),
	)

	ruleScore, flags := b.rules.Evaluate(in, requestcontext.Now(ctx))
	anomaly, attempts, err := b.callProvider(ctx, in, ruleScore)

	res := Result{
		RuleScore:  ruleScore,
		Provider:   b.provider.Name(),
		Attempts:   attempts,
		RuleWeight: b.ruleWeight,
		AIWeight:   b.anomalyWeight,
	}
	if err != nil {
		b.logger.WarnContext(ctx, "anomaly provider failed, using deterministic estimate",
			"provider", b.provider.Name(),
			"attempts", attempts,
			"error", err,
		)
		b.metrics.IncFallback(b.provider.Name())
		anomaly = b.estimate(in, ruleScore)
		res.Fallback = true
		flags = append(flags, FlagAnomalyFallback)
	}

	res.AnomalyScore = anomaly
	res.Score = clamp(int(math.Round(float64(ruleScore)*b.ruleWeight + float64(anomaly)*b.anomalyWeight)))
	res.Flags = platformstrings.SortedUnique(flags)
	b.metrics.ObserveScore(res.Score)

	span.SetAttributes(
		tracer.Int64(tracer.AttrRiskScore, int64(res.Score)),
		tracer.Bool(tracer.AttrFallback, res.Fallback),
	)
	span.End(nil)
	return res
}

func (b *Blender) estimate(in Input, ruleScore int) int {
	score, err := b.fallback.Score(context.Background(), in, ruleScore)
	if err != nil {
		// Claims that cannot be canonicalized still get a stable estimate.
		return clamp(int(math.Round(float64(ruleScore) * 0.75)))
	}
	return score
}

func (b *Blender) callProvider(ctx context.Context, in Input, ruleScore int) (int, int, error) {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		score, err := b.attempt(ctx, in, ruleScore, attempt)
		if err == nil {
			return score, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, attempt, ctx.Err()
		}
		if !worthRetrying(err) {
			return 0, attempt, err
		}
		if attempt < b.maxAttempts && b.backoff > 0 {
			select {
			case <-ctx.Done():
				return 0, attempt, ctx.Err()
			case <-time.After(b.backoff * time.Duration(attempt)):
			}
		}
	}
	return 0, b.maxAttempts, lastErr
}

func (b *Blender) attempt(ctx context.Context, in Input, ruleScore, attempt int) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.attemptTimeout)
	defer cancel()

	attemptCtx, span := b.tracer.Start(attemptCtx, tracer.SpanFraudProvider,
		tracer.String(tracer.AttrProviderName, b.provider.Name()),
		tracer.Int64(tracer.AttrAttempt, int64(attempt)),
	)
	start := time.Now()

	type outcome struct {
		score int
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		score, err := b.provider.Score(attemptCtx, in, ruleScore)
		done <- outcome{score: score, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		out.err = attemptCtx.Err()
	}
	b.metrics.ObserveProvider(time.Since(start))

	if out.err == nil && (out.score < 0 || out.score > 100) {
		out.err = errors.New("anomaly score out of range")
	}
	span.End(out.err)
	return out.score, out.err
}

// worthRetrying stops early on categorized errors another attempt cannot fix,
// such as a malformed response.
func worthRetrying(err error) bool {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return true
}

func normalizeWeights(rule, anomaly float64) (float64, float64) {
	if math.IsNaN(rule) || rule < 0 {
		rule = 0
	}
	if math.IsNaN(anomaly) || anomaly < 0 {
		anomaly = 0
	}
	sum := rule + anomaly
	if sum == 0 || math.IsInf(sum, 0) {
		return DefaultRuleWeight, DefaultAnomalyWeight
	}
	return rule / sum, anomaly / sum
}

package fraud

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	fallbacks *prometheus.CounterVec
	latency   prometheus.Histogram
	scores    prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		fallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_fraud_provider_fallbacks_total",
			Help: "Blends that used the deterministic estimator, by provider",
		}, []string{"provider"}),
		latency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "credtrust_fraud_provider_duration_seconds",
			Help:    "Anomaly provider call latency per attempt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		scores: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "credtrust_fraud_blended_score",
			Help:    "Distribution of blended fraud scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
	}
}

func (m *Metrics) IncFallback(provider string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObserveProvider(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

func (m *Metrics) ObserveScore(score int) {
	if m == nil {
		return
	}
	m.scores.Observe(float64(score))
}

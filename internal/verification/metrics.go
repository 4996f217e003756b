package verification

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CheckLatency  *prometheus.HistogramVec
	CheckOutcome  *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	RiskScore     prometheus.Histogram
	CacheLookups  *prometheus.CounterVec
	VerifyLatency prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		CheckLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credtrust_verification_check_duration_seconds",
			Help:    "Duration of individual verification checks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"check"}),
		CheckOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_verification_check_outcomes_total",
			Help: "Verification check outcomes by check and outcome",
		}, []string{"check", "outcome"}),
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_verification_decisions_total",
			Help: "Verification decisions by decision and input form",
		}, []string{"decision", "form"}),
		RiskScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "credtrust_verification_risk_score",
			Help:    "Distribution of final risk scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_verification_cache_lookups_total",
			Help: "Verification result cache lookups by result",
		}, []string{"result"}),
		VerifyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "credtrust_verification_duration_seconds",
			Help:    "Duration of a full verification including external lookups",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) ObserveCheck(check string, outcome Outcome, d time.Duration) {
	if m != nil {
		m.CheckLatency.WithLabelValues(check).Observe(d.Seconds())
		m.CheckOutcome.WithLabelValues(check, string(outcome)).Inc()
	}
}

func (m *Metrics) ObserveResult(res *Result, form string, d time.Duration) {
	if m != nil {
		m.Decisions.WithLabelValues(string(res.Decision), form).Inc()
		m.RiskScore.Observe(float64(res.RiskScore))
		m.VerifyLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

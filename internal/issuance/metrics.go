package issuance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	offers    *prometheus.CounterVec
	exchanges *prometheus.CounterVec
	issued    *prometheus.CounterVec
	latency   prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		offers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_credential_offers_total",
			Help: "Credential offers created by template",
		}, []string{"template"}),
		exchanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_token_exchanges_total",
			Help: "Pre-authorized code exchanges by outcome",
		}, []string{"outcome"}),
		issued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_credentials_issued_total",
			Help: "Credentials signed and stored by format",
		}, []string{"format"}),
		latency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "credtrust_credential_issue_duration_seconds",
			Help:    "Time spent allocating, signing and storing a credential",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncOffer(template string) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(template).Inc()
}

func (m *Metrics) IncExchange(outcome string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveIssued(format string, seconds float64) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(format).Inc()
	m.latency.Observe(seconds)
}

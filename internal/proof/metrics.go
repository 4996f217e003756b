package proof

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	generated     *prometheus.CounterVec
	verifications *prometheus.CounterVec
	reasons       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		generated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_proofs_generated_total",
			Help: "Proof generation requests by format and status",
		}, []string{"format", "status"}),
		verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_proof_verifications_total",
			Help: "Proof verifications by status",
		}, []string{"status"}),
		reasons: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_proof_reason_codes_total",
			Help: "Reason codes raised by proof verification",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncGenerated(format Format, status string) {
	if m == nil {
		return
	}
	m.generated.WithLabelValues(string(format), status).Inc()
}

func (m *Metrics) ObserveVerification(result VerifyResult) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result.Status).Inc()
	for _, r := range result.ReasonCodes {
		m.reasons.WithLabelValues(r).Inc()
	}
}

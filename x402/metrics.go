package x402

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the payment engine's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	challenges  prometheus.Counter
	validations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	depErrors   *prometheus.CounterVec
	swept       prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		challenges: factory.NewCounter(prometheus.CounterOpts{
			Name: "paygate_challenges_issued_total",
			Help: "Payment challenges issued.",
		}),
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_validations_total",
			Help: "Payment proof validations by verification mode and outcome.",
		}, []string{"mode", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_validation_duration_seconds",
			Help:    "Wall-clock time spent validating a payment proof.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 25},
		}, []string{"mode"}),
		depErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_dependency_errors_total",
			Help: "Failures of the cache, ledger or facilitator.",
		}, []string{"dependency"}),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Name: "paygate_ledger_swept_total",
			Help: "Settlement rows deleted after their retention elapsed.",
		}),
	}
}

func (m *Metrics) challengeIssued() {
	if m == nil {
		return
	}
	m.challenges.Inc()
}

func (m *Metrics) observeValidation(mode Mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(string(mode), outcome).Inc()
	m.duration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) dependencyError(dependency string) {
	if m == nil {
		return
	}
	m.depErrors.WithLabelValues(dependency).Inc()
}

// LedgerSwept records rows removed by a retention sweep.
func (m *Metrics) LedgerSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gate's hot-path instruments.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	SegmentDuration *prometheus.HistogramVec
	FailClosed      *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
}

// NewMetrics registers the gate metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_decisions_total",
			Help: "Authorization decisions by status and reason code.",
		}, []string{"status", "reason_code"}),
		SegmentDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradegate_segment_duration_seconds",
			Help:    "Pipeline segment durations.",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"segment"}),
		FailClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_fail_closed_total",
			Help: "Decisions forced to BLOCKED by a dependency failure.",
		}, []string{"dependency"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradegate_breaker_state",
			Help: "Circuit breaker state per dependency: 0 closed, 1 open, 2 half-open.",
		}, []string{"dependency"}),
	}
}

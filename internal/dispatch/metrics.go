package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts handled transitions by outcome and times them
type Metrics struct {
	Dispatches *prometheus.CounterVec
	Duration   prometheus.Histogram
}

// NewMetrics registers the dispatch collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_dispatch_total",
				Help: "Publish transitions handled, by outcome",
			},
			[]string{"outcome"},
		),
		Duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "publisher_dispatch_duration_seconds",
				Help:    "Time spent handling a publish transition",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(m.Dispatches, m.Duration)
	return m
}

// Observe records one outcome. A nil Metrics is a no-op.
func (m *Metrics) Observe(status Status, elapsed time.Duration) {
	if m == nil || m.Dispatches == nil {
		return
	}

	m.Dispatches.WithLabelValues(string(status)).Inc()
	if m.Duration != nil {
		m.Duration.Observe(elapsed.Seconds())
	}
}

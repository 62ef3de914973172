package ldapauth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for authentication outcomes. The
// result label carries "success" or the failure class; individual
// failure reasons stay in the log so the metrics cannot be used to
// enumerate users either.
type Metrics struct {
	AttemptsTotal *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
}

// NewMetrics creates and registers the authentication metrics on the
// given registerer. Pass prometheus.DefaultRegisterer for the common
// case.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ldapauth",
				Name:      "attempts_total",
				Help:      "Authentication attempts by result (success, authentication, infrastructure, invalid_input)",
			},
			[]string{"result"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ldapauth",
				Name:      "duration_seconds",
				Help:      "Authentication attempt duration by result",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		),
	}
}

// observe records one attempt outcome.
func (m *Metrics) observe(result string, duration time.Duration) {
	m.AttemptsTotal.WithLabelValues(result).Inc()
	m.Duration.WithLabelValues(result).Observe(duration.Seconds())
}

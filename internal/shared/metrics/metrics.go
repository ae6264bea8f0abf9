package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

// Circuit state gauge values
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

// Metrics holds the gateway's Prometheus collectors.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	AttemptsTotal         *prometheus.CounterVec
	CacheLookupsTotal     *prometheus.CounterVec
	CircuitState          *prometheus.GaugeVec
	CircuitTripsTotal     *prometheus.CounterVec
	QuotaRejectionsTotal  *prometheus.CounterVec
	SelectorConfidence    prometheus.Histogram
	UpstreamLatency       *prometheus.HistogramVec
	FailureClassification *prometheus.CounterVec
}

var latencyBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

var confidenceBuckets = []float64{0, .1, .2, .3, .4, .5, .6, .7, .8, .9, .99, 1}

// New creates and registers all collectors on reg (DefaultRegisterer when nil)
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Completed logical requests by serving provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Candidate attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Response cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		CircuitTripsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "trips_total",
				Help:      "Number of times a provider circuit opened",
			},
			[]string{"provider"},
		),
		QuotaRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quota",
				Name:      "rejections_total",
				Help:      "Reservations rejected by the rate limiter, by scope (minute, daily)",
			},
			[]string{"scope"},
		),
		SelectorConfidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "selector",
				Name:      "confidence",
				Help:      "Top candidate score per selection",
				Buckets:   confidenceBuckets,
			},
		),
		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Latency of upstream provider calls",
				Buckets:   latencyBuckets,
			},
			[]string{"provider"},
		),
		FailureClassification: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "learning",
				Name:      "failures_total",
				Help:      "Recorded failures by provider and error class",
			},
			[]string{"provider", "class"},
		),
	}
}

func (m *Metrics) RecordRequest(provider, model, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(provider, model, status).Inc()
}

func (m *Metrics) RecordAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCircuitState records the gauge value; a transition into open also counts a trip
func (m *Metrics) SetCircuitState(provider string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(provider).Set(float64(state))
	if tripped {
		m.CircuitTripsTotal.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) RecordQuotaRejection(scope string) {
	if m == nil {
		return
	}
	m.QuotaRejectionsTotal.WithLabelValues(scope).Inc()
}

func (m *Metrics) ObserveConfidence(v float64) {
	if m == nil {
		return
	}
	m.SelectorConfidence.Observe(v)
}

func (m *Metrics) ObserveUpstreamLatency(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordFailureClass(provider, class string) {
	if m == nil {
		return
	}
	m.FailureClassification.WithLabelValues(provider, class).Inc()
}

// Package metrics provides Prometheus metrics collection for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the proxy.
type Collector struct {
	// Key Manager gauges, updated on every KM mutation (§4.6).
	ActiveKeys  prometheus.Gauge
	CoolingKeys prometheus.Gauge

	// Token accounting counters, updated by the Proxy Engine when token
	// accounting is enabled (§4.6).
	TokensSentTotal     prometheus.Counter
	TokensReceivedTotal prometheus.Counter

	// Ambient request/upstream metrics, in the donor codebase's naming
	// convention.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	AuthFailures prometheus.Counter
}

// New creates a new metrics collector registered against the default
// registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		ActiveKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orproxy",
			Name:      "active_keys",
			Help:      "Number of upstream keys currently available for selection",
		}),
		CoolingKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orproxy",
			Name:      "cooling_keys",
			Help:      "Number of upstream keys currently in cooldown",
		}),
		TokensSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orproxy",
			Name:      "tokens_sent_total",
			Help:      "Estimated prompt tokens sent to the upstream",
		}),
		TokensReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orproxy",
			Name:      "tokens_received_total",
			Help:      "Completion tokens reported by the upstream",
		}),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orproxy",
				Name:      "requests_total",
				Help:      "Total number of client requests processed",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "orproxy",
				Name:      "request_duration_seconds",
				Help:      "Client request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orproxy",
			Name:      "requests_in_flight",
			Help:      "Number of client requests currently being processed",
		}),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "orproxy",
				Name:      "upstream_duration_seconds",
				Help:      "Per-attempt upstream call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orproxy",
				Name:      "upstream_errors_total",
				Help:      "Total number of non-2xx upstream outcomes",
			},
			[]string{"kind"},
		),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orproxy",
			Name:      "auth_failures_total",
			Help:      "Total number of access-key authentication failures",
		}),
	}
}

// SetKeyCounts implements ports.MetricsCollector.
func (c *Collector) SetKeyCounts(active, cooling int) {
	c.ActiveKeys.Set(float64(active))
	c.CoolingKeys.Set(float64(cooling))
}

// AddTokensSent implements ports.MetricsCollector.
func (c *Collector) AddTokensSent(n int64) {
	if n > 0 {
		c.TokensSentTotal.Add(float64(n))
	}
}

// AddTokensReceived implements ports.MetricsCollector.
func (c *Collector) AddTokensReceived(n int64) {
	if n > 0 {
		c.TokensReceivedTotal.Add(float64(n))
	}
}

// ObserveRequest implements ports.MetricsCollector.
func (c *Collector) ObserveRequest(method, path string, status int, durationSeconds float64) {
	statusLabel := statusClass(status)
	c.RequestsTotal.WithLabelValues(method, NormalizePath(path), statusLabel).Inc()
	c.RequestDuration.WithLabelValues(method, NormalizePath(path), statusLabel).Observe(durationSeconds)
}

// ObserveUpstream implements ports.MetricsCollector.
func (c *Collector) ObserveUpstream(durationSeconds float64, err bool) {
	outcome := "ok"
	if err {
		outcome = "error"
		c.UpstreamErrors.WithLabelValues("upstream").Inc()
	}
	c.UpstreamDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// NormalizePath reduces cardinality: this proxy only has a handful of
// route shapes, so the donor's truncation heuristic is kept as a
// defensive cap rather than a real templating pass.
func NormalizePath(path string) string {
	if len(path) > 50 {
		return path[:50] + "..."
	}
	return path
}

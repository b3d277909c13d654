// Package metrics exposes Prometheus counters for key refreshes and session operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session operation names used as the "op" label.
const (
	OpSignIn  = "sign_in"
	OpRefresh = "refresh"
	OpLogout  = "logout"
)

// Session operation outcomes used as the "result" label.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Recorder is the metrics surface used by the key cache and the session service.
type Recorder interface {
	// KeyRefresh records one JWKS refresh attempt and the resulting key count.
	KeyRefresh(ok bool, keys int, took time.Duration)
	// Session records the outcome of a session operation.
	Session(op, result string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) KeyRefresh(bool, int, time.Duration) {}
func (Nop) Session(string, string)              {}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	keyRefresh    *prometheus.CounterVec
	keyCount      prometheus.Gauge
	keyRefreshDur prometheus.Histogram
	sessions      *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		keyRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "larder_auth_jwks_refresh_total",
			Help: "JWKS refresh attempts by result.",
		}, []string{"result"}),
		keyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "larder_auth_jwks_keys",
			Help: "Signing keys in the current snapshot.",
		}),
		keyRefreshDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "larder_auth_jwks_refresh_seconds",
			Help:    "JWKS refresh latency.",
			Buckets: prometheus.DefBuckets,
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "larder_auth_session_total",
			Help: "Session operations by operation and result.",
		}, []string{"op", "result"}),
	}

	reg.MustRegister(c.keyRefresh, c.keyCount, c.keyRefreshDur, c.sessions)
	return c
}

// KeyRefresh records a refresh attempt. The gauge only moves on success
// because a failed refresh keeps the previous snapshot.
func (c *Collector) KeyRefresh(ok bool, keys int, took time.Duration) {
	c.keyRefreshDur.Observe(took.Seconds())
	if !ok {
		c.keyRefresh.WithLabelValues(ResultError).Inc()
		return
	}
	c.keyRefresh.WithLabelValues(ResultOK).Inc()
	c.keyCount.Set(float64(keys))
}

// Session records a session outcome.
func (c *Collector) Session(op, result string) {
	c.sessions.WithLabelValues(op, result).Inc()
}

// Handler returns the scrape handler for gatherer mounted at /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

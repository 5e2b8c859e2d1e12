package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus surface exported by the supervisor. Every
// counter/gauge is labeled by pool id so a single process hosting many
// pools still yields per-pool breakdowns.
type Metrics struct {
	DispatchTotal   *prometheus.CounterVec
	ActiveRequests  *prometheus.GaugeVec
	Workers         *prometheus.GaugeVec
	AutoscaleEvents *prometheus.CounterVec
	RollingEvents   *prometheus.CounterVec
	TickDuration    *prometheus.HistogramVec
}

// NewMetrics registers the collectors against reg (pass
// prometheus.NewRegistry() in tests to avoid the global registry
// colliding across cases; pass prometheus.DefaultRegisterer in
// production).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wpool",
			Name:      "dispatch_total",
			Help:      "Dispatch outcomes per pool.",
		}, []string{"pool", "outcome"}),

		ActiveRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wpool",
			Name:      "active_requests",
			Help:      "In-flight requests per pool.",
		}, []string{"pool"}),

		Workers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wpool",
			Name:      "workers",
			Help:      "Worker count per pool and state.",
		}, []string{"pool", "state"}),

		AutoscaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wpool",
			Name:      "autoscale_events_total",
			Help:      "Autoscale add/remove decisions per pool.",
		}, []string{"pool", "action"}),

		RollingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wpool",
			Name:      "rolling_events_total",
			Help:      "Rolling maintenance/restart/recycle decisions per pool.",
		}, []string{"pool", "action"}),

		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wpool",
			Name:      "tick_duration_seconds",
			Help:      "Time spent evaluating one pool tick.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pool"}),
	}
}

// Handler exposes /metrics for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

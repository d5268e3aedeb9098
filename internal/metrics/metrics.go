// Package metrics exposes the gateway's Prometheus registry: per-connection
// request/error/latency gauges sourced from adapter.MetricsTracker
// snapshots, plus Bridge Engine and Alert Engine counters. Grounded on the
// promauto.NewCounterVec/NewGaugeVec style used by
// sureshkrishnan-v-kubePulse's internal/export/prometheus.go, generalizing
// the teacher's bare net/http/pprof debug listener into a real /metrics
// surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kcchien/iiot-gateway/internal/model"
)

// Registry owns every gateway metric, registered against a private
// prometheus.Registry rather than the global default so multiple gatewayd
// instances in the same test binary don't collide.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	errorRate     *prometheus.GaugeVec
	latencyMs     *prometheus.GaugeVec
	latencyAvgMs  *prometheus.GaugeVec
	connStatus    *prometheus.GaugeVec

	bridgeForwarded *prometheus.CounterVec
	bridgeDropped   *prometheus.CounterVec
	bridgeErrors    *prometheus.CounterVec

	alertsFired *prometheus.CounterVec
}

// New builds a Registry with every gateway metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	r := &Registry{
		reg: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "connection",
			Name:      "requests_total",
			Help:      "Total adapter requests per connection.",
		}, []string{"connection_id", "protocol"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "connection",
			Name:      "errors_total",
			Help:      "Total adapter request errors per connection.",
		}, []string{"connection_id", "protocol"}),
		errorRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "connection",
			Name:      "error_rate",
			Help:      "Rolling error rate (errors/requests) per connection.",
		}, []string{"connection_id", "protocol"}),
		latencyMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "connection",
			Name:      "latency_ms",
			Help:      "Latency of the last successful read, in milliseconds.",
		}, []string{"connection_id", "protocol"}),
		latencyAvgMs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "connection",
			Name:      "latency_avg_ms",
			Help:      "Rolling mean latency over the last 10 successful reads.",
		}, []string{"connection_id", "protocol"}),
		connStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "connection",
			Name:      "status",
			Help:      "1 if the connection is in the labeled status, else 0.",
		}, []string{"connection_id", "protocol", "status"}),
		bridgeForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "bridge",
			Name:      "forwarded_total",
			Help:      "Total DataPoints forwarded by a bridge.",
		}, []string{"bridge_id"}),
		bridgeDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "bridge",
			Name:      "dropped_total",
			Help:      "Total DataPoints dropped by a bridge (quality filter, rate limit, queue overflow).",
		}, []string{"bridge_id", "reason"}),
		bridgeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "bridge",
			Name:      "errors_total",
			Help:      "Total target write errors for a bridge.",
		}, []string{"bridge_id"}),
		alertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "alert",
			Name:      "fired_total",
			Help:      "Total AlertFired transitions, by severity.",
		}, []string{"rule_id", "severity"}),
	}
	return r
}

// Handler returns the HTTP handler serving this registry's metrics page.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveConnection records a ConnectionMetrics snapshot plus the current
// status for one connection.
func (r *Registry) ObserveConnection(connectionID string, protocol model.Protocol, status model.ConnectionStatus, m model.ConnectionMetrics) {
	labels := prometheus.Labels{"connection_id": connectionID, "protocol": string(protocol)}
	r.requestsTotal.With(labels).Add(0) // ensure the series exists even before first request
	r.errorRate.With(labels).Set(m.ErrorRate())
	r.latencyMs.With(labels).Set(float64(m.LatencyMs))
	r.latencyAvgMs.With(labels).Set(m.LatencyAvgMs)

	for _, s := range []model.ConnectionStatus{model.StatusDisconnected, model.StatusConnecting, model.StatusConnected, model.StatusError} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		r.connStatus.With(prometheus.Labels{"connection_id": connectionID, "protocol": string(protocol), "status": string(s)}).Set(v)
	}
}

// IncRequests bumps the per-connection request counter, optionally marking
// one as an error.
func (r *Registry) IncRequests(connectionID string, protocol model.Protocol, isError bool) {
	labels := prometheus.Labels{"connection_id": connectionID, "protocol": string(protocol)}
	r.requestsTotal.With(labels).Inc()
	if isError {
		r.errorsTotal.With(labels).Inc()
	}
}

// BridgeForwarded increments the forwarded counter for a bridge.
func (r *Registry) BridgeForwarded(bridgeID string, n int) {
	r.bridgeForwarded.With(prometheus.Labels{"bridge_id": bridgeID}).Add(float64(n))
}

// BridgeDropped increments the dropped counter for a bridge with a reason
// label ("quality", "rate_limit", "queue_overflow").
func (r *Registry) BridgeDropped(bridgeID, reason string, n int) {
	r.bridgeDropped.With(prometheus.Labels{"bridge_id": bridgeID, "reason": reason}).Add(float64(n))
}

// BridgeError increments the error counter for a bridge.
func (r *Registry) BridgeError(bridgeID string) {
	r.bridgeErrors.With(prometheus.Labels{"bridge_id": bridgeID}).Inc()
}

// AlertFired increments the fired counter for a rule/severity pair.
func (r *Registry) AlertFired(ruleID string, severity model.Severity) {
	r.alertsFired.With(prometheus.Labels{"rule_id": ruleID, "severity": string(severity)}).Inc()
}

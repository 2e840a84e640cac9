// Package observability provides Prometheus metrics for the watcher and hub.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll results.
const (
	PollOK       = "ok"
	PollError    = "error"
	PollWaiting  = "waiting"
	PollSkipped  = "skipped"
	PollBreached = "breached"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Monitor metrics
	PollsTotal    *prometheus.CounterVec
	LastPrice     prometheus.Gauge
	ConfigUpdates *prometheus.CounterVec
	PollDuration  prometheus.Histogram
	AlertsTotal   *prometheus.CounterVec
	AuditFailures *prometheus.CounterVec

	// Hub metrics
	HubConnections   prometheus.Gauge
	HubSubscriptions prometheus.Gauge
	HubBroadcasts    *prometheus.CounterVec
	HubEvictions     prometheus.Counter
	HubDropped       prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on its own registry so
// several instances can coexist in tests.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "poolwatch"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Price polls by result",
		}, []string{"result"}),
		LastPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "last_price",
			Help:      "Most recent oriented price",
		}),
		ConfigUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "config_updates_total",
			Help:      "Configuration updates by outcome",
		}, []string{"outcome"}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "poll_duration_seconds",
			Help:      "Duration of a single poll",
			Buckets:   prometheus.DefBuckets,
		}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "dispatches_total",
			Help:      "Alert dispatches by channel status",
		}, []string{"status"}),
		AuditFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "audit_failures_total",
			Help:      "Failed audit writes by recorder",
		}, []string{"recorder"}),

		HubConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Open client connections",
		}),
		HubSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscriptions",
			Help:      "Connections with an owner key",
		}),
		HubBroadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Broadcast events by type",
		}, []string{"type"}),
		HubEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Connections removed after a failed send",
		}),
		HubDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "malformed_messages_total",
			Help:      "Inbound client messages dropped as malformed",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the node-level metrics for the configuration core
type Metrics struct {
	// Configuration lifecycle
	ConfigReloads  *prometheus.CounterVec
	SettingsWrites *prometheus.CounterVec
	ReloadDuration prometheus.Histogram

	// Cluster event delivery
	EventsPublished *prometheus.CounterVec
	EventsReceived  *prometheus.CounterVec

	// NATS connection
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge

	// Health
	HealthCheckStatus *prometheus.GaugeVec
}

// NewMetrics creates the node metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ConfigReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wiki",
				Subsystem: "config",
				Name:      "reloads_total",
				Help:      "Total configuration reloads from the settings store",
			},
			[]string{"status"},
		),

		SettingsWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wiki",
				Subsystem: "config",
				Name:      "settings_writes_total",
				Help:      "Total settings store writes",
			},
			[]string{"status"},
		),

		ReloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "wiki",
				Subsystem: "config",
				Name:      "reload_duration_seconds",
				Help:      "Duration of configuration reloads in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wiki",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total cluster events published by this node",
			},
			[]string{"event"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wiki",
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Total cluster events received, own announcements included",
			},
			[]string{"event", "origin"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wiki",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wiki",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wiki",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "wiki",
				Subsystem: "health",
				Name:      "status",
				Help:      "Component health status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
	}
}

// ConfigReloaded records a reload outcome. Implements the configuration
// manager's observer contract.
func (m *Metrics) ConfigReloaded(ok bool) {
	m.ConfigReloads.WithLabelValues(statusLabel(ok)).Inc()
}

// SettingsSaved records a settings write outcome
func (m *Metrics) SettingsSaved(ok bool) {
	m.SettingsWrites.WithLabelValues(statusLabel(ok)).Inc()
}

// RecordReloadDuration records how long a reload took
func (m *Metrics) RecordReloadDuration(d time.Duration) {
	m.ReloadDuration.Observe(d.Seconds())
}

// EventPublished records a published cluster event. Implements the event
// service's observer contract.
func (m *Metrics) EventPublished(event string) {
	m.EventsPublished.WithLabelValues(event).Inc()
}

// EventReceived records a delivered cluster event
func (m *Metrics) EventReceived(event string, self bool) {
	origin := "remote"
	if self {
		origin = "self"
	}
	m.EventsReceived.WithLabelValues(event, origin).Inc()
}

// RecordNATSStatus updates the NATS connection gauge
func (m *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect increments the reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker gauge
func (m *Metrics) RecordCircuitBreakerState(open bool) {
	if open {
		m.NATSCircuitBreaker.Set(1)
	} else {
		m.NATSCircuitBreaker.Set(0)
	}
}

// RecordHealthStatus updates a component's health gauge
func (m *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(component).Set(value)
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Package metrics wires the ambient Prometheus instrumentation described
// in SPEC_FULL.md's metrics section: gauges/counters the Controller and
// CGI subsystem update as requests flow through, exposed on a loopback
// listener by cmd/webserv. It never influences request/response semantics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the core updates.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	CGISpawnedTotal prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	ReactorWait     prometheus.Histogram
}

// New registers every collector against reg and returns the handle the
// Controller threads through by reference.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webserv", Name: "active_sessions", Help: "Number of live HTTP sessions.",
		}),
		CGISpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webserv", Name: "cgi_spawned_total", Help: "Total CGI child processes spawned.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webserv", Name: "requests_total", Help: "Total requests served, by status code.",
		}, []string{"status"}),
		ReactorWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webserv", Name: "reactor_wait_seconds", Help: "Time spent blocked in the reactor's wait call.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.ActiveSessions, m.CGISpawnedTotal, m.RequestsTotal, m.ReactorWait)
	return m
}

// RecordStatus increments the per-status request counter. status is
// formatted by the caller (e.g. "200", "404") to avoid pulling
// internal/httpstatus into this package's otherwise dependency-free API.
func (m *Metrics) RecordStatus(status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// Package metrics exposes Prometheus metrics for ransomwatch.
//
// Features:
//   - Counters for ticks, scan errors, alerts, events, bursts and
//     quarantine transitions
//   - Gauges for groups scored and quarantine state
//   - Histogram for entropy tick duration
//   - HTTP handler for scraping
//
// Every method is safe to call on a nil *Metrics, so callers that run
// without metrics need no guards.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "ransomwatch"

// Metrics holds all ransomwatch collectors.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal        prometheus.Counter
	ScanErrorsTotal   *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
	MalformedEvents   prometheus.Counter
	BurstsTotal       prometheus.Counter
	SuppressedBursts  prometheus.Counter
	QuarantineTotal   *prometheus.CounterVec
	SinkErrorsTotal   prometheus.Counter
	GroupsScored      prometheus.Gauge
	QuarantineActive  prometheus.Gauge
	WindowEvents      prometheus.Gauge
	TickDuration      prometheus.Histogram
	LastTickTimestamp prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "entropy",
			Name:      "ticks_total",
			Help:      "Completed entropy polling ticks.",
		}),
		ScanErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "entropy",
			Name:      "scan_errors_total",
			Help:      "Files, groups and roots that could not be scored, by error type.",
		}, []string{"type"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "alerts_total",
			Help:      "Alerts emitted, by classification.",
		}, []string{"classification"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Filesystem events received, by kind.",
		}, []string{"kind"}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "malformed_total",
			Help:      "Event lines dropped because they did not parse.",
		}),
		BurstsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "bursts_total",
			Help:      "Event bursts that fired.",
		}),
		SuppressedBursts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "bursts_suppressed_total",
			Help:      "Threshold crossings ignored because the directory was already protected.",
		}),
		QuarantineTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "quarantine",
			Name:      "transitions_total",
			Help:      "Quarantine transitions, by action and result.",
		}, []string{"action", "result"}),
		SinkErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sink_errors_total",
			Help:      "Alerts that at least one sink failed to accept.",
		}),
		GroupsScored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "entropy",
			Name:      "groups_scored",
			Help:      "Groups scored in the last tick.",
		}),
		QuarantineActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "quarantine",
			Name:      "active",
			Help:      "1 while the watched directory is protected.",
		}),
		WindowEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "window_events",
			Help:      "Events in the burst window after the last update.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "entropy",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one walk and aggregate pass.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		LastTickTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "entropy",
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed tick.",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.ScanErrorsTotal,
		m.AlertsTotal,
		m.EventsTotal,
		m.MalformedEvents,
		m.BurstsTotal,
		m.SuppressedBursts,
		m.QuarantineTotal,
		m.SinkErrorsTotal,
		m.GroupsScored,
		m.QuarantineActive,
		m.WindowEvents,
		m.TickDuration,
		m.LastTickTimestamp,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records a completed entropy tick.
func (m *Metrics) ObserveTick(d time.Duration, groups int, at time.Time) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
	m.GroupsScored.Set(float64(groups))
	m.LastTickTimestamp.Set(float64(at.Unix()))
}

// ScanError counts one failure of the given type.
func (m *Metrics) ScanError(kind string) {
	if m == nil {
		return
	}
	m.ScanErrorsTotal.WithLabelValues(kind).Inc()
}

// Alert counts an emitted alert.
func (m *Metrics) Alert(classification string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(classification).Inc()
}

// SinkError counts a failed emit.
func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrorsTotal.Inc()
}

// Event counts a received event and the resulting window size.
func (m *Metrics) Event(kind string, windowCount int) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
	m.WindowEvents.Set(float64(windowCount))
}

// Malformed counts a dropped event line.
func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.MalformedEvents.Inc()
}

// Burst counts a fired burst.
func (m *Metrics) Burst() {
	if m == nil {
		return
	}
	m.BurstsTotal.Inc()
}

// Suppressed counts a burst held back by an active quarantine.
func (m *Metrics) Suppressed() {
	if m == nil {
		return
	}
	m.SuppressedBursts.Inc()
}

// Quarantine records a protect or restore attempt.
func (m *Metrics) Quarantine(protect bool, err error) {
	if m == nil {
		return
	}
	action := "restore"
	if protect {
		action = "protect"
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.QuarantineTotal.WithLabelValues(action, result).Inc()
	if err == nil {
		if protect {
			m.QuarantineActive.Set(1)
		} else {
			m.QuarantineActive.Set(0)
		}
	}
}

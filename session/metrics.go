package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for session operations.
type Metrics struct {
	begins      *prometheus.CounterVec
	flushes     *prometheus.CounterVec
	ends        *prometheus.CounterVec
	active      prometheus.Gauge
	cacheLookup *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers it with the provided registerer.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		begins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "usersync",
				Subsystem: "session",
				Name:      "begins_total",
				Help:      "Total number of begin attempts",
			},
			[]string{"result"},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "usersync",
				Subsystem: "session",
				Name:      "flushes_total",
				Help:      "Total number of conditional stores issued by sessions",
			},
			[]string{"result"},
		),
		ends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "usersync",
				Subsystem: "session",
				Name:      "ends_total",
				Help:      "Total number of sessions ended",
			},
			[]string{"reason"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "usersync",
				Subsystem: "session",
				Name:      "active",
				Help:      "Sessions on this process that hold their user lock",
			},
		),
		cacheLookup: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "usersync",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Local cache lookups on begin",
			},
			[]string{"result"},
		),
	}

	registerer.MustRegister(
		m.begins,
		m.flushes,
		m.ends,
		m.active,
		m.cacheLookup,
	)

	return m
}

// Result labels.
const (
	resultOK       = "ok"
	resultHeld     = "held"
	resultConflict = "conflict"
	resultError    = "error"
	resultHit      = "hit"
	resultMiss     = "miss"
	resultStale    = "stale"

	reasonEnd      = "end"
	reasonIdle     = "idle"
	reasonConflict = "conflict"
	reasonClose    = "close"
)

func (m *Metrics) recordBegin(result string) {
	m.begins.WithLabelValues(result).Inc()
	if result == resultOK {
		m.active.Inc()
	}
}

func (m *Metrics) recordFlush(result string) {
	m.flushes.WithLabelValues(result).Inc()
}

// recordConflict drops a session from the active gauge when it gives up its
// lock. Its later end is counted without touching the gauge again.
func (m *Metrics) recordConflict() {
	m.active.Dec()
}

func (m *Metrics) recordEnd(reason string) {
	m.ends.WithLabelValues(reason).Inc()
	if reason != reasonConflict {
		m.active.Dec()
	}
}

func (m *Metrics) recordCache(result string) {
	m.cacheLookup.WithLabelValues(result).Inc()
}

package servitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

const metricsNamespace = "servitor"

// Metrics holds the bot's prometheus collectors, on a registry of its
// own so multiple bots can run in a single process (tests).
// A nil *Metrics is valid, and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	sessionsOpened    *prometheus.CounterVec
	sessionsResolved  *prometheus.CounterVec
	sessionsOpen      *prometheus.GaugeVec
	sessionsAbandoned *prometheus.CounterVec
	commands          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_opened_total",
				Help:      "Sessions opened, by kind",
			},
			[]string{"kind"},
		),
		sessionsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_resolved_total",
				Help:      "Sessions resolved, by kind and resolution",
			},
			[]string{"kind", "resolution"},
		),
		sessionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_open",
				Help:      "Sessions currently open, by kind",
			},
			[]string{"kind"},
		),
		sessionsAbandoned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_abandoned_total",
				Help:      "Sessions closed because their anchor message was deleted",
			},
			[]string{"kind"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Slash commands received, by command name",
			},
			[]string{"command"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsOpened,
		m.sessionsResolved,
		m.sessionsOpen,
		m.sessionsAbandoned,
		m.commands,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) sessionOpened(kind SessionKind) {
	if m == nil {
		return
	}
	m.sessionsOpened.WithLabelValues(string(kind)).Inc()
	m.sessionsOpen.WithLabelValues(string(kind)).Inc()
}

// sessionRestored counts a session re-armed at startup as open, without
// counting it as newly opened
func (m *Metrics) sessionRestored(kind SessionKind) {
	if m == nil {
		return
	}
	m.sessionsOpen.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) sessionClosed(kind SessionKind, resolution Resolution) {
	if m == nil {
		return
	}
	m.sessionsResolved.WithLabelValues(string(kind), string(resolution)).Inc()
	m.sessionsOpen.WithLabelValues(string(kind)).Dec()
}

func (m *Metrics) sessionAbandoned(kind SessionKind) {
	if m == nil {
		return
	}
	m.sessionsAbandoned.WithLabelValues(string(kind)).Inc()
	m.sessionsOpen.WithLabelValues(string(kind)).Dec()
}

func (m *Metrics) commandReceived(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}

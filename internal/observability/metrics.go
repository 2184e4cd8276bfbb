// Package observability exposes host metrics in the Prometheus format.
// Metrics are fed by the event bus, so components only publish events.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nupi-ai/hostd/internal/eventbus"
)

const namespace = "hostd"

// Metrics owns a private registry and the host collectors.
type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	status          *prometheus.GaugeVec
	rebuilds        *prometheus.CounterVec
	rebuildDuration prometheus.Histogram
	routes          prometheus.Gauge
	commands        *prometheus.CounterVec
	requests        *prometheus.CounterVec

	mu         sync.Mutex
	lastStatus string
}

// New registers the host collectors on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the internal bus by topic.",
		}, []string{"topic"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_status",
			Help:      "1 for the current server status, 0 otherwise.",
		}, []string{"status"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuilds_total",
			Help:      "Completed rebuilds by outcome.",
		}, []string{"outcome"}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebuild_duration_seconds",
			Help:      "Time spent building the serving handler.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mounted_routes",
			Help:      "Routes mounted by the last successful rebuild.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_total",
			Help:      "Control plane commands by command and outcome.",
		}, []string{"command", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by method and status code.",
		}, []string{"method", "code"}),
	}

	m.registry.MustRegister(
		m.events,
		m.status,
		m.rebuilds,
		m.rebuildDuration,
		m.routes,
		m.commands,
		m.requests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument counts requests served by next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.requests, next)
}

// OnPublish implements eventbus.Observer.
func (m *Metrics) OnPublish(env eventbus.Envelope) {
	if env.Topic == "" {
		return
	}
	m.events.WithLabelValues(string(env.Topic)).Inc()

	switch evt := env.Payload.(type) {
	case eventbus.StatusEvent:
		m.setStatus(evt.Status)
	case eventbus.RebuildEvent:
		outcome := "success"
		if evt.Error != nil {
			outcome = "failure"
		} else {
			m.routes.Set(float64(len(evt.Routes)))
		}
		m.rebuilds.WithLabelValues(outcome).Inc()
		m.rebuildDuration.Observe(evt.Duration.Seconds())
	case eventbus.ControlAuditEvent:
		m.commands.WithLabelValues(evt.Command, evt.Outcome).Inc()
	}
}

func (m *Metrics) setStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastStatus != "" && m.lastStatus != status {
		m.status.WithLabelValues(m.lastStatus).Set(0)
	}
	m.status.WithLabelValues(status).Set(1)
	m.lastStatus = status
}

// Package metrics holds the Prometheus collectors shared by the gateway and
// the persistence worker. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papyris"

type Metrics struct {
	reg *prometheus.Registry

	connectionsActive prometheus.Gauge
	clientEvents      *prometheus.CounterVec
	clientErrors      *prometheus.CounterVec

	fanoutPublished  *prometheus.CounterVec
	fanoutDelivered  prometheus.Counter
	fanoutDropped    prometheus.Counter
	listenerRestarts prometheus.Counter

	ingestAppends *prometheus.CounterVec

	workerEntries *prometheus.CounterVec

	presence *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "connections_active",
			Help: "Open websocket connections on this gateway.",
		}),
		clientEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "client_events_total",
			Help: "Client events received, by type.",
		}, []string{"type"}),
		clientErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "client_errors_total",
			Help: "Error events sent to clients, by code.",
		}, []string{"code"}),

		fanoutPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "published_total",
			Help: "Frames published to the broker, by result.",
		}, []string{"result"}),
		fanoutDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "delivered_total",
			Help: "Frames enqueued to local connections.",
		}),
		fanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "dropped_total",
			Help: "Frames dropped because a connection queue was full or closed.",
		}),
		listenerRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "listener_restarts_total",
			Help: "Broker subscription restarts.",
		}),

		ingestAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "appends_total",
			Help: "Ingest log appends, by result.",
		}, []string{"result"}),

		workerEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "entries_total",
			Help: "Ingest entries handled by the persistence worker, by outcome.",
		}, []string{"outcome"}),

		presence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "presence", Name: "transitions_total",
			Help: "Presence transitions observed by this process.",
		}, []string{"transition"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) ClientEvent(typ string) {
	if m == nil {
		return
	}
	m.clientEvents.WithLabelValues(typ).Inc()
}

func (m *Metrics) ClientError(code string) {
	if m == nil {
		return
	}
	m.clientErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) FanoutPublished(err error) {
	if m == nil {
		return
	}
	m.fanoutPublished.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) FanoutDelivered(delivered, dropped int) {
	if m == nil {
		return
	}
	m.fanoutDelivered.Add(float64(delivered))
	m.fanoutDropped.Add(float64(dropped))
}

func (m *Metrics) ListenerRestarted() {
	if m == nil {
		return
	}
	m.listenerRestarts.Inc()
}

func (m *Metrics) IngestAppended(err error) {
	if m == nil {
		return
	}
	m.ingestAppends.WithLabelValues(result(err)).Inc()
}

// Worker outcomes.
const (
	OutcomePersisted = "persisted"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeDead      = "dead_lettered"
)

func (m *Metrics) WorkerEntry(outcome string) {
	if m == nil {
		return
	}
	m.workerEntries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PresenceTransition(online bool) {
	if m == nil {
		return
	}
	if online {
		m.presence.WithLabelValues("online").Inc()
		return
	}
	m.presence.WithLabelValues("offline").Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

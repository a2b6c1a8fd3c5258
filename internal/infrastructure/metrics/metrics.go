// Package metrics exposes Prometheus instrumentation for the gateway.
//
// Every recorder method is safe to call on a nil *Metrics, so components
// can be built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stargaze"

// Publish result label values.
const (
	ResultOK           = "ok"
	ResultNotConnected = "not_connected"
	ResultError        = "error"

	// ResultDropped marks relay records refused before publishing.
	ResultDropped = "dropped"
)

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionState     prometheus.Gauge
	cycles           *prometheus.CounterVec
	publishes        *prometheus.CounterVec
	relayRecords     *prometheus.CounterVec
	inbound          *prometheus.CounterVec
	credentialExpiry prometheus.Gauge
	producerRestarts prometheus.Counter
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Coordinator state: 0=idle 1=connecting 2=attaching 3=subscribing 4=running 5=detaching 6=disconnecting.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cycles_total",
			Help:      "Completed session cycles by outcome.",
		}, []string{"outcome"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish hand-offs by kind and result.",
		}, []string{"kind", "result"}),
		relayRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_records_total",
			Help:      "Telemetry records read from the relay by result.",
		}, []string{"result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound broker messages by handler.",
		}, []string{"handler"}),
		credentialExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credential_expiry_timestamp_seconds",
			Help:      "Expiry of the credential used by the current connection.",
		}),
		producerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "producer_restarts_total",
			Help:      "Restarts of the supervised telemetry producer.",
		}),
	}

	m.registry.MustRegister(
		m.sessionState,
		m.cycles,
		m.publishes,
		m.relayRecords,
		m.inbound,
		m.credentialExpiry,
		m.producerRestarts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetSessionState records the coordinator state index.
func (m *Metrics) SetSessionState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

// CycleCompleted counts a finished session cycle.
func (m *Metrics) CycleCompleted(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

// Published counts a publish hand-off of the given kind.
func (m *Metrics) Published(kind, result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(kind, result).Inc()
}

// RelayRecord counts a record read from the relay.
func (m *Metrics) RelayRecord(result string) {
	if m == nil {
		return
	}
	m.relayRecords.WithLabelValues(result).Inc()
}

// InboundMessage counts a message dispatched to handler.
func (m *Metrics) InboundMessage(handler string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(handler).Inc()
}

// SetCredentialExpiry records the expiry of the active credential.
func (m *Metrics) SetCredentialExpiry(t time.Time) {
	if m == nil {
		return
	}
	m.credentialExpiry.Set(float64(t.Unix()))
}

// ProducerRestarted counts a producer restart.
func (m *Metrics) ProducerRestarted() {
	if m == nil {
		return
	}
	m.producerRestarts.Inc()
}

// ABOUTME: Prometheus collectors for relay traffic, liveness and registry size.
// ABOUTME: Relay handles are nil-safe so components can run without metrics.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay_hub"

// Collectors holds every metric the hub exports.
type Collectors struct {
	registry prometheus.Gatherer

	connections   *prometheus.GaugeVec
	registered    *prometheus.GaugeVec
	messages      *prometheus.CounterVec
	malformed     *prometheus.CounterVec
	framesSent    *prometheus.CounterVec
	routingMisses *prometheus.CounterVec
	terminations  *prometheus.CounterVec
}

// New creates the collectors on a private registry so that several hubs (and
// tests) never collide on the process-wide default registerer.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		registry: reg,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Transport channels currently attached to a relay.",
		}, []string{"relay"}),
		registered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_peers",
			Help:      "Registry entries per relay and role.",
		}, []string{"relay", "role"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Decoded inbound messages by kind.",
		}, []string{"relay", "kind"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_malformed_total",
			Help:      "Inbound frames that failed to decode.",
		}, []string{"relay"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames handed to the transport.",
		}, []string{"relay"}),
		routingMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_misses_total",
			Help:      "Sends skipped because the target was absent or closed.",
		}, []string{"relay"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Closed connections by reason.",
		}, []string{"relay", "reason"}),
	}

	reg.MustRegister(
		c.connections,
		c.registered,
		c.messages,
		c.malformed,
		c.framesSent,
		c.routingMisses,
		c.terminations,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the collectors in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Relay returns a handle that labels every observation with the relay name.
func (c *Collectors) Relay(name string) *Relay {
	return &Relay{c: c, name: name}
}

// Relay records metrics for one relay. A nil *Relay discards everything.
type Relay struct {
	c    *Collectors
	name string
}

func (r *Relay) ConnectionOpened() {
	if r == nil {
		return
	}
	r.c.connections.WithLabelValues(r.name).Inc()
}

func (r *Relay) ConnectionClosed(reason string) {
	if r == nil {
		return
	}
	r.c.connections.WithLabelValues(r.name).Dec()
	r.c.terminations.WithLabelValues(r.name, reason).Inc()
}

func (r *Relay) SetRegistered(role string, n int) {
	if r == nil {
		return
	}
	r.c.registered.WithLabelValues(r.name, role).Set(float64(n))
}

func (r *Relay) MessageReceived(kind string) {
	if r == nil {
		return
	}
	r.c.messages.WithLabelValues(r.name, kind).Inc()
}

func (r *Relay) Malformed() {
	if r == nil {
		return
	}
	r.c.malformed.WithLabelValues(r.name).Inc()
}

func (r *Relay) FrameSent() {
	if r == nil {
		return
	}
	r.c.framesSent.WithLabelValues(r.name).Inc()
}

func (r *Relay) RoutingMiss() {
	if r == nil {
		return
	}
	r.c.routingMisses.WithLabelValues(r.name).Inc()
}

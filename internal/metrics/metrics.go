// Package metrics exposes broker activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roombroker"

// Metrics holds the collectors and the registry they are registered on.
// It satisfies pubsub.Observer.
type Metrics struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	rooms       prometheus.Gauge
	frames      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
}

// New builds a Metrics backed by its own registry so tests can create as
// many as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently open WebSocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded, by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient broadcast attempts, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.connections,
		m.rooms,
		m.frames,
		m.dropped,
		m.deliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

// FrameReceived counts a parsed inbound frame.
func (m *Metrics) FrameReceived(kind string) {
	m.frames.WithLabelValues(kind).Inc()
}

// RoomsChanged implements pubsub.Observer.
func (m *Metrics) RoomsChanged(count int) {
	m.rooms.Set(float64(count))
}

// FrameDropped implements pubsub.Observer.
func (m *Metrics) FrameDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// Delivered implements pubsub.Observer.
func (m *Metrics) Delivered(delivered, failed int) {
	if delivered > 0 {
		m.deliveries.WithLabelValues("ok").Add(float64(delivered))
	}
	if failed > 0 {
		m.deliveries.WithLabelValues("failed").Add(float64(failed))
	}
}

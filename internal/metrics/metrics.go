// Package metrics exposes the node's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	OpenConnections  prometheus.Gauge
	HeavyConnections prometheus.Gauge
	QueueDepth       prometheus.Gauge
	MessagesSent     *prometheus.CounterVec
	PartsAdded       prometheus.Counter
	BytesAppended    prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paradone_open_connections",
			Help: "Open overlay connections, rendezvous excluded.",
		}),
		HeavyConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paradone_heavy_connections",
			Help: "Connections whose incoming weight is heavy.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paradone_outbound_queue_depth",
			Help: "Messages waiting in the outbound queue.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paradone_messages_sent_total",
			Help: "Messages sent, by type.",
		}, []string{"type"}),
		PartsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paradone_media_parts_added_total",
			Help: "Media parts appended to the playback pipeline.",
		}),
		BytesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paradone_media_bytes_appended_total",
			Help: "Bytes appended to the playback pipeline.",
		}),
	}

	registry.MustRegister(
		m.OpenConnections,
		m.HeavyConnections,
		m.QueueDepth,
		m.MessagesSent,
		m.PartsAdded,
		m.BytesAppended,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

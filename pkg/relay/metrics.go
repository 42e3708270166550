package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
	backups     prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "notebook_relay_connections",
			Help: "Open websocket connections across all rooms.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notebook_relay_messages_total",
			Help: "Messages received from peers by message type.",
		}, []string{"type"}),
		backups: f.NewCounter(prometheus.CounterOpts{
			Name: "notebook_relay_backups_total",
			Help: "Room documents written to the store.",
		}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

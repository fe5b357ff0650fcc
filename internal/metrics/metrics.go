// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the `reason` label on DroppedEnvelopes.
const (
	DropReasonMalformed     = "malformed_envelope"
	DropReasonUnresolved    = "unresolved_sender"
	DropReasonUndeliverable = "undeliverable_target"
	DropReasonQueueFull     = "send_queue_full"
	DropReasonRateLimited   = "rate_limited"
)

// Metrics bundles the relay's collectors on a private registry so tests can
// construct isolated instances without duplicate-registration panics.
type Metrics struct {
	reg *prometheus.Registry

	ConnectionsTotal prometheus.Counter
	OpenConnections  prometheus.Gauge
	ActiveRooms      prometheus.GaugeFunc

	InboundEnvelopes *prometheus.CounterVec
	DroppedEnvelopes *prometheus.CounterVec
	SendFailures     prometheus.Counter
	ReapedConns      prometheus.Counter
}

// New builds and registers the collectors. roomCount feeds the active-rooms
// gauge; it is read at scrape time and must be safe to call concurrently.
func New(roomCount func() float64) *Metrics {
	if roomCount == nil {
		roomCount = func() float64 { return 0 }
	}

	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Name:      "connections_total",
			Help:      "WebSocket connections accepted since start.",
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerhub",
			Name:      "open_connections",
			Help:      "Currently open WebSocket connections.",
		}),
		ActiveRooms: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "peerhub",
			Name:      "active_rooms",
			Help:      "Rooms with at least one member.",
		}, roomCount),
		InboundEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhub",
			Name:      "inbound_envelopes_total",
			Help:      "Inbound envelopes accepted by the router, by type.",
		}, []string{"type"}),
		DroppedEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhub",
			Name:      "dropped_envelopes_total",
			Help:      "Envelopes dropped without delivery, by reason.",
		}, []string{"reason"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Name:      "send_failures_total",
			Help:      "Transport-level write failures during delivery.",
		}),
		ReapedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Name:      "reaped_connections_total",
			Help:      "Connections removed by the liveness reaper.",
		}),
	}

	m.reg.MustRegister(
		m.ConnectionsTotal,
		m.OpenConnections,
		m.ActiveRooms,
		m.InboundEnvelopes,
		m.DroppedEnvelopes,
		m.SendFailures,
		m.ReapedConns,
	)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Package metrics exposes Prometheus instrumentation for the MQTT client
// session engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by a client session. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Reconnects      prometheus.Counter
	Resends         prometheus.Counter
	PendingAcks     prometheus.Gauge
}

// New creates the client collectors
func New() *Metrics {
	return &Metrics{
		PacketsSent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_packets_sent_total", Help: "The total number of MQTT packets written to the wire"}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_packets_received_total", Help: "The total number of MQTT packets read from the wire"}),
		BytesSent:       prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_bytes_sent_total", Help: "The total number of MQTT bytes written to the wire"}),
		BytesReceived:   prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_bytes_received_total", Help: "The total number of MQTT bytes read from the wire"}),
		Reconnects:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_reconnects_total", Help: "The total number of reconnection attempts"}),
		Resends:         prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_client_resends_total", Help: "The total number of retransmitted packets"}),
		PendingAcks:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_client_pending_acks", Help: "The number of packets awaiting acknowledgement"}),
	}
}

// Register registers all collectors with the registerer
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.PacketsSent,
		m.PacketsReceived,
		m.BytesSent,
		m.BytesReceived,
		m.Reconnects,
		m.Resends,
		m.PendingAcks,
	)
}

// The nil-safe increment helpers below let the client call through an
// optional *Metrics without guarding every site.

func (m *Metrics) AddSent(packets, bytes int) {
	if m == nil {
		return
	}
	m.PacketsSent.Add(float64(packets))
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) AddReceived(packets, bytes int) {
	if m == nil {
		return
	}
	m.PacketsReceived.Add(float64(packets))
	m.BytesReceived.Add(float64(bytes))
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) IncResends() {
	if m == nil {
		return
	}
	m.Resends.Inc()
}

func (m *Metrics) SetPendingAcks(n int) {
	if m == nil {
		return
	}
	m.PendingAcks.Set(float64(n))
}

// Package metrics exposes prometheus collectors for the sync engine and the relay. All
// recording methods are safe to call on a nil receiver so metrics stay optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Sync struct {
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	broadcasts        *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	connectionFailed  prometheus.Counter
}

func NewSync(reg prometheus.Registerer) *Sync {
	f := promauto.With(reg)
	return &Sync{
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport, by type.",
		}, []string{"type"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "messages_received_total",
			Help:      "Validated inbound messages, by type.",
		}, []string{"type"}),
		messagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped before being applied or sent, by reason.",
		}, []string{"reason"}),
		broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "scene_decisions_total",
			Help:      "Outcome of evaluating a local scene change.",
		}, []string{"decision"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		connectionFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "boardsync",
			Name:      "connection_failures_total",
			Help:      "Times the transport gave up reconnecting.",
		}),
	}
}

func (m *Sync) Sent(msgType string) {
	if m != nil {
		m.messagesSent.WithLabelValues(msgType).Inc()
	}
}

func (m *Sync) Received(msgType string) {
	if m != nil {
		m.messagesReceived.WithLabelValues(msgType).Inc()
	}
}

func (m *Sync) Dropped(reason string) {
	if m != nil {
		m.messagesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Sync) Decision(decision string) {
	if m != nil {
		m.broadcasts.WithLabelValues(decision).Inc()
	}
}

func (m *Sync) ReconnectScheduled() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Sync) ConnectionFailed() {
	if m != nil {
		m.connectionFailed.Inc()
	}
}

type Relay struct {
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	frames      *prometheus.CounterVec
	backups     *prometheus.CounterVec
}

func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardsync_relay",
			Name:      "connections",
			Help:      "Open room websockets.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardsync_relay",
			Name:      "rooms",
			Help:      "Rooms with at least one participant.",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync_relay",
			Name:      "frames_total",
			Help:      "Frames relayed, by type and outcome.",
		}, []string{"type", "outcome"}),
		backups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync_relay",
			Name:      "backups_total",
			Help:      "Room snapshot backups, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Relay) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Relay) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Relay) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Relay) Frame(msgType, outcome string) {
	if m != nil {
		m.frames.WithLabelValues(msgType, outcome).Inc()
	}
}

func (m *Relay) Backup(outcome string) {
	if m != nil {
		m.backups.WithLabelValues(outcome).Inc()
	}
}

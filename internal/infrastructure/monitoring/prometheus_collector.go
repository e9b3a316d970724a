package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records session and relay metrics. It implements peer.Observer.
type PrometheusCollector struct {
	// Sessions
	peersCreated   *prometheus.CounterVec
	peersActive    prometheus.Gauge
	peersConnected prometheus.Counter
	peersClosed    *prometheus.CounterVec
	signalsEmitted *prometheus.CounterVec
	dataBytes      *prometheus.CounterVec
	backpressure   prometheus.Counter

	// Histograms
	setupDuration prometheus.Histogram

	// Relay
	relayConnections prometheus.Gauge
	relayMessages    *prometheus.CounterVec
	relayRejected    *prometheus.CounterVec
}

// NewPrometheusCollector registers the metrics with reg, or the default
// registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_peers_created_total",
			Help: "Total number of peer sessions created",
		}, []string{"role"}),

		peersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_peers_active",
			Help: "Number of peer sessions not yet closed",
		}),

		peersConnected: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_peers_connected_total",
			Help: "Total number of peer sessions that reached connected",
		}),

		peersClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_peers_closed_total",
			Help: "Total number of peer sessions closed, by outcome",
		}, []string{"result"}),

		signalsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signals_emitted_total",
			Help: "Total number of signal payloads emitted, by kind",
		}, []string{"kind"}),

		dataBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_data_bytes_total",
			Help: "Total data channel payload bytes, by direction",
		}, []string{"direction"}),

		backpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_backpressure_total",
			Help: "Total number of writes held above the high water mark",
		}),

		setupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerlink_peer_setup_duration_seconds",
			Help:    "Time from session creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_relay_connections_active",
			Help: "Number of open relay websocket connections",
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_relay_messages_total",
			Help: "Total number of relayed messages, by type",
		}, []string{"type"}),

		relayRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_relay_rejected_total",
			Help: "Total number of relay connections or messages rejected, by reason",
		}, []string{"reason"}),
	}
}

func role(initiator bool) string {
	if initiator {
		return "initiator"
	}
	return "responder"
}

func (p *PrometheusCollector) PeerCreated(_ string, initiator bool) {
	p.peersCreated.WithLabelValues(role(initiator)).Inc()
	p.peersActive.Inc()
}

func (p *PrometheusCollector) PeerConnected(_ string, setup time.Duration) {
	p.peersConnected.Inc()
	p.setupDuration.Observe(setup.Seconds())
}

func (p *PrometheusCollector) PeerClosed(_ string, err error) {
	p.peersActive.Dec()
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.peersClosed.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) SignalEmitted(kind string) {
	p.signalsEmitted.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) BytesSent(n int) {
	p.dataBytes.WithLabelValues("sent").Add(float64(n))
}

func (p *PrometheusCollector) BytesReceived(n int) {
	p.dataBytes.WithLabelValues("received").Add(float64(n))
}

func (p *PrometheusCollector) Backpressure() {
	p.backpressure.Inc()
}

// RecordRelayConnected tracks an opened relay connection
func (p *PrometheusCollector) RecordRelayConnected() {
	p.relayConnections.Inc()
}

// RecordRelayDisconnected tracks a closed relay connection
func (p *PrometheusCollector) RecordRelayDisconnected() {
	p.relayConnections.Dec()
}

// RecordRelayMessage counts a relayed message by envelope type
func (p *PrometheusCollector) RecordRelayMessage(msgType string) {
	p.relayMessages.WithLabelValues(msgType).Inc()
}

// RecordRelayRejected counts a refused connection or dropped message
func (p *PrometheusCollector) RecordRelayRejected(reason string) {
	p.relayRejected.WithLabelValues(reason).Inc()
}

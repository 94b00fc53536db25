// Package metrics provides Prometheus metrics for meshudp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/postalsys/meshudp/internal/reassembly"
)

const (
	namespace = "meshudp"
)

// Datagram drop reasons recorded before a fragment reaches a window.
const (
	DatagramInboxFull   = "inbox_full"
	DatagramRateLimited = "rate_limited"
	DatagramDecodeError = "decode_error"
)

// Metrics contains all Prometheus metrics for the transport.
type Metrics struct {
	// Outbound
	FragmentsSent prometheus.Counter
	MessagesSent  prometheus.Counter

	// Inbound
	FragmentsReceived prometheus.Counter
	FragmentsDropped  *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	MessagesReceived  prometheus.Counter
	MessagesEvicted   prometheus.Counter
	BytesReassembled  prometheus.Counter
	MessageSize       prometheus.Histogram

	// Peers
	PeersActive prometheus.Gauge
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FragmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_sent_total",
			Help:      "Total number of fragments written to the socket",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of routing messages sent",
		}),

		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_received_total",
			Help:      "Total number of fragments decoded from received datagrams",
		}),
		FragmentsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_dropped_total",
			Help:      "Total fragments discarded during reassembly by reason",
		}, []string{"reason"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams discarded before reassembly by reason",
		}, []string{"reason"}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of routing messages reassembled and delivered",
		}),
		MessagesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_evicted_total",
			Help:      "Total partially received messages pushed out of a window",
		}),
		BytesReassembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_reassembled_total",
			Help:      "Total bytes of reassembled routing messages",
		}),
		MessageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Size of reassembled routing messages",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MiB
		}),

		PeersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_active",
			Help:      "Number of peers with reassembly state",
		}),
	}
}

// RecordMessageSent records a message written as the given number of fragments.
func (m *Metrics) RecordMessageSent(fragments int) {
	m.MessagesSent.Inc()
	m.FragmentsSent.Add(float64(fragments))
}

// RecordFragmentReceived records a decoded inbound fragment.
func (m *Metrics) RecordFragmentReceived() {
	m.FragmentsReceived.Inc()
}

// RecordDatagramDropped records a datagram discarded before reassembly.
func (m *Metrics) RecordDatagramDropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordPeerAdded records a new peer entering the registry.
func (m *Metrics) RecordPeerAdded() {
	m.PeersActive.Inc()
}

// RecordPeerRemoved records a peer leaving the registry.
func (m *Metrics) RecordPeerRemoved() {
	m.PeersActive.Dec()
}

// WindowObserver returns a reassembly.Observer that feeds these metrics.
func (m *Metrics) WindowObserver() reassembly.Observer {
	return windowObserver{m: m}
}

type windowObserver struct {
	m *Metrics
}

func (o windowObserver) FragmentDropped(reason reassembly.DropReason) {
	o.m.FragmentsDropped.WithLabelValues(string(reason)).Inc()
}

func (o windowObserver) MessageEvicted() {
	o.m.MessagesEvicted.Inc()
}

func (o windowObserver) MessageAssembled(size int) {
	o.m.MessagesReceived.Inc()
	o.m.BytesReassembled.Add(float64(size))
	o.m.MessageSize.Observe(float64(size))
}

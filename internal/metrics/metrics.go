// Package metrics exposes per-subsystem Prometheus counters/gauges, wired
// the way aistore's stats runner registers prometheus/client_golang
// collectors for its target/proxy runtime stats.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Registry = prometheus.NewRegistry()

	ChannelRetransmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wki",
		Subsystem: "channel",
		Name:      "retransmits_total",
		Help:      "Retransmitted segments per peer/channel.",
	}, []string{"peer", "channel"})

	ChannelFastRetransmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wki",
		Subsystem: "channel",
		Name:      "fast_retransmits_total",
		Help:      "Fast retransmits triggered by 3 duplicate ACKs.",
	}, []string{"peer", "channel"})

	ChannelDupAcks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wki",
		Subsystem: "channel",
		Name:      "dup_acks_total",
		Help:      "Duplicate/out-of-order ACKs observed.",
	}, []string{"peer", "channel"})

	PeersFenced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wki",
		Subsystem: "peer",
		Name:      "fenced_total",
		Help:      "Peers transitioned to Fenced.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wki",
		Subsystem: "peer",
		Name:      "connected",
		Help:      "Peers currently in Connected state.",
	})

	ZonesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wki",
		Subsystem: "zone",
		Name:      "active",
		Help:      "Zones currently Active.",
	})

	EventBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wki",
		Subsystem: "eventbus",
		Name:      "pending_acks",
		Help:      "Reliable-delivery publishes awaiting ACK.",
	})
)

func init() {
	Registry.MustRegister(ChannelRetransmits, ChannelFastRetransmits, ChannelDupAcks,
		PeersFenced, PeersConnected, ZonesActive, EventBacklog)
}

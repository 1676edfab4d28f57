// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesRoutedTotal counts classifier verdicts by destination stream.
	FramesRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_router_frames_total",
			Help: "Total frames routed, by destination stream",
		},
		[]string{"destination"},
	)

	// FramesDroppedTotal counts dropped frames by reason.
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_frames_dropped_total",
			Help: "Total frames dropped, by reason",
		},
		[]string{"reason"},
	)

	// InterruptsTotal counts rising edges of enabled interrupt sources.
	InterruptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_interrupts_total",
			Help: "Total interrupt events, by register bank and source",
		},
		[]string{"bank", "source"},
	)

	// ARPResolutionsTotal counts address lookups by outcome.
	ARPResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_arp_resolutions_total",
			Help: "Total ARP resolutions, by outcome",
		},
		[]string{"outcome"},
	)

	// ARPResolveSeconds measures end-to-end resolution latency.
	ARPResolveSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uoe_arp_resolve_seconds",
			Help:    "Latency of ARP resolutions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12), // 1µs to ~16s
		},
	)

	// ARPTableEntries tracks the dynamic table population.
	ARPTableEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uoe_arp_table_entries",
			Help: "Number of entries in the ARP table",
		},
	)

	// UDPDatagramsTotal counts transport datagrams by direction.
	UDPDatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_udp_datagrams_total",
			Help: "Total UDP datagrams processed, by direction",
		},
		[]string{"direction"},
	)

	// RawFramesTotal counts raw Ethernet frames by direction.
	RawFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_raw_frames_total",
			Help: "Total raw Ethernet frames processed, by direction",
		},
		[]string{"direction"},
	)

	// IPv4FragmentsTotal counts fragments emitted on TX and consumed on RX.
	IPv4FragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_ipv4_fragments_total",
			Help: "Total IPv4 fragments handled, by direction",
		},
		[]string{"direction"},
	)

	// ReassemblyActiveFragments tracks packets awaiting reassembly.
	ReassemblyActiveFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uoe_ipv4_reassembly_active_fragments",
			Help: "Number of partially reassembled IPv4 packets",
		},
	)

	// DHCPMessagesTotal counts client messages by type.
	DHCPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_dhcp_messages_total",
			Help: "Total DHCP messages sent and received, by type",
		},
		[]string{"type"},
	)

	// DHCPLeaseExpirySeconds is the remaining lease time.
	DHCPLeaseExpirySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uoe_dhcp_lease_expiry_seconds",
			Help: "Seconds until the current DHCP lease expires",
		},
	)

	// ICMPEchoRepliesTotal counts answered echo requests.
	ICMPEchoRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uoe_icmp_echo_replies_total",
			Help: "Total ICMP echo requests answered",
		},
	)

	// SelfTestBytesTotal counts generator and checker traffic.
	SelfTestBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_selftest_bytes_total",
			Help: "Total self-test bytes, by side",
		},
		[]string{"side"},
	)

	// LinkFramesTotal counts frames crossing the physical link.
	LinkFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_link_frames_total",
			Help: "Total frames on the link, by direction",
		},
		[]string{"link", "direction"},
	)

	// ExportedEventsTotal counts events shipped to the export sink.
	ExportedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uoe_exported_events_total",
			Help: "Total events exported, by topic",
		},
		[]string{"topic"},
	)
)

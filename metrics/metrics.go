// Package metrics exposes the Prometheus instrumentation shared across the
// router forwarding plane, the transport state machine and the BBR
// controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PacketsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctcpr_router_packets_forwarded_total", Help: "IPv4 packets successfully forwarded, by egress interface.",
	}, []string{"iface"})
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctcpr_router_packets_dropped_total", Help: "Frames dropped by the forwarding plane, by reason.",
	}, []string{"reason"})

	ARPCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctcpr_router_arp_cache_hits_total", Help: "ARP cache lookups that resolved without a new request.",
	})
	ARPCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctcpr_router_arp_cache_misses_total", Help: "ARP cache lookups that required queuing a new request.",
	})
	ARPRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctcpr_router_arp_requests_sent_total", Help: "ARP requests broadcast, including retransmissions.",
	})
	ARPPendingExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctcpr_router_arp_pending_expired_total", Help: "Pending ARP resolutions abandoned after exhausting retransmissions.",
	})

	ICMPGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctcpr_router_icmp_generated_total", Help: "ICMP messages generated by the router, by type.",
	}, []string{"type"})

	TransportRetransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctcpr_transport_retransmissions_total", Help: "Segments retransmitted after exceeding the retransmission timeout.",
	})
	TransportTeardowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctcpr_transport_teardowns_total", Help: "Connections torn down after exhausting retransmission attempts.",
	})
	TransportDuplicateACKs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctcpr_transport_duplicate_acks_total", Help: "Duplicate ACKs emitted in response to out-of-order segments.",
	})

	BBRPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctcpr_bbr_phase", Help: "Current BBR phase: 0=STARTUP 1=DRAIN 2=PROBE_BW 3=PROBE_RTT.",
	})
	BBRCwnd = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctcpr_bbr_cwnd_bytes", Help: "Current BBR congestion window, in bytes.",
	})
	BBRPacingRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctcpr_bbr_pacing_rate_bytes_per_second", Help: "Estimated bottleneck bandwidth times the current pacing gain.",
	})
)

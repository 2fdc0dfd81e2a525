// Package metrics exposes prometheus collectors for the engine's hot
// paths. The teacher samples its own dashboard counters with raw atomics
// and a 1s poll loop (scm/metrics.go); here the same counters are
// expressed as prometheus/client_golang collectors instead, since that is
// the library this corpus reaches for wherever a real metrics backend
// (rather than a bespoke dashboard) is wanted.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PlacementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecanvas_placements_total",
		Help: "Placements accepted, by outcome.",
	}, []string{"board", "outcome"})

	CooldownWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilecanvas_cooldown_wait_seconds",
		Help:    "Seconds a placement waited on cooldown before being accepted.",
		Buckets: prometheus.DefBuckets,
	}, []string{"board"})

	SectorCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecanvas_sector_cache_requests_total",
		Help: "SectorCache accesses, by hit/miss.",
	}, []string{"board", "result"})

	HubPacketsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecanvas_hub_packets_sent_total",
		Help: "Packets sent by the SubscriptionHub fan-out, by packet type.",
	}, []string{"board", "type"})

	ConnectedSockets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilecanvas_connected_sockets",
		Help: "Currently connected websocket sockets per board.",
	}, []string{"board"})
)

// Register adds every collector to reg. Call once at process startup.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		PlacementsTotal, CooldownWaitSeconds, SectorCacheHits, HubPacketsSent, ConnectedSockets,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

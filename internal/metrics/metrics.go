// Package metrics exposes the Prometheus counters and gauges the audit
// and hot paths publish into, per spec.md §8's observability surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every counter/gauge the proxy updates. A single
// instance is constructed at startup and threaded into the forwarder,
// audit consumer, and stream router.
type Metrics struct {
	DroppedAuditEvents   prometheus.Counter
	ForwardedRequests    *prometheus.CounterVec
	ForwardLatencySecs   prometheus.Histogram
	DegradedInteractions *prometheus.CounterVec
	VersionConflicts     prometheus.Counter
	DeadLettered         prometheus.Counter
	ReassemblyAbandoned  prometheus.Counter
	RingBufferPending    prometheus.GaugeFunc
}

// New registers every metric against reg and returns the handle used to
// update them. Passing a fresh prometheus.Registry (rather than the
// global default) keeps tests hermetic.
func New(reg prometheus.Registerer, pendingFn func() float64) *Metrics {
	m := &Metrics{
		DroppedAuditEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unionsquare",
			Subsystem: "ring_buffer",
			Name:      "dropped_events_total",
			Help:      "Audit events dropped because the ring buffer was full.",
		}),
		ForwardedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unionsquare",
			Subsystem: "hot_path",
			Name:      "forwarded_requests_total",
			Help:      "Requests forwarded to upstream, labeled by outcome.",
		}, []string{"outcome"}),
		ForwardLatencySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "unionsquare",
			Subsystem: "hot_path",
			Name:      "forward_added_latency_seconds",
			Help:      "Wall-clock time from admission to the end of a successfully forwarded response, upstream time included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us .. ~0.82s
		}),
		DegradedInteractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unionsquare",
			Subsystem: "audit",
			Name:      "degraded_interactions_total",
			Help:      "Interactions persisted with degraded=true, labeled by reason; audit events that failed to reach the Event Store count under reason route_error.",
		}, []string{"reason"}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unionsquare",
			Subsystem: "router",
			Name:      "version_conflicts_total",
			Help:      "Append attempts that hit a VersionConflict.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unionsquare",
			Subsystem: "router",
			Name:      "dead_lettered_total",
			Help:      "Events parked on the dead-letter stream after exhausting retries.",
		}),
		ReassemblyAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unionsquare",
			Subsystem: "reassembly",
			Name:      "abandoned_total",
			Help:      "Reassembly entries dropped by the TTL reaper.",
		}),
	}
	if pendingFn != nil {
		m.RingBufferPending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "unionsquare",
			Subsystem: "ring_buffer",
			Name:      "pending_events",
			Help:      "Committed-but-undrained events currently sitting in the ring buffer.",
		}, pendingFn)
	}

	reg.MustRegister(m.DroppedAuditEvents, m.ForwardedRequests, m.ForwardLatencySecs,
		m.DegradedInteractions, m.VersionConflicts, m.DeadLettered, m.ReassemblyAbandoned)
	if m.RingBufferPending != nil {
		reg.MustRegister(m.RingBufferPending)
	}
	return m
}

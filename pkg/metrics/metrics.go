// Package metrics exposes the Prometheus instrumentation surface for the
// cluster core, mirroring the naming convention and Timer helper of
// cuemby-warren/pkg/metrics but scoped to comms/membership/barrier/SG
// concerns instead of orchestration concerns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Quorum reports the currently computed quorum threshold.
	Quorum = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clustercore_quorum",
		Help: "Current quorum threshold (minimum total votes required).",
	})

	// Quorate is 1 when this node considers the cluster quorate, else 0.
	Quorate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clustercore_quorate",
		Help: "Whether the cluster is currently quorate from this node's view.",
	})

	// Generation reports the current membership generation.
	Generation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clustercore_generation",
		Help: "Current membership generation number.",
	})

	// ClusterMembers reports the count of MEMBER-state nodes.
	ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clustercore_cluster_members",
		Help: "Number of nodes currently in MEMBER state.",
	})

	// RetransmitsTotal counts ACK-timer-driven resends, by reason.
	RetransmitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clustercore_retransmits_total",
		Help: "Total number of retransmitted datagrams.",
	}, []string{"reason"})

	// DeadPeersTotal counts peers declared dead, either by the transport
	// after retransmits are exhausted or by membership after a missed
	// HELLO deadline.
	DeadPeersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clustercore_dead_peers_total",
		Help: "Total number of peers declared dead (retransmits exhausted or HELLO timeout).",
	})

	// DuplicatesDroppedTotal counts inbound datagrams dropped as
	// duplicates or reordering-stale traffic per peer last_seq_recv.
	DuplicatesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clustercore_duplicates_dropped_total",
		Help: "Total number of inbound datagrams dropped as duplicates of an already-seen sequence.",
	})

	// AckRoundTrip observes the time between sending an ACK-bearing
	// message and the ACK satisfying acks_expected.
	AckRoundTrip = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clustercore_ack_round_trip_seconds",
		Help:    "Round-trip time from send to ACK satisfaction.",
		Buckets: prometheus.DefBuckets,
	})

	// TransitionsTotal counts transitions this node has started as master,
	// by reason; a timed-out transition that restarts is counted again.
	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clustercore_transitions_total",
		Help: "Total number of membership transitions started by this node as master.",
	}, []string{"reason"})

	// TransitionDuration observes STARTTRANS-to-ENDTRANS latency.
	TransitionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clustercore_transition_duration_seconds",
		Help:    "Duration of a membership transition from start to end.",
		Buckets: prometheus.DefBuckets,
	})

	// BarrierWaitDuration observes time spent blocked in barrier.Wait.
	BarrierWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clustercore_barrier_wait_duration_seconds",
		Help:    "Duration callers spend blocked in a barrier wait.",
		Buckets: prometheus.DefBuckets,
	})

	// BarriersActive reports the count of non-COMPLETE barrier records.
	BarriersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clustercore_barriers_active",
		Help: "Number of barrier records not yet in the COMPLETE state.",
	})

	// SGStateTotal counts sevent state transitions, by state.
	SGStateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clustercore_sg_state_transitions_total",
		Help: "Total sevent state transitions, by state.",
	}, []string{"state"})

	// RecoveryDuration observes per-level recovery duration.
	RecoveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clustercore_recovery_duration_seconds",
		Help:    "Duration of a service-group recovery pass, by level.",
		Buckets: prometheus.DefBuckets,
	}, []string{"level"})
)

func init() {
	prometheus.MustRegister(
		Quorum,
		Quorate,
		Generation,
		ClusterMembers,
		RetransmitsTotal,
		DeadPeersTotal,
		DuplicatesDroppedTotal,
		AckRoundTrip,
		TransitionsTotal,
		TransitionDuration,
		BarrierWaitDuration,
		BarriersActive,
		SGStateTotal,
		RecoveryDuration,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an elapsed duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a histogram vector.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

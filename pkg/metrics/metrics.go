// Package metrics defines and registers every Prometheus metric the fleet
// exposes, and serves them over HTTP for scraping (spec.md's ambient
// observability surface — kept even though the distilled spec's Non-goals
// exclude a full metrics backend, matching how the teacher carries
// instrumentation regardless of which outer layer is in scope).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	MembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_members_total",
			Help: "Total number of gossip members by kind and status",
		},
		[]string{"kind", "status"},
	)

	MembershipEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_membership_events_total",
			Help: "Total number of membership transitions observed, by event",
		},
		[]string{"event"},
	)

	// Ring metrics
	RingMigrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_ring_migrations_total",
			Help: "Total number of task-to-node migrations produced by ring mutations",
		},
	)

	RingNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_ring_nodes_total",
			Help: "Current number of nodes tracked by the consistent-hash ring",
		},
	)

	RingKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_ring_keys_total",
			Help: "Current number of task keys tracked by the consistent-hash ring",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmesh_reconciliation_duration_seconds",
			Help:    "Time taken to process one membership or task-change event in the reconciler",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_reconciliation_cycles_total",
			Help: "Total number of reconciler events processed, by outcome",
		},
		[]string{"outcome"},
	)

	// Gossip transport metrics
	GossipRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_gossip_rounds_total",
			Help: "Total number of SWIM gossip rounds performed",
		},
	)

	TransportDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_transport_dials_total",
			Help: "Total number of outbound mTLS WebSocket dials, by outcome",
		},
		[]string{"outcome"},
	)

	TransportFrameBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_transport_frame_bytes",
			Help:    "Size in bytes of brotli-compressed frames sent over the gossip transport",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		},
		[]string{"direction"},
	)

	// Worker RPC metrics
	WorkerRPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_worker_rpc_calls_total",
			Help: "Total number of worker RPC calls, by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	WorkerRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_worker_rpc_duration_seconds",
			Help:    "Worker RPC call duration in seconds, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Coordinator metrics
	CoordinatorBalanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmesh_coordinator_balance_duration_seconds",
			Help:    "Time taken for one coordinator balance cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CoordinatorWorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_coordinator_workers_total",
			Help: "Current number of workers tracked by the coordinator, by kind",
		},
		[]string{"kind"},
	)

	CoordinatorTasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_coordinator_tasks_total",
			Help: "Current number of tasks tracked by the coordinator, by kind and assignment state",
		},
		[]string{"kind", "assigned"},
	)

	CoordinatorEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_coordinator_evictions_total",
			Help: "Total number of workers evicted by the coordinator (failed ping or failed balance call)",
		},
	)

	// Task-change source metrics
	TaskChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_task_changes_total",
			Help: "Total number of task-change events observed, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		MembersTotal,
		MembershipEventsTotal,
		RingMigrationsTotal,
		RingNodesTotal,
		RingKeysTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		GossipRoundsTotal,
		TransportDialsTotal,
		TransportFrameBytes,
		WorkerRPCCallsTotal,
		WorkerRPCDuration,
		CoordinatorBalanceDuration,
		CoordinatorWorkersTotal,
		CoordinatorTasksTotal,
		CoordinatorEvictionsTotal,
		TaskChangesTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the metrics scrape
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with
// labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Data-plane metrics, one series per shard via the "shard" label.
	ShardFreePages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvshard_shard_free_pages",
			Help: "Free pages remaining in a shard's memory accountant",
		},
		[]string{"shard"},
	)

	ShardKeysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvshard_shard_keys_total",
			Help: "Number of enabled KV records resident in a shard",
		},
		[]string{"shard"},
	)

	ShardConnsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvshard_shard_conns_total",
			Help: "Number of connections currently owned by a shard",
		},
		[]string{"shard"},
	)

	GetOrSetTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvshard_get_or_set_total",
			Help: "Total GET_OR_SET requests by outcome (hit, miss)",
		},
		[]string{"shard", "outcome"},
	)

	DelTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvshard_del_total",
			Help: "Total DEL requests by shard",
		},
		[]string{"shard"},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvshard_lru_evictions_total",
			Help: "Total records evicted from the LRU under memory pressure",
		},
		[]string{"shard"},
	)

	LockTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvshard_lock_timeouts_total",
			Help: "Total key-lock placeholders force-freed by the timeout clock",
		},
		[]string{"shard"},
	)

	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvshard_command_latency_seconds",
			Help:    "Time from command byte read to reply fully written",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard", "command"},
	)

	// Raft control-plane metrics.
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvshard_raft_is_leader",
			Help: "Whether this process holds Raft leadership (1 = leader)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvshard_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvshard_raft_log_index",
			Help: "Index of the active Raft log (an in-flight unstable log is not counted)",
		},
	)

	RaftClusterMachines = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvshard_raft_cluster_machines",
			Help: "Machines in the current Raft configuration by half (old, new)",
		},
		[]string{"half"},
	)

	RaftAuthorityApprovals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvshard_raft_authority_approvals_total",
			Help: "Total authority-stream bytes acknowledged as approved by the leader",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ShardFreePages,
		ShardKeysTotal,
		ShardConnsTotal,
		GetOrSetTotal,
		DelTotal,
		EvictionsTotal,
		LockTimeoutsTotal,
		CommandLatency,
		RaftIsLeader,
		RaftTerm,
		RaftLogIndex,
		RaftClusterMachines,
		RaftAuthorityApprovals,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing command and replication latencies.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// ObserveDuration records the elapsed time to a plain histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

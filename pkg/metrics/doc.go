/*
Package metrics provides Prometheus metrics collection and exposition for
the kvshard cache: per-shard data-plane gauges/counters and cluster-wide
Raft control-plane gauges, exposed over HTTP for scraping.

# Metrics Catalog

Shard metrics (one series per shard via the "shard" label):

	kvshard_shard_free_pages{shard}        Gauge   pages left in the shard's memory budget
	kvshard_shard_keys_total{shard}        Gauge   enabled KV records resident in the shard
	kvshard_shard_conns_total{shard}       Gauge   connections currently owned by the shard
	kvshard_get_or_set_total{shard,outcome} Counter GET_OR_SET requests by hit/miss
	kvshard_del_total{shard}               Counter DEL requests
	kvshard_lru_evictions_total{shard}     Counter records evicted under memory pressure
	kvshard_lock_timeouts_total{shard}     Counter key-lock placeholders force-freed by the clock
	kvshard_command_latency_seconds{shard,command} Histogram command read-to-reply latency

Raft metrics (process-wide, no shard label):

	kvshard_raft_is_leader                 Gauge   1 if this process holds leadership
	kvshard_raft_term                      Gauge   current term
	kvshard_raft_log_index                 Gauge   index of the active log
	kvshard_raft_cluster_machines{half}    Gauge   machines per joint-consensus half (old, new)
	kvshard_raft_authority_approvals_total Counter authority-stream bytes approved by the leader

# Usage

	timer := metrics.NewTimer()
	// ... handle one command ...
	timer.ObserveDurationVec(metrics.CommandLatency, shardLabel, "get_or_set")

	http.Handle("/metrics", metrics.Handler())

A Collector polls shard and Raft state on a 15-second tick and sets the
corresponding gauges, the same ticker-driven pattern used for polling
cluster state elsewhere in this codebase.
*/
package metrics

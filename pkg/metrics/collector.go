package metrics

import (
	"fmt"
	"time"
)

// ShardStats is the subset of shard.Shard the collector polls.
type ShardStats interface {
	ID() int
	FreePages() uint64
	KeysTotal() uint64
	ConnsTotal() int
}

// RaftStats is the subset of a Raft node's state the collector polls.
type RaftStats interface {
	IsLeader() bool
	Term() uint64
	LogIndex() uint64
	ClusterMachines() (oldHalf, newHalf int)
}

// Collector periodically walks shard and Raft state into the package's
// Prometheus gauges.
type Collector struct {
	shards []ShardStats
	raft   RaftStats
	stopCh chan struct{}
}

// NewCollector creates a Collector over the given shards and (optionally
// nil, before a cluster is initialized) Raft node.
func NewCollector(shards []ShardStats, raft RaftStats) *Collector {
	return &Collector{shards: shards, raft: raft, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectShardMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectShardMetrics() {
	for _, sh := range c.shards {
		label := fmt.Sprintf("%d", sh.ID())
		ShardFreePages.WithLabelValues(label).Set(float64(sh.FreePages()))
		ShardKeysTotal.WithLabelValues(label).Set(float64(sh.KeysTotal()))
		ShardConnsTotal.WithLabelValues(label).Set(float64(sh.ConnsTotal()))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}
	if c.raft.IsLeader() {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
	RaftTerm.Set(float64(c.raft.Term()))
	RaftLogIndex.Set(float64(c.raft.LogIndex()))

	oldHalf, newHalf := c.raft.ClusterMachines()
	RaftClusterMachines.WithLabelValues("old").Set(float64(oldHalf))
	RaftClusterMachines.WithLabelValues("new").Set(float64(newHalf))
}

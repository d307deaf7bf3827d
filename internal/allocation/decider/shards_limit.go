package decider

import (
	"github.com/dreamware/placement/internal/routing"
)

// ShardsLimit caps the copies a node may hold, per index and in total.
// Relocation sources are not counted. Limits of zero or below are off.
type ShardsLimit struct {
	Base
	clusterTotal int
}

func NewShardsLimit(clusterTotal int) *ShardsLimit {
	return &ShardsLimit{clusterTotal: clusterTotal}
}

func (d *ShardsLimit) Name() string { return "shards_limit" }

func (d *ShardsLimit) CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.check(sr, node, a, func(count, limit int) bool { return count >= limit })
}

func (d *ShardsLimit) CanRemain(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.check(sr, node, a, func(count, limit int) bool { return count > limit })
}

func (d *ShardsLimit) check(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation, over func(count, limit int) bool) Decision {
	indexLimit := 0
	if im, ok := a.Metadata.Index(sr.Index); ok {
		indexLimit = im.Routing.TotalShardsPerNode
	}
	if indexLimit > 0 {
		if n := node.NumIndexShards(sr.Index); over(n, indexLimit) {
			return NewDecision(No, d.Name(), "too many shards [%d] of index [%s] on node, index setting [total_shards_per_node=%d]", n, sr.Index, indexLimit)
		}
	}
	if d.clusterTotal > 0 {
		if n := node.NumShards(); over(n, d.clusterTotal) {
			return NewDecision(No, d.Name(), "too many shards [%d] on node, cluster setting [total_shards_per_node=%d]", n, d.clusterTotal)
		}
	}
	return NewDecision(Yes, d.Name(), "shard count on node is under the limits")
}

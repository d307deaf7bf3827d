package decider

import (
	"github.com/dreamware/placement/internal/routing"
)

// Throttling caps the recoveries a node runs at once. Primaries recovering
// from the node's own disk are limited by initialPrimaries, every other
// recovery into the node by concurrentRecoveries.
type Throttling struct {
	Base
	initialPrimaries     int
	concurrentRecoveries int
}

func NewThrottling(initialPrimaries, concurrentRecoveries int) *Throttling {
	return &Throttling{initialPrimaries: initialPrimaries, concurrentRecoveries: concurrentRecoveries}
}

func (d *Throttling) Name() string { return "throttling" }

func (d *Throttling) CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, _ *routing.Allocation) Decision {
	if sr.Primary && sr.State == routing.StateUnassigned {
		n := node.InitialPrimaryRecoveries()
		if n >= d.initialPrimaries {
			return NewDecision(Throttle, d.Name(), "too many primaries currently recovering [%d], limit [%d]", n, d.initialPrimaries)
		}
		return NewDecision(Yes, d.Name(), "below primary recovery limit of [%d]", d.initialPrimaries)
	}
	n := node.IncomingRecoveries()
	if n >= d.concurrentRecoveries {
		return NewDecision(Throttle, d.Name(), "too many shards currently recovering [%d], limit [%d]", n, d.concurrentRecoveries)
	}
	return NewDecision(Yes, d.Name(), "below shard recovery limit of [%d]", d.concurrentRecoveries)
}

// ConcurrentRebalance caps the relocations running across the cluster. A
// negative limit disables the cap.
type ConcurrentRebalance struct {
	Base
	limit int
}

func NewConcurrentRebalance(limit int) *ConcurrentRebalance {
	return &ConcurrentRebalance{limit: limit}
}

func (d *ConcurrentRebalance) Name() string { return "concurrent_rebalance" }

func (d *ConcurrentRebalance) CanRebalance(_ routing.ShardRouting, a *routing.Allocation) Decision {
	if d.limit < 0 {
		return NewDecision(Yes, d.Name(), "unlimited concurrent rebalances are allowed")
	}
	n := a.Routing.RelocatingCount()
	if n >= d.limit {
		return NewDecision(Throttle, d.Name(), "too many shards are concurrently rebalancing [%d], limit [%d]", n, d.limit)
	}
	return NewDecision(Yes, d.Name(), "below threshold [%d] for concurrent rebalances, current count [%d]", d.limit, n)
}

package decider

import (
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
)

// RebalanceOnlyWhenActive stops a shard from being rebalanced while any of
// its copies is unassigned, recovering or relocating.
type RebalanceOnlyWhenActive struct{ Base }

func NewRebalanceOnlyWhenActive() *RebalanceOnlyWhenActive { return &RebalanceOnlyWhenActive{} }

func (d *RebalanceOnlyWhenActive) Name() string { return "rebalance_only_when_active" }

func (d *RebalanceOnlyWhenActive) CanRebalance(sr routing.ShardRouting, a *routing.Allocation) Decision {
	for _, c := range a.Routing.Copies(sr.ShardID) {
		if c.State != routing.StateStarted {
			return NewDecision(No, d.Name(), "rebalancing can not occur if not all copies of %s are active", sr.ShardID)
		}
	}
	return NewDecision(Yes, d.Name(), "all copies of %s are active", sr.ShardID)
}

// ClusterRebalance gates rebalancing on the state of the whole cluster. The
// target of a relocation counts as an initializing copy.
type ClusterRebalance struct {
	Base
	mode string
}

func NewClusterRebalance(mode string) *ClusterRebalance {
	return &ClusterRebalance{mode: mode}
}

func (d *ClusterRebalance) Name() string { return "cluster_rebalance" }

func (d *ClusterRebalance) CanRebalance(_ routing.ShardRouting, a *routing.Allocation) Decision {
	switch d.mode {
	case settings.RebalanceIndicesPrimariesActive:
		for _, id := range a.Routing.ShardIDs() {
			if p, ok := a.Routing.Primary(id); ok && p.State != routing.StateStarted {
				return NewDecision(No, d.Name(), "cluster has inactive primary shards, rebalance requires [%s]", d.mode)
			}
		}
		return NewDecision(Yes, d.Name(), "all primary shards are active")
	case settings.RebalanceIndicesAllActive:
		for _, id := range a.Routing.ShardIDs() {
			for _, c := range a.Routing.Copies(id) {
				if c.State != routing.StateStarted {
					return NewDecision(No, d.Name(), "cluster has unassigned or initializing shards, rebalance requires [%s]", d.mode)
				}
			}
		}
		return NewDecision(Yes, d.Name(), "all shards are active")
	}
	return NewDecision(Yes, d.Name(), "rebalancing is always allowed")
}

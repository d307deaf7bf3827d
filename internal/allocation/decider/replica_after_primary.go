package decider

import (
	"github.com/dreamware/placement/internal/routing"
)

// ReplicaAfterPrimaryActive only lets a replica be allocated once its
// primary is active.
type ReplicaAfterPrimaryActive struct{ Base }

func NewReplicaAfterPrimaryActive() *ReplicaAfterPrimaryActive { return &ReplicaAfterPrimaryActive{} }

func (d *ReplicaAfterPrimaryActive) Name() string { return "replica_after_primary_active" }

func (d *ReplicaAfterPrimaryActive) CanAllocate(sr routing.ShardRouting, _ *routing.RoutingNode, a *routing.Allocation) Decision {
	if sr.Primary {
		return NewDecision(Yes, d.Name(), "shard is primary and can be allocated")
	}
	if _, ok := a.Routing.ActivePrimary(sr.ShardID); !ok {
		return NewDecision(No, d.Name(), "primary shard for this replica is not yet active")
	}
	return NewDecision(Yes, d.Name(), "primary shard for this replica is already active")
}

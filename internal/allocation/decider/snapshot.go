package decider

import (
	"github.com/dreamware/placement/internal/routing"
)

// SnapshotInProgress keeps a primary in place while a snapshot is reading
// it. Moving it, whether to rebalance or to satisfy another decider, is
// refused until the snapshot is done.
type SnapshotInProgress struct{ Base }

func NewSnapshotInProgress() *SnapshotInProgress { return &SnapshotInProgress{} }

func (d *SnapshotInProgress) Name() string { return "snapshot_in_progress" }

func (d *SnapshotInProgress) CanAllocate(sr routing.ShardRouting, _ *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.canMove(sr, a)
}

func (d *SnapshotInProgress) CanRebalance(sr routing.ShardRouting, a *routing.Allocation) Decision {
	return d.canMove(sr, a)
}

func (d *SnapshotInProgress) canMove(sr routing.ShardRouting, a *routing.Allocation) Decision {
	if !sr.Primary || !sr.Assigned() {
		return NewDecision(Yes, d.Name(), "the shard is not a primary being moved")
	}
	if a.Snapshots.InProgress(sr.Index, sr.Shard, sr.NodeID) {
		return NewDecision(No, d.Name(), "primary %s on node [%s] is being snapshotted and cannot be moved", sr.ShardID, sr.NodeID)
	}
	return NewDecision(Yes, d.Name(), "the shard is not being snapshotted")
}

package decider

import (
	"github.com/dreamware/placement/internal/routing"
)

// SameShard keeps two copies of a shard off the same node and, optionally,
// off nodes sharing a host.
type SameShard struct {
	Base
	sameHost bool
}

// NewSameShard returns the same-shard decider.
func NewSameShard(sameHost bool) *SameShard {
	return &SameShard{sameHost: sameHost}
}

func (d *SameShard) Name() string { return "same_shard" }

func (d *SameShard) CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	if existing, ok := node.Copy(sr.ShardID); ok {
		return NewDecision(No, d.Name(), "the shard cannot be allocated on the same node [%s] it already exists on (%s)", node.ID, existing)
	}
	if d.sameHost && node.Node.Host != "" {
		for _, other := range a.Routing.LiveNodes() {
			if other.ID == node.ID || other.Node.Host != node.Node.Host {
				continue
			}
			if _, ok := other.Copy(sr.ShardID); ok {
				return NewDecision(No, d.Name(), "a copy of %s already exists on host [%s] via node [%s]", sr.ShardID, node.Node.Host, other.ID)
			}
		}
	}
	return NewDecision(Yes, d.Name(), "no copy of %s on node [%s]", sr.ShardID, node.ID)
}

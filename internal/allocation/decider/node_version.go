package decider

import (
	"github.com/dreamware/placement/internal/routing"
)

// NodeVersion keeps copies from moving to nodes older than their source: a
// replica needs a node at least as new as its primary's, a relocation a
// target at least as new as its source. Nodes without a parseable version
// are not restricted.
type NodeVersion struct{ Base }

func NewNodeVersion() *NodeVersion { return &NodeVersion{} }

func (d *NodeVersion) Name() string { return "node_version" }

func (d *NodeVersion) CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	var source string
	switch {
	case sr.Primary && !sr.Assigned():
		return NewDecision(Yes, d.Name(), "primary is recovered from its own store")
	case sr.Assigned():
		source = sr.NodeID
	default:
		p, ok := a.Routing.ActivePrimary(sr.ShardID)
		if !ok {
			return NewDecision(Yes, d.Name(), "no active primary shard yet")
		}
		source = p.NodeID
	}
	return d.compatible(source, node, a)
}

func (d *NodeVersion) compatible(sourceID string, target *routing.RoutingNode, a *routing.Allocation) Decision {
	src, ok := a.Routing.Node(sourceID)
	if !ok {
		return NewDecision(Yes, d.Name(), "source node [%s] is unknown", sourceID)
	}
	sv, tv := src.Node.SemVer(), target.Node.SemVer()
	if sv == nil || tv == nil {
		return NewDecision(Yes, d.Name(), "node versions are not known")
	}
	if tv.LessThan(sv) {
		return NewDecision(No, d.Name(), "target node version [%s] is older than source node version [%s]", tv, sv)
	}
	return NewDecision(Yes, d.Name(), "target node version [%s] is the same or newer than source node version [%s]", tv, sv)
}

package decider

import (
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
)

// Awareness spreads the copies of a shard across the values of awareness
// attributes such as zone or rack. With N copies and V known values no
// value may hold more than ceil(N/V) copies. Forced values count as known
// even when no live node carries them, which keeps copies from piling into
// the surviving zones when a zone is lost.
type Awareness struct {
	Base
	attributes []string
	force      map[string][]string
}

func NewAwareness(s settings.Awareness) *Awareness {
	return &Awareness{attributes: s.Attributes, force: s.Force}
}

func (d *Awareness) Name() string { return "awareness" }

func (d *Awareness) CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.underCapacity(sr, node, a, true)
}

func (d *Awareness) CanRemain(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.underCapacity(sr, node, a, false)
}

func (d *Awareness) underCapacity(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation, moveToNode bool) Decision {
	if len(d.attributes) == 0 {
		return NewDecision(Yes, d.Name(), "allocation awareness is not enabled")
	}
	im, ok := a.Metadata.Index(sr.Index)
	if !ok {
		return NewDecision(Yes, d.Name(), "index [%s] has no metadata", sr.Index)
	}
	copies := im.Copies()

	for _, attr := range d.attributes {
		value, ok := node.Node.Attribute(attr)
		if !ok {
			return NewDecision(No, d.Name(), "node does not contain the awareness attribute [%s]", attr)
		}

		known := map[string]bool{value: true}
		for _, n := range a.Routing.LiveNodes() {
			if v, ok := n.Node.Attribute(attr); ok {
				known[v] = true
			}
		}
		for _, v := range d.force[attr] {
			known[v] = true
		}

		perValue := make(map[string]int)
		for _, c := range a.Routing.Copies(sr.ShardID) {
			// Count where each copy will end up.
			where := ""
			switch {
			case c.Relocating():
				where = c.RelocatingNodeID
			case c.Assigned():
				where = c.NodeID
			default:
				continue
			}
			if rn, ok := a.Routing.Node(where); ok {
				if v, ok := rn.Node.Attribute(attr); ok {
					perValue[v]++
				}
			}
		}
		if moveToNode {
			if sr.Assigned() {
				from := sr.NodeID
				if sr.Relocating() {
					from = sr.RelocatingNodeID
				}
				if from != node.ID {
					if rn, ok := a.Routing.Node(from); ok {
						if v, ok := rn.Node.Attribute(attr); ok {
							perValue[v]--
						}
					}
					perValue[value]++
				}
			} else {
				perValue[value]++
			}
		}

		limit := (copies + len(known) - 1) / len(known)
		if perValue[value] > limit {
			return NewDecision(No, d.Name(),
				"there are too many copies of %s allocated to nodes with attribute [%s=%s], there are [%d] total copies, this value would hold [%d], the limit is [%d]",
				sr.ShardID, attr, value, copies, perValue[value], limit)
		}
	}
	return NewDecision(Yes, d.Name(), "node meets all awareness attribute requirements")
}

package decider

import (
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
)

// Enable is the operator switch for allocation and rebalancing. The index
// level setting, when present, overrides the cluster one.
type Enable struct {
	Base
	allocation string
	rebalance  string
}

func NewEnable(allocation, rebalance string) *Enable {
	return &Enable{allocation: allocation, rebalance: rebalance}
}

func (d *Enable) Name() string { return "enable" }

func (d *Enable) CanAllocate(sr routing.ShardRouting, _ *routing.RoutingNode, a *routing.Allocation) Decision {
	mode, level := d.allocation, "cluster"
	if im, ok := a.Metadata.Index(sr.Index); ok && im.Routing.Enable != "" {
		mode, level = im.Routing.Enable, "index"
	}
	switch mode {
	case settings.EnableNone:
		return NewDecision(No, d.Name(), "no allocations are allowed due to %s setting [enable=%s]", level, mode)
	case settings.EnableNewPrimaries:
		if sr.NeverAllocated() {
			return NewDecision(Yes, d.Name(), "new primary allocations are allowed")
		}
		return NewDecision(No, d.Name(), "non-new primary allocations are forbidden due to %s setting [enable=%s]", level, mode)
	case settings.EnablePrimaries:
		if sr.Primary {
			return NewDecision(Yes, d.Name(), "primary allocations are allowed")
		}
		return NewDecision(No, d.Name(), "replica allocations are forbidden due to %s setting [enable=%s]", level, mode)
	}
	return NewDecision(Yes, d.Name(), "all allocations are allowed")
}

func (d *Enable) CanRebalance(sr routing.ShardRouting, a *routing.Allocation) Decision {
	mode, level := d.rebalance, "cluster"
	if im, ok := a.Metadata.Index(sr.Index); ok && im.Routing.RebalanceEnable != "" {
		mode, level = im.Routing.RebalanceEnable, "index"
	}
	switch mode {
	case settings.EnableNone:
		return NewDecision(No, d.Name(), "no rebalancing is allowed due to %s setting [rebalance_enable=%s]", level, mode)
	case settings.EnablePrimaries:
		if !sr.Primary {
			return NewDecision(No, d.Name(), "replica rebalancing is forbidden due to %s setting [rebalance_enable=%s]", level, mode)
		}
	case settings.EnableReplicas:
		if sr.Primary {
			return NewDecision(No, d.Name(), "primary rebalancing is forbidden due to %s setting [rebalance_enable=%s]", level, mode)
		}
	}
	return NewDecision(Yes, d.Name(), "rebalancing is allowed")
}

// Disable implements the legacy kill switches.
type Disable struct {
	Base
	s settings.Disable
}

func NewDisable(s settings.Disable) *Disable { return &Disable{s: s} }

func (d *Disable) Name() string { return "disable" }

func (d *Disable) CanAllocate(sr routing.ShardRouting, _ *routing.RoutingNode, _ *routing.Allocation) Decision {
	if sr.NeverAllocated() {
		if d.s.NewAllocation {
			return NewDecision(No, d.Name(), "new primary allocation is disabled")
		}
		return NewDecision(Yes, d.Name(), "new primary allocation is enabled")
	}
	if d.s.Allocation {
		return NewDecision(No, d.Name(), "allocation is disabled")
	}
	if d.s.ReplicaAllocation && !sr.Primary {
		return NewDecision(No, d.Name(), "replica allocation is disabled")
	}
	return NewDecision(Yes, d.Name(), "allocation is not disabled")
}

package decider

import (
	"github.com/dreamware/placement/internal/routing"
)

// Decider is one independent allocation rule. Implementations must be free
// of side effects and must not keep state between calls.
type Decider interface {
	Name() string
	// CanAllocate asks whether sr may be placed on node. sr is either an
	// unassigned copy or a started copy about to be moved.
	CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision
	// CanRemain asks whether an assigned copy may stay on its node.
	CanRemain(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision
	// CanRebalance asks whether sr may be moved for balance at all.
	CanRebalance(sr routing.ShardRouting, a *routing.Allocation) Decision
}

// Base answers YES to every question. Deciders embed it and override the
// questions they care about.
type Base struct{}

func (Base) CanAllocate(routing.ShardRouting, *routing.RoutingNode, *routing.Allocation) Decision {
	return Always
}

func (Base) CanRemain(routing.ShardRouting, *routing.RoutingNode, *routing.Allocation) Decision {
	return Always
}

func (Base) CanRebalance(routing.ShardRouting, *routing.Allocation) Decision {
	return Always
}

// Op names one of the three decider questions.
type Op string

const (
	OpAllocate  Op = "allocate"
	OpRemain    Op = "remain"
	OpRebalance Op = "rebalance"
)

// Deciders is the composite of a set of deciders. The most restrictive
// verdict wins: any NO gives NO, otherwise any THROTTLE gives THROTTLE,
// otherwise YES. Order only affects which NO is reported, never the
// verdict.
type Deciders struct {
	deciders []Decider

	// Observe, when set, is called with every composite verdict.
	Observe func(op Op, t Type)
}

// NewDeciders returns the composite of ds, evaluated in the given order.
func NewDeciders(ds ...Decider) *Deciders {
	return &Deciders{deciders: ds}
}

// Names returns the decider names in evaluation order.
func (d *Deciders) Names() []string {
	names := make([]string, len(d.deciders))
	for i, dd := range d.deciders {
		names[i] = dd.Name()
	}
	return names
}

func (d *Deciders) Name() string { return "composite" }

func (d *Deciders) CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.combine(OpAllocate, a.Debug, func(dd Decider) Decision { return dd.CanAllocate(sr, node, a) })
}

func (d *Deciders) CanRemain(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.combine(OpRemain, a.Debug, func(dd Decider) Decision { return dd.CanRemain(sr, node, a) })
}

func (d *Deciders) CanRebalance(sr routing.ShardRouting, a *routing.Allocation) Decision {
	return d.combine(OpRebalance, a.Debug, func(dd Decider) Decision { return dd.CanRebalance(sr, a) })
}

func (d *Deciders) combine(op Op, debug bool, ask func(Decider) Decision) Decision {
	result := d.aggregate(debug, ask)
	if d.Observe != nil {
		d.Observe(op, result.Type)
	}
	return result
}

func (d *Deciders) aggregate(debug bool, ask func(Decider) Decision) Decision {
	if debug {
		multi := Decision{Type: Yes}
		for _, dd := range d.deciders {
			sub := ask(dd)
			if sub.Label == "" {
				sub.Label = dd.Name()
			}
			multi.Subs = append(multi.Subs, sub)
			if sub.Type < multi.Type {
				multi.Type = sub.Type
			}
		}
		return multi
	}

	result := Always
	for _, dd := range d.deciders {
		sub := ask(dd)
		switch sub.Type {
		case No:
			// Nothing can outrank a NO.
			return sub
		case Throttle:
			if result.Type == Yes {
				result = sub
			}
		}
	}
	return result
}

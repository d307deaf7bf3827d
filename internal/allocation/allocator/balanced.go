package allocator

import (
	"math"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/allocation/decider"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
)

// Balanced places copies so that every node carries a similar weight.
//
// The weight of node n with respect to index i is
//
//	w(n, i) = θs·(S(n) − avgS) + θi·(I(n, i) − avgI(i)) + θp·(P(n) − avgP)
//
// where S counts copies on n, I copies of i on n and P primaries on n. The
// factors are normalized to sum to one.
//
// Unassigned copies go to the decider-approved node with the lowest weight.
// A rebalance moves one copy from the heaviest to the lightest node for an
// index when the weight difference exceeds both the threshold and the
// weight a single copy adds. The second condition means every move lowers
// the sum of squared counts, so rebalancing cannot oscillate.
type Balanced struct {
	shard, index, primary float64
	threshold             float64
	deciders              *decider.Deciders
}

// NewBalanced returns a balanced allocator consulting deciders.
func NewBalanced(b settings.Balance, deciders *decider.Deciders) *Balanced {
	sum := b.Shard + b.Index + b.Primary
	return &Balanced{
		shard:     b.Shard / sum,
		index:     b.Index / sum,
		primary:   b.Primary / sum,
		threshold: b.Threshold,
		deciders:  deciders,
	}
}

func (b *Balanced) Name() string { return settings.BalancedAllocator }

// Allocate assigns unassigned copies, moves copies that may not remain and
// then rebalances.
func (b *Balanced) Allocate(a *routing.Allocation) error {
	if err := b.AllocateUnassigned(a); err != nil {
		return err
	}
	if err := b.MoveShards(a); err != nil {
		return err
	}
	return b.Rebalance(a)
}

type nodeCounts struct {
	rn        *routing.RoutingNode
	shards    int
	primaries int
	perIndex  map[string]int
}

// model is a snapshot of per-node counts over the live nodes. It is rebuilt
// after every change.
type model struct {
	nodes          []*nodeCounts
	totalShards    int
	totalPrimaries int
	indexTotals    map[string]int
}

func buildModel(a *routing.Allocation) *model {
	m := &model{indexTotals: make(map[string]int)}
	for _, rn := range a.Routing.LiveNodes() {
		nc := &nodeCounts{rn: rn, perIndex: make(map[string]int)}
		for _, c := range rn.Copies() {
			if c.Relocating() {
				continue
			}
			nc.shards++
			nc.perIndex[c.Index]++
			if c.Primary {
				nc.primaries++
			}
		}
		m.nodes = append(m.nodes, nc)
		m.totalShards += nc.shards
		m.totalPrimaries += nc.primaries
		for idx, n := range nc.perIndex {
			m.indexTotals[idx] += n
		}
	}
	return m
}

func (b *Balanced) weight(m *model, nc *nodeCounts, index string) float64 {
	n := float64(len(m.nodes))
	return b.shard*(float64(nc.shards)-float64(m.totalShards)/n) +
		b.index*(float64(nc.perIndex[index])-float64(m.indexTotals[index])/n) +
		b.primary*(float64(nc.primaries)-float64(m.totalPrimaries)/n)
}

// AllocateUnassigned tries every unassigned copy not claimed by the gateway
// allocator, most constrained first.
func (b *Balanced) AllocateUnassigned(a *routing.Allocation) error {
	if len(a.Routing.LiveNodes()) == 0 {
		for _, sr := range a.Routing.Unassigned() {
			a.Routing.Ignore(sr, routing.StatusDecidersNo)
		}
		return nil
	}
	// A replica that found no node tells the remaining replicas of the
	// same shard what they will get.
	failedReplicas := make(map[routing.ShardID]routing.AllocationStatus)

	q := routing.NewUnassignedQueue(a.Routing.Unassigned(), a.Metadata)
	for {
		sr, ok := q.Poll()
		if !ok {
			return nil
		}
		if !sr.Primary {
			if status, ok := failedReplicas[sr.ShardID]; ok {
				a.Routing.Ignore(sr, status)
				continue
			}
		}

		m := buildModel(a)
		var (
			best    *nodeCounts
			bestDec decider.Decision
			bestW   = math.Inf(1)
		)
		for _, nc := range m.nodes {
			if holds(nc, sr.ShardID) {
				continue
			}
			dec := b.deciders.CanAllocate(*sr, nc.rn, a)
			if dec.Type == decider.No {
				continue
			}
			w := b.weight(m, nc, sr.Index)
			// Nodes are visited in id order, so a tie keeps the lower id
			// unless the later node offers YES over THROTTLE.
			if best == nil || w < bestW || (w == bestW && dec.Type == decider.Yes && bestDec.Type != decider.Yes) {
				best, bestDec, bestW = nc, dec, w
			}
		}

		switch {
		case best == nil:
			glog.V(2).Infof("no node accepts %s", sr)
			a.Routing.Ignore(sr, routing.StatusDecidersNo)
			if !sr.Primary {
				failedReplicas[sr.ShardID] = routing.StatusDecidersNo
			}
		case bestDec.Type == decider.Throttle:
			glog.V(2).Infof("allocation of %s to [%s] throttled: %s", sr, best.rn.ID, bestDec)
			a.Routing.Ignore(sr, routing.StatusDecidersThrottled)
			if !sr.Primary {
				failedReplicas[sr.ShardID] = routing.StatusDecidersThrottled
			}
		default:
			glog.V(2).Infof("allocating %s to [%s]", sr, best.rn.ID)
			if err := a.Routing.Initialize(sr, best.rn.ID, a.ExpectedSize(*sr)); err != nil {
				return err
			}
		}
	}
}

// MoveShards relocates started copies that may not remain on their node to
// the lightest node that accepts them. Copies nobody accepts stay put.
func (b *Balanced) MoveShards(a *routing.Allocation) error {
	for _, sr := range a.Routing.Assigned() {
		if sr.State != routing.StateStarted {
			continue
		}
		current, ok := a.Routing.Node(sr.NodeID)
		if !ok || !current.Live {
			continue
		}
		if dec := b.deciders.CanRemain(*sr, current, a); dec.Type != decider.No {
			continue
		}
		m := buildModel(a)
		var (
			best  *nodeCounts
			bestW = math.Inf(1)
		)
		for _, nc := range m.nodes {
			if holds(nc, sr.ShardID) {
				continue
			}
			if dec := b.deciders.CanAllocate(*sr, nc.rn, a); dec.Type != decider.Yes {
				continue
			}
			if w := b.weight(m, nc, sr.Index); best == nil || w < bestW {
				best, bestW = nc, w
			}
		}
		if best == nil {
			glog.V(1).Infof("%s cannot remain on [%s] but no node can take it", sr, sr.NodeID)
			continue
		}
		glog.V(1).Infof("moving %s from [%s] to [%s]", sr, sr.NodeID, best.rn.ID)
		if err := a.Routing.Relocate(sr, best.rn.ID, a.ExpectedSize(*sr)); err != nil {
			return err
		}
	}
	return nil
}

// holds reports whether the node already has a copy of the shard. Two
// copies on one node are never produced, whatever the deciders say.
func holds(nc *nodeCounts, id routing.ShardID) bool {
	_, ok := nc.rn.Copy(id)
	return ok
}

type move struct {
	sr       *routing.ShardRouting
	from, to *nodeCounts
	gain     float64
}

// Rebalance applies the best improving move until none is left. Weights are
// recomputed after each move.
func (b *Balanced) Rebalance(a *routing.Allocation) error {
	for {
		m := buildModel(a)
		if len(m.nodes) < 2 {
			return nil
		}
		mv, ok := b.bestMove(a, m)
		if !ok {
			return nil
		}
		glog.V(1).Infof("rebalancing %s from [%s] to [%s], weight gain %.3f", mv.sr, mv.from.rn.ID, mv.to.rn.ID, mv.gain)
		if err := a.Routing.Relocate(mv.sr, mv.to.rn.ID, a.ExpectedSize(*mv.sr)); err != nil {
			return err
		}
	}
}

func (b *Balanced) bestMove(a *routing.Allocation, m *model) (move, bool) {
	byID := make(map[string]*nodeCounts, len(m.nodes))
	for _, nc := range m.nodes {
		byID[nc.rn.ID] = nc
	}

	var candidates []move
	for _, sr := range a.Routing.Assigned() {
		if sr.State != routing.StateStarted {
			continue
		}
		from, ok := byID[sr.NodeID]
		if !ok {
			continue
		}
		unit := b.shard + b.index
		p := 0.0
		if sr.Primary {
			p = 1
			unit += b.primary
		}
		for _, to := range m.nodes {
			if to == from || holds(to, sr.ShardID) {
				continue
			}
			gain := b.shard*float64(from.shards-to.shards) +
				b.index*float64(from.perIndex[sr.Index]-to.perIndex[sr.Index]) +
				b.primary*p*float64(from.primaries-to.primaries)
			if gain <= b.threshold || gain <= unit+1e-9 {
				continue
			}
			candidates = append(candidates, move{sr: sr, from: from, to: to, gain: gain})
		}
	}
	// Largest gain first, then shard, source and target order.
	slices.SortStableFunc(candidates, func(x, y move) int {
		switch {
		case x.gain > y.gain:
			return -1
		case x.gain < y.gain:
			return 1
		}
		return 0
	})

	rebalanceOK := make(map[*routing.ShardRouting]bool)
	for _, c := range candidates {
		allowed, seen := rebalanceOK[c.sr]
		if !seen {
			dec := b.deciders.CanRebalance(*c.sr, a)
			if dec.Type == decider.Throttle {
				// A throttled rebalance holds for every copy this pass.
				glog.V(2).Infof("rebalance throttled: %s", dec)
				return move{}, false
			}
			allowed = dec.Type == decider.Yes
			rebalanceOK[c.sr] = allowed
		}
		if !allowed {
			continue
		}
		if dec := b.deciders.CanAllocate(*c.sr, c.to.rn, a); dec.Type == decider.Yes {
			return c, true
		}
	}
	return move{}, false
}

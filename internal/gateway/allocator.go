package gateway

import (
	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/allocation/decider"
	"github.com/dreamware/placement/internal/routing"
)

// Allocator puts unassigned copies back on nodes that already hold their
// data. It runs before the balanced allocator and ignores balance.
type Allocator struct {
	deciders *decider.Deciders
}

// NewAllocator returns a gateway allocator consulting deciders.
func NewAllocator(deciders *decider.Deciders) *Allocator {
	return &Allocator{deciders: deciders}
}

func (g *Allocator) Name() string { return "gateway" }

// Allocate handles unassigned primaries, then unassigned replicas.
func (g *Allocator) Allocate(a *routing.Allocation) error {
	if err := g.AllocatePrimaries(a); err != nil {
		return err
	}
	return g.AllocateReplicas(a)
}

// candidate is a live node reporting a copy of the shard.
type candidate struct {
	copy routing.StoreCopy
	node *routing.RoutingNode
}

func (g *Allocator) candidates(a *routing.Allocation, id routing.ShardID, exclude string) []candidate {
	var out []candidate
	for _, c := range a.Stores.Copies(id) {
		if c.NodeID == exclude {
			continue
		}
		rn, ok := a.Routing.Node(c.NodeID)
		if !ok || !rn.Live {
			continue
		}
		if _, holds := rn.Copy(id); holds {
			continue
		}
		out = append(out, candidate{copy: c, node: rn})
	}
	return out
}

func expectedSize(a *routing.Allocation, sr *routing.ShardRouting, c routing.StoreCopy) int64 {
	if size := a.ExpectedSize(*sr); size > 0 {
		return size
	}
	return c.SizeBytes
}

// AllocatePrimaries assigns every unassigned primary that existed before,
// trying the nodes that report a copy freshest first and by node id among
// equally fresh copies. The first node the deciders accept wins. A
// throttled node stops the search so a staler copy is not picked while the
// fresher one is only busy. A primary with no copy anywhere is left
// unassigned as "no data found".
func (g *Allocator) AllocatePrimaries(a *routing.Allocation) error {
	q := routing.NewUnassignedQueue(a.Routing.Unassigned(), a.Metadata)
	for {
		sr, ok := q.Poll()
		if !ok {
			return nil
		}
		if !sr.Primary || sr.NeverAllocated() {
			continue
		}

		cands := g.candidates(a, sr.ShardID, "")
		if len(cands) == 0 {
			glog.V(1).Infof("%s: no node reports a copy", sr)
			a.Routing.Ignore(sr, routing.StatusNoValidShardCopy)
			continue
		}

		var (
			chosen    *candidate
			throttled bool
		)
	search:
		for i := range cands {
			c := &cands[i]
			dec := g.deciders.CanAllocate(*sr, c.node, a)
			switch dec.Type {
			case decider.Yes:
				chosen = c
				break search
			case decider.Throttle:
				throttled = true
				break search
			}
			glog.V(2).Infof("%s: copy on [%s] version %d rejected: %s", sr, c.node.ID, c.copy.Version, dec)
		}

		switch {
		case chosen != nil:
			glog.V(1).Infof("%s: recovering from existing copy on [%s] version %d", sr, chosen.node.ID, chosen.copy.Version)
			if err := a.Routing.Initialize(sr, chosen.node.ID, expectedSize(a, sr, chosen.copy)); err != nil {
				return err
			}
		case throttled:
			a.Routing.Ignore(sr, routing.StatusDecidersThrottled)
		default:
			a.Routing.Ignore(sr, routing.StatusDecidersNo)
		}
	}
}

// AllocateReplicas places unassigned replicas of active primaries on nodes
// that hold a copy, preferring a copy in sync with the primary and then
// the highest version. A replica with no usable copy is left to the
// balanced allocator. A replica whose preferred node throttles waits for
// it instead of recovering from scratch elsewhere.
func (g *Allocator) AllocateReplicas(a *routing.Allocation) error {
	for _, sr := range a.Routing.Unassigned() {
		if sr.Primary {
			continue
		}
		primary, ok := a.Routing.ActivePrimary(sr.ShardID)
		if !ok {
			continue
		}
		primaryCopy, _ := a.Stores.OnNode(sr.ShardID, primary.NodeID)
		inSync := func(c routing.StoreCopy) bool {
			return primaryCopy.SyncID != "" && c.SyncID == primaryCopy.SyncID
		}

		cands := g.candidates(a, sr.ShardID, primary.NodeID)
		slices.SortStableFunc(cands, func(x, y candidate) int {
			switch sx, sy := inSync(x.copy), inSync(y.copy); {
			case sx && !sy:
				return -1
			case sy && !sx:
				return 1
			}
			return 0
		})

	search:
		for _, c := range cands {
			dec := g.deciders.CanAllocate(*sr, c.node, a)
			switch dec.Type {
			case decider.Yes:
				glog.V(1).Infof("%s: reusing copy on [%s] version %d sync %v", sr, c.node.ID, c.copy.Version, inSync(c.copy))
				if err := a.Routing.Initialize(sr, c.node.ID, expectedSize(a, sr, c.copy)); err != nil {
					return err
				}
				break search
			case decider.Throttle:
				a.Routing.Ignore(sr, routing.StatusDecidersThrottled)
				break search
			}
		}
	}
	return nil
}

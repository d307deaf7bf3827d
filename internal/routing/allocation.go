package routing

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/cluster"
)

// StoreCopy is an on-disk copy of a shard reported by a node, with the
// recovery marker used to tell fresh copies from stale ones.
type StoreCopy struct {
	NodeID       string `json:"node_id"`
	Index        string `json:"index"`
	Shard        int    `json:"shard"`
	Primary      bool   `json:"primary"`
	Version      int64  `json:"version"`
	SyncID       string `json:"sync_id,omitempty"`
	AllocationID string `json:"allocation_id,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
}

// ShardStores is the snapshot of on-disk shard copies collected from nodes
// before a pass. A node that did not answer in time simply has no entries.
type ShardStores struct {
	byShard map[ShardID][]StoreCopy
}

// NewShardStores groups reported copies by shard.
func NewShardStores(copies ...StoreCopy) ShardStores {
	s := ShardStores{byShard: make(map[ShardID][]StoreCopy)}
	for _, c := range copies {
		id := ShardID{Index: c.Index, Shard: c.Shard}
		s.byShard[id] = append(s.byShard[id], c)
	}
	return s
}

// Copies returns the copies reported for a shard, freshest first and by
// node id among equally fresh copies.
func (s ShardStores) Copies(id ShardID) []StoreCopy {
	out := slices.Clone(s.byShard[id])
	slices.SortFunc(out, func(a, b StoreCopy) int {
		switch {
		case a.Version > b.Version:
			return -1
		case a.Version < b.Version:
			return 1
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	return out
}

// All returns every reported copy in shard order.
func (s ShardStores) All() []StoreCopy {
	ids := make([]ShardID, 0, len(s.byShard))
	for id := range s.byShard {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ShardID) int { return a.Compare(b) })
	var out []StoreCopy
	for _, id := range ids {
		out = append(out, s.Copies(id)...)
	}
	return out
}

// OnNode returns the copy of a shard reported by a node.
func (s ShardStores) OnNode(id ShardID, nodeID string) (StoreCopy, bool) {
	for _, c := range s.byShard[id] {
		if c.NodeID == nodeID {
			return c, true
		}
	}
	return StoreCopy{}, false
}

// Allocation is everything deciders and allocators may look at during one
// pass. Only Routing changes while the pass runs.
type Allocation struct {
	Routing   *RoutingNodes
	Metadata  cluster.Metadata
	Nodes     cluster.Nodes
	Info      cluster.Info
	Snapshots cluster.Snapshots
	Stores    ShardStores
	Now       time.Time

	// Debug makes the deciders evaluate every rule and keep all verdicts,
	// used to explain decisions.
	Debug bool
}

// ExpectedSize returns the known size of a copy, or zero.
func (a *Allocation) ExpectedSize(sr ShardRouting) int64 {
	if size, ok := a.Info.ShardSize(sr.SizeKey()); ok {
		return size
	}
	// A replica is as big as its primary.
	if !sr.Primary {
		p := sr
		p.Primary = true
		if size, ok := a.Info.ShardSize(p.SizeKey()); ok {
			return size
		}
	}
	return 0
}

package routing

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/cluster"
)

// RoutingNode is the per-pass view of the copies placed on one node.
type RoutingNode struct {
	ID   string
	Node cluster.Node
	// Live is false for nodes referenced by the table that are no longer
	// cluster members.
	Live bool

	copies map[ShardID]*ShardRouting
}

// Copy returns the copy of a shard on this node. A relocation into the node
// is returned as its initializing target.
func (rn *RoutingNode) Copy(id ShardID) (ShardRouting, bool) {
	sr, ok := rn.copies[id]
	if !ok {
		return ShardRouting{}, false
	}
	return rn.view(sr), true
}

func (rn *RoutingNode) view(sr *ShardRouting) ShardRouting {
	if sr.Relocating() && sr.RelocatingNodeID == rn.ID {
		return sr.Target()
	}
	return *sr
}

// Copies returns every copy on the node in shard id order.
func (rn *RoutingNode) Copies() []ShardRouting {
	out := make([]ShardRouting, 0, len(rn.copies))
	for _, sr := range rn.copies {
		out = append(out, rn.view(sr))
	}
	slices.SortFunc(out, func(a, b ShardRouting) int { return a.ShardID.Compare(b.ShardID) })
	return out
}

// NumShards counts the copies that will remain on the node once in-flight
// relocations complete. Relocation sources are not counted.
func (rn *RoutingNode) NumShards() int {
	return rn.count(func(c ShardRouting) bool { return !c.Relocating() })
}

// NumIndexShards is NumShards restricted to one index.
func (rn *RoutingNode) NumIndexShards(index string) int {
	return rn.count(func(c ShardRouting) bool { return c.Index == index && !c.Relocating() })
}

// NumPrimaries is NumShards restricted to primaries.
func (rn *RoutingNode) NumPrimaries() int {
	return rn.count(func(c ShardRouting) bool { return c.Primary && !c.Relocating() })
}

// IncomingRecoveries counts initializing copies on the node.
func (rn *RoutingNode) IncomingRecoveries() int {
	return rn.count(func(c ShardRouting) bool { return c.Initializing() })
}

// InitialPrimaryRecoveries counts primaries recovering from the node's own
// disk, that is initializing primaries that are not relocation targets.
func (rn *RoutingNode) InitialPrimaryRecoveries() int {
	return rn.count(func(c ShardRouting) bool {
		return c.Primary && c.Initializing() && !c.IsRelocationTarget()
	})
}

// RelocatingShards sums the expected sizes of copies leaving the node and
// of copies arriving on it.
func (rn *RoutingNode) RelocatingShards() (outgoing, incoming int64) {
	for _, sr := range rn.copies {
		if !sr.Relocating() {
			continue
		}
		if sr.NodeID == rn.ID {
			outgoing += sr.ExpectedSize
		} else {
			incoming += sr.ExpectedSize
		}
	}
	return outgoing, incoming
}

func (rn *RoutingNode) count(pred func(ShardRouting) bool) int {
	n := 0
	for _, sr := range rn.copies {
		if pred(rn.view(sr)) {
			n++
		}
	}
	return n
}

// RoutingNodes is the mutable working copy of the routing table used during
// one reroute pass. It is not safe for concurrent use.
type RoutingNodes struct {
	base   *Table
	shards map[ShardID][]*ShardRouting
	ids    []ShardID
	nodes  map[string]*RoutingNode
	dirty  map[ShardID]bool

	ignored map[*ShardRouting]bool

	// NewAllocationID generates allocation ids. Tests replace it to get
	// stable output.
	NewAllocationID func() string
}

// NewRoutingNodes builds the working copy of table for the given live nodes.
func NewRoutingNodes(table *Table, nodes cluster.Nodes) *RoutingNodes {
	rn := &RoutingNodes{
		base:            table,
		shards:          make(map[ShardID][]*ShardRouting, table.Len()),
		nodes:           make(map[string]*RoutingNode, nodes.Len()),
		dirty:           make(map[ShardID]bool),
		ignored:         make(map[*ShardRouting]bool),
		NewAllocationID: uuid.NewString,
	}
	for _, n := range nodes.All() {
		rn.nodes[n.ID] = &RoutingNode{ID: n.ID, Node: n, Live: true, copies: make(map[ShardID]*ShardRouting)}
	}
	table.ForEach(func(id ShardID, copies []ShardRouting) bool {
		ptrs := make([]*ShardRouting, len(copies))
		for i := range copies {
			c := copies[i]
			ptrs[i] = &c
			rn.attach(&c)
		}
		rn.shards[id] = ptrs
		rn.ids = append(rn.ids, id)
		return true
	})
	return rn
}

func (r *RoutingNodes) node(id string) *RoutingNode {
	n, ok := r.nodes[id]
	if !ok {
		n = &RoutingNode{ID: id, Node: cluster.Node{ID: id}, copies: make(map[ShardID]*ShardRouting)}
		r.nodes[id] = n
	}
	return n
}

func (r *RoutingNodes) attach(sr *ShardRouting) {
	if sr.NodeID != "" {
		r.node(sr.NodeID).copies[sr.ShardID] = sr
	}
	if sr.Relocating() {
		r.node(sr.RelocatingNodeID).copies[sr.ShardID] = sr
	}
}

func (r *RoutingNodes) detach(sr *ShardRouting) {
	for _, id := range []string{sr.NodeID, sr.RelocatingNodeID} {
		if id == "" {
			continue
		}
		if n, ok := r.nodes[id]; ok && n.copies[sr.ShardID] == sr {
			delete(n.copies, sr.ShardID)
		}
	}
}

// update replaces *sr with next and keeps the node views in sync.
func (r *RoutingNodes) update(sr *ShardRouting, next ShardRouting) {
	r.detach(sr)
	*sr = next
	r.attach(sr)
	r.dirty[sr.ShardID] = true
}

// Changed reports whether any copy was modified in this pass.
func (r *RoutingNodes) Changed() bool { return len(r.dirty) > 0 }

// Node returns the view of one node.
func (r *RoutingNodes) Node(id string) (*RoutingNode, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// LiveNodes returns the views of all live nodes ordered by id.
func (r *RoutingNodes) LiveNodes() []*RoutingNode {
	out := make([]*RoutingNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Live {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b *RoutingNode) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// ShardIDs returns every shard id in order.
func (r *RoutingNodes) ShardIDs() []ShardID { return slices.Clone(r.ids) }

// Copies returns the copies of a shard. The returned pointers stay valid for
// the rest of the pass and must only be changed through RoutingNodes.
func (r *RoutingNodes) Copies(id ShardID) []*ShardRouting { return r.shards[id] }

// Primary returns the primary copy of a shard.
func (r *RoutingNodes) Primary(id ShardID) (*ShardRouting, bool) {
	for _, sr := range r.shards[id] {
		if sr.Primary {
			return sr, true
		}
	}
	return nil, false
}

// ActivePrimary returns the primary copy when it is active.
func (r *RoutingNodes) ActivePrimary(id ShardID) (*ShardRouting, bool) {
	p, ok := r.Primary(id)
	if !ok || !p.Active() {
		return nil, false
	}
	return p, true
}

// Unassigned returns the unassigned copies not yet ignored in this pass.
func (r *RoutingNodes) Unassigned() []*ShardRouting {
	var out []*ShardRouting
	for _, id := range r.ids {
		for _, sr := range r.shards[id] {
			if sr.State == StateUnassigned && !r.ignored[sr] {
				out = append(out, sr)
			}
		}
	}
	return out
}

// Assigned returns every assigned copy in shard id order.
func (r *RoutingNodes) Assigned() []*ShardRouting {
	var out []*ShardRouting
	for _, id := range r.ids {
		for _, sr := range r.shards[id] {
			if sr.Assigned() {
				out = append(out, sr)
			}
		}
	}
	return out
}

// InitializingCount counts initializing copies, relocation targets included.
func (r *RoutingNodes) InitializingCount() int {
	n := 0
	for _, sr := range r.Assigned() {
		if sr.Initializing() || sr.Relocating() {
			n++
		}
	}
	return n
}

// RelocatingCount counts copies being relocated.
func (r *RoutingNodes) RelocatingCount() int {
	n := 0
	for _, sr := range r.Assigned() {
		if sr.Relocating() {
			n++
		}
	}
	return n
}

// Ignore leaves an unassigned copy alone for the rest of the pass and
// records why it could not be assigned.
func (r *RoutingNodes) Ignore(sr *ShardRouting, status AllocationStatus) {
	r.ignored[sr] = true
	if sr.UnassignedInfo != nil && sr.UnassignedInfo.Status != status {
		r.update(sr, withInfo(*sr, sr.UnassignedInfo.withStatus(status)))
	}
}

// Ignored reports whether the copy was ignored in this pass.
func (r *RoutingNodes) Ignored(sr *ShardRouting) bool { return r.ignored[sr] }

func withInfo(sr ShardRouting, info *UnassignedInfo) ShardRouting {
	sr.UnassignedInfo = info
	return sr
}

// Initialize assigns an unassigned copy to a node.
func (r *RoutingNodes) Initialize(sr *ShardRouting, nodeID string, expectedSize int64) error {
	if sr.State != StateUnassigned {
		return errors.AssertionFailedf("initializing %s which is not unassigned", sr)
	}
	if existing, ok := r.node(nodeID).copies[sr.ShardID]; ok {
		return errors.AssertionFailedf("initializing %s on %s which already holds %s", sr, nodeID, existing)
	}
	r.update(sr, sr.initialize(nodeID, r.NewAllocationID(), expectedSize))
	return nil
}

// Relocate starts moving a started copy to another node.
func (r *RoutingNodes) Relocate(sr *ShardRouting, targetNodeID string, expectedSize int64) error {
	if sr.State != StateStarted {
		return errors.AssertionFailedf("relocating %s which is not started", sr)
	}
	if existing, ok := r.node(targetNodeID).copies[sr.ShardID]; ok {
		return errors.AssertionFailedf("relocating %s to %s which already holds %s", sr, targetNodeID, existing)
	}
	r.update(sr, sr.relocate(targetNodeID, r.NewAllocationID(), expectedSize))
	return nil
}

// StartShard marks the copy with the given allocation id as started. A
// started relocation target completes its relocation. It reports false
// when no copy matches.
func (r *RoutingNodes) StartShard(id ShardID, allocationID string) bool {
	for _, sr := range r.shards[id] {
		switch {
		case sr.Initializing() && sr.AllocationID == allocationID:
			r.update(sr, sr.moveToStarted())
			return true
		case sr.Relocating() && sr.TargetAllocationID == allocationID:
			r.update(sr, sr.completeRelocation())
			return true
		}
	}
	return false
}

// FailShard fails the copy with the given allocation id. Failing a
// relocation target cancels the relocation. Failing a primary promotes an
// active replica when there is one and fails the replicas recovering from
// it. It reports false when no copy matches.
func (r *RoutingNodes) FailShard(id ShardID, allocationID string, reason Reason, details string, now time.Time) bool {
	for _, sr := range r.shards[id] {
		if sr.Relocating() && sr.TargetAllocationID == allocationID {
			r.update(sr, sr.cancelRelocation())
			return true
		}
		if sr.Assigned() && sr.AllocationID == allocationID {
			r.fail(sr, reason, details, now)
			return true
		}
	}
	return false
}

func (r *RoutingNodes) fail(sr *ShardRouting, reason Reason, details string, now time.Time) {
	attempts := 0
	if sr.UnassignedInfo != nil {
		attempts = sr.UnassignedInfo.FailedAttempts
	}
	if reason == ReasonAllocationFailed {
		attempts++
	}
	info := &UnassignedInfo{Reason: reason, At: now, Details: details, FailedAttempts: attempts, Status: StatusNoAttempt}

	if !sr.Primary {
		r.update(sr, sr.moveToUnassigned(info))
		return
	}

	// Replicas recover from the primary, so the ones still initializing
	// cannot finish.
	for _, c := range r.shards[sr.ShardID] {
		if c != sr && !c.Primary && c.Initializing() {
			r.update(c, c.moveToUnassigned(&UnassignedInfo{
				Reason: ReasonAllocationFailed, At: now,
				Details: "primary failed while replica initializing", Status: StatusNoAttempt,
			}))
		}
	}
	failed := sr.moveToUnassigned(info)
	if candidate := r.promotionCandidate(sr); candidate != nil {
		promoted := *candidate
		promoted.Primary = true
		r.update(candidate, promoted)
		failed.Primary = false
	}
	r.update(sr, failed)
}

// promotionCandidate picks the active replica with the lowest node id.
func (r *RoutingNodes) promotionCandidate(primary *ShardRouting) *ShardRouting {
	var best *ShardRouting
	for _, c := range r.shards[primary.ShardID] {
		if c == primary || c.Primary || !c.Active() {
			continue
		}
		if best == nil || c.NodeID < best.NodeID {
			best = c
		}
	}
	return best
}

// NodeLeft fails every copy hosted on the node and cancels relocations into
// it. The node stops being live.
func (r *RoutingNodes) NodeLeft(nodeID string, now time.Time) {
	n, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	n.Live = false
	ids := make([]ShardID, 0, len(n.copies))
	for id := range n.copies {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ShardID) int { return a.Compare(b) })
	for _, id := range ids {
		sr := n.copies[id]
		if sr.Relocating() && sr.RelocatingNodeID == nodeID {
			r.update(sr, sr.cancelRelocation())
			continue
		}
		r.fail(sr, ReasonNodeLeft, "node_left["+nodeID+"]", now)
	}
}

// Validate checks the structural invariants of the working copy: at most one
// copy of a shard per node, exactly one primary per shard and no active
// replica next to an unassigned primary.
func (r *RoutingNodes) Validate() error {
	for _, id := range r.ids {
		seen := make(map[string]bool)
		primaries := 0
		var primary *ShardRouting
		for _, sr := range r.shards[id] {
			if sr.Primary {
				primaries++
				primary = sr
			}
			for _, nodeID := range []string{sr.NodeID, sr.RelocatingNodeID} {
				if nodeID == "" {
					continue
				}
				if seen[nodeID] {
					return errors.AssertionFailedf("shard %s has two copies on node %s", id, nodeID)
				}
				seen[nodeID] = true
			}
		}
		if primaries != 1 {
			return errors.AssertionFailedf("shard %s has %d primaries", id, primaries)
		}
		if primary.State == StateUnassigned {
			for _, sr := range r.shards[id] {
				if !sr.Primary && sr.Active() {
					return errors.AssertionFailedf("replica %s is active while its primary is unassigned", sr)
				}
			}
		}
	}
	return nil
}

// Build returns the next table version, or the base table when nothing
// changed during the pass.
func (r *RoutingNodes) Build() *Table {
	if !r.Changed() {
		return r.base
	}
	b := r.base.Builder()
	for id := range r.dirty {
		ptrs := r.shards[id]
		copies := make([]ShardRouting, len(ptrs))
		for i, sr := range ptrs {
			copies[i] = *sr
		}
		b.Set(id, copies)
	}
	return b.Build()
}

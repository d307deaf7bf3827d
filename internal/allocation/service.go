package allocation

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/dreamware/placement/internal/allocation/allocator"
	"github.com/dreamware/placement/internal/allocation/decider"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/gateway"
	"github.com/dreamware/placement/internal/routing"
)

// Input is everything fetched from the nodes before a pass. It is read,
// never refreshed, while the pass runs.
type Input struct {
	Info      cluster.Info
	Snapshots cluster.Snapshots
	Stores    routing.ShardStores
}

// Result is the outcome of one pass.
type Result struct {
	// Changed reports whether State differs from the input state. An
	// unchanged result carries the input state as is, same version.
	Changed    bool              `json:"changed"`
	State      State             `json:"-"`
	Health     Health            `json:"health"`
	Unassigned []UnassignedShard `json:"unassigned,omitempty"`
}

// StartedShard identifies a copy a node finished recovering.
type StartedShard struct {
	Shard        routing.ShardID `json:"shard"`
	AllocationID string          `json:"allocation_id"`
}

// FailedShard identifies a copy a node failed to recover or lost.
type FailedShard struct {
	Shard        routing.ShardID `json:"shard"`
	AllocationID string          `json:"allocation_id"`
	Details      string          `json:"details"`
}

// Service computes new cluster states. It holds no state between passes;
// callers must not run two passes on the same cluster concurrently.
type Service struct {
	deciders  *decider.Deciders
	gateway   *gateway.Allocator
	allocator allocator.ShardsAllocator
	metrics   *Metrics

	// Now and NewAllocationID are replaced in tests.
	Now             func() time.Time
	NewAllocationID func() string
}

// NewService wires a service. metrics may be nil.
func NewService(deciders *decider.Deciders, alloc allocator.ShardsAllocator, metrics *Metrics) *Service {
	s := &Service{
		deciders:        deciders,
		gateway:         gateway.NewAllocator(deciders),
		allocator:       alloc,
		metrics:         metrics,
		Now:             time.Now,
		NewAllocationID: uuid.NewString,
	}
	if metrics != nil {
		deciders.Observe = metrics.observeDecision
	}
	return s
}

// Deciders returns the composite the service consults.
func (s *Service) Deciders() *decider.Deciders { return s.deciders }

func (s *Service) allocation(st State, in Input) *routing.Allocation {
	rn := routing.NewRoutingNodes(st.Routing, st.Nodes)
	rn.NewAllocationID = s.NewAllocationID
	return &routing.Allocation{
		Routing:   rn,
		Metadata:  st.Metadata,
		Nodes:     st.Nodes,
		Info:      in.Info,
		Snapshots: in.Snapshots,
		Stores:    in.Stores,
		Now:       s.Now(),
	}
}

// pass runs apply, then the gateway and shards allocators, validates the
// outcome and builds the next state. A pass either returns a valid state
// or an error; it never publishes a partially checked table.
func (s *Service) pass(trigger string, st State, metaChanged bool, in Input, apply func(a *routing.Allocation)) (Result, error) {
	start := time.Now()
	a := s.allocation(st, in)

	// Copies on nodes that are no longer members are lost.
	for _, id := range departedNodes(a, st.Nodes) {
		glog.Infof("node [%s] is gone, failing its shard copies", id)
		a.Routing.NodeLeft(id, a.Now)
	}
	if apply != nil {
		apply(a)
	}

	if err := s.gateway.Allocate(a); err != nil {
		return Result{}, errors.Wrap(err, "gateway allocation")
	}
	if err := s.allocator.Allocate(a); err != nil {
		return Result{}, errors.Wrapf(err, "%s allocation", s.allocator.Name())
	}
	if err := a.Routing.Validate(); err != nil {
		glog.Errorf("%s pass produced an invalid table: %v", trigger, err)
		return Result{}, err
	}
	s.reportCannotRemain(a)

	next := st
	changed := metaChanged
	if table := a.Routing.Build(); table != st.Routing {
		next.Routing = table
		changed = true
	}
	if changed {
		next.Version = st.Version + 1
	}
	res := Result{Changed: changed, State: next, Health: HealthOf(next.Routing), Unassigned: UnassignedOf(next.Routing)}

	elapsed := time.Since(start)
	s.metrics.observePass(trigger, changed, elapsed.Seconds(), next)
	if changed {
		glog.Infof("%s: state version %d, health %s, %d unassigned, took %s",
			trigger, next.Version, res.Health, len(res.Unassigned), elapsed)
	} else {
		glog.V(1).Infof("%s: no change, took %s", trigger, elapsed)
	}
	return res, nil
}

func departedNodes(a *routing.Allocation, members cluster.Nodes) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sr := range a.Routing.Assigned() {
		for _, id := range []string{sr.NodeID, sr.RelocatingNodeID} {
			if id != "" && !members.Has(id) && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// reportCannotRemain logs assigned copies the deciders no longer accept on
// their node. They move once a node accepts them.
func (s *Service) reportCannotRemain(a *routing.Allocation) {
	if !glog.V(1) {
		return
	}
	for _, sr := range a.Routing.Assigned() {
		if sr.State != routing.StateStarted {
			continue
		}
		rn, ok := a.Routing.Node(sr.NodeID)
		if !ok {
			continue
		}
		if dec := s.deciders.CanRemain(*sr, rn, a); dec.Type == decider.No {
			glog.Infof("%s cannot remain on [%s]: %s", sr, sr.NodeID, dec)
		}
	}
}

// Reroute runs a pass without any other change. Running it again on its
// own output changes nothing.
func (s *Service) Reroute(st State, in Input) (Result, error) {
	return s.pass("reroute", st, false, in, nil)
}

// ApplyStartedShards marks recovered copies started and reroutes. Reports
// for copies that no longer exist are ignored.
func (s *Service) ApplyStartedShards(st State, started []StartedShard, in Input) (Result, error) {
	return s.pass("shards-started", st, false, in, func(a *routing.Allocation) {
		for _, ss := range started {
			if !a.Routing.StartShard(ss.Shard, ss.AllocationID) {
				glog.V(1).Infof("ignoring stale started report for %s [%s]", ss.Shard, ss.AllocationID)
			}
		}
	})
}

// ApplyFailedShards fails copies and reroutes. A failed primary is replaced
// by an active replica when there is one.
func (s *Service) ApplyFailedShards(st State, failed []FailedShard, in Input) (Result, error) {
	return s.pass("shards-failed", st, false, in, func(a *routing.Allocation) {
		for _, fs := range failed {
			if !a.Routing.FailShard(fs.Shard, fs.AllocationID, routing.ReasonAllocationFailed, fs.Details, a.Now) {
				glog.V(1).Infof("ignoring stale failure report for %s [%s]", fs.Shard, fs.AllocationID)
			}
		}
	})
}

// JoinNode adds or replaces a member and reroutes.
func (s *Service) JoinNode(st State, n cluster.Node, in Input) (Result, error) {
	next := st
	next.Nodes = st.Nodes.With(n)
	return s.pass("node-join", next, true, in, nil)
}

// DisassociateDeadNodes removes members and reroutes. Their copies become
// unassigned with reason NODE_LEFT and active replicas replace lost
// primaries before anything is allocated.
func (s *Service) DisassociateDeadNodes(st State, dead []string, in Input) (Result, error) {
	next := st
	removed := false
	for _, id := range dead {
		if next.Nodes.Has(id) {
			next.Nodes = next.Nodes.Without(id)
			removed = true
		}
	}
	return s.pass("node-left", next, removed, in, nil)
}

// CreateIndex adds an index and allocates its new shards.
func (s *Service) CreateIndex(st State, im cluster.IndexMetadata, in Input) (Result, error) {
	if err := im.Validate(); err != nil {
		return Result{}, err
	}
	if _, ok := st.Metadata.Index(im.Name); ok {
		return Result{}, errors.Newf("index [%s] already exists", im.Name)
	}
	if im.State == "" {
		im.State = cluster.IndexOpen
	}
	if im.CreationDate == 0 {
		im.CreationDate = s.Now().UnixMilli()
	}
	next := st
	next.Metadata = st.Metadata.WithIndex(im)
	if im.State == cluster.IndexOpen {
		next.Routing = st.Routing.Builder().
			AddIndex(im.Name, im.NumberOfShards, im.NumberOfReplicas, routing.NewUnassignedInfo(routing.ReasonIndexCreated, s.Now(), "")).
			Build()
	}
	return s.pass("create-index", next, true, in, nil)
}

// CloseIndex marks an index closed and removes its routing. The nodes keep
// the data on disk for a later open.
func (s *Service) CloseIndex(st State, name string, in Input) (Result, error) {
	im, ok := st.Metadata.Index(name)
	if !ok {
		return Result{}, errors.Newf("index [%s] does not exist", name)
	}
	if im.State == cluster.IndexClosed {
		return Result{State: st, Health: HealthOf(st.Routing), Unassigned: UnassignedOf(st.Routing)}, nil
	}
	im.State = cluster.IndexClosed
	next := st
	next.Metadata = st.Metadata.WithIndex(im)
	next.Routing = st.Routing.Builder().RemoveIndex(name).Build()
	return s.pass("close-index", next, true, in, nil)
}

// OpenIndex reopens a closed index. Its primaries are recovered from the
// copies the nodes still hold.
func (s *Service) OpenIndex(st State, name string, in Input) (Result, error) {
	im, ok := st.Metadata.Index(name)
	if !ok {
		return Result{}, errors.Newf("index [%s] does not exist", name)
	}
	if im.State == cluster.IndexOpen {
		return Result{State: st, Health: HealthOf(st.Routing), Unassigned: UnassignedOf(st.Routing)}, nil
	}
	im.State = cluster.IndexOpen
	next := st
	next.Metadata = st.Metadata.WithIndex(im)
	next.Routing = st.Routing.Builder().
		AddIndex(name, im.NumberOfShards, im.NumberOfReplicas, routing.NewUnassignedInfo(routing.ReasonIndexReopened, s.Now(), "")).
		Build()
	return s.pass("open-index", next, true, in, nil)
}

// DeleteIndex removes an index and its routing.
func (s *Service) DeleteIndex(st State, name string, in Input) (Result, error) {
	if _, ok := st.Metadata.Index(name); !ok {
		return Result{}, errors.Newf("index [%s] does not exist", name)
	}
	next := st
	next.Metadata = st.Metadata.WithoutIndex(name)
	next.Routing = st.Routing.Builder().RemoveIndex(name).Build()
	return s.pass("delete-index", next, true, in, nil)
}

// NodeExplanation is the verdict of the deciders for one node.
type NodeExplanation struct {
	NodeID   string           `json:"node"`
	Current  bool             `json:"current,omitempty"`
	Decision decider.Decision `json:"decision"`
}

// Explanation tells why a copy is where it is, or why it is unassigned.
type Explanation struct {
	Shard      routing.ShardRouting `json:"shard"`
	Rebalance  decider.Decision     `json:"rebalance"`
	Nodes      []NodeExplanation    `json:"nodes"`
	Unassigned *UnassignedShard     `json:"unassigned,omitempty"`
}

// Explain evaluates every decider for one copy against every live node.
// For the node currently holding the copy it asks whether it may remain.
func (s *Service) Explain(st State, in Input, id routing.ShardID, primary bool) (Explanation, error) {
	a := s.allocation(st, in)
	a.Debug = true
	var sr *routing.ShardRouting
	for _, c := range a.Routing.Copies(id) {
		if c.Primary == primary && (sr == nil || (sr.Assigned() && !c.Assigned())) {
			sr = c
		}
	}
	if sr == nil {
		return Explanation{}, errors.Newf("no %s copy of %s", role(primary), id)
	}
	ex := Explanation{Shard: *sr, Rebalance: s.deciders.CanRebalance(*sr, a)}
	for _, rn := range a.Routing.LiveNodes() {
		ne := NodeExplanation{NodeID: rn.ID}
		if rn.ID == sr.NodeID {
			ne.Current = true
			ne.Decision = s.deciders.CanRemain(*sr, rn, a)
		} else {
			ne.Decision = s.deciders.CanAllocate(*sr, rn, a)
		}
		ex.Nodes = append(ex.Nodes, ne)
	}
	if !sr.Assigned() {
		for _, u := range UnassignedOf(st.Routing) {
			if u.Shard == id && u.Primary == primary {
				u := u
				ex.Unassigned = &u
				break
			}
		}
	}
	return ex, nil
}

func role(primary bool) string {
	if primary {
		return "primary"
	}
	return "replica"
}

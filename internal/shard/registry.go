package shard

import (
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/storage"
)

// Registry holds the shard copies of one node and reconciles them with the
// published routing table.
type Registry struct {
	mu     sync.Mutex
	nodeID string
	store  storage.Store
	shards map[routing.ShardID]*Shard
}

// OpenRegistry loads the copies recorded in store. Every loaded copy is
// dormant until a published table assigns it here again.
func OpenRegistry(nodeID string, store storage.Store) (*Registry, error) {
	r := &Registry{nodeID: nodeID, store: store, shards: make(map[routing.ShardID]*Shard)}
	keys, err := store.List("shard/")
	if err != nil {
		return nil, errors.Wrap(err, "listing shard records")
	}
	for _, k := range keys {
		b, err := store.Get(k)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", k)
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", k)
		}
		rec.State = StateDormant
		r.shards[rec.ID()] = &Shard{rec: rec, store: store}
	}
	if len(r.shards) > 0 {
		glog.Infof("node %s found %d shard copies on disk", nodeID, len(r.shards))
	}
	return r, nil
}

// Get returns the copy of a shard held here.
func (r *Registry) Get(id routing.ShardID) (*Shard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[id]
	return s, ok
}

// Shards returns every copy in shard order.
func (r *Registry) Shards() []*Shard {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Shard, 0, len(r.shards))
	for _, s := range r.shards {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Shard) int { return a.rec.ID().Compare(b.rec.ID()) })
	return out
}

// StoreCopies reports every copy on disk with its recovery marker.
func (r *Registry) StoreCopies() ([]routing.StoreCopy, error) {
	var out []routing.StoreCopy
	for _, s := range r.Shards() {
		c, err := s.StoreCopy(r.nodeID)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Apply brings the local copies in line with table. Copies assigned here
// are opened, reusing data already on disk, and recovered. Copies no
// longer assigned here become dormant, or are deleted once their index is
// gone or every copy of the shard is started elsewhere. Apply returns the
// copies that finished recovering so the caller can report them started.
// Reporting the same copy twice is harmless.
func (r *Registry) Apply(meta cluster.Metadata, table *routing.Table) ([]routing.ShardRouting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var started []routing.ShardRouting
	assigned := make(map[routing.ShardID]bool)
	for _, sr := range table.NodeShards(r.nodeID) {
		assigned[sr.ShardID] = true
		s, ok := r.shards[sr.ShardID]
		if !ok {
			s = &Shard{rec: Record{Index: sr.Index, Shard: sr.Shard}, store: r.store}
			r.shards[sr.ShardID] = s
		}
		s.mu.Lock()
		s.rec.AllocationID = sr.AllocationID
		s.rec.Primary = sr.Primary
		if sr.Initializing() {
			// Recovery is local: the copy starts from what is on disk and
			// is in sync with the primary it recovered from. It is reported
			// on every apply until the table shows it started.
			started = append(started, sr)
			if p, ok := table.Primary(sr.ShardID); ok && p.Active() {
				s.rec.SyncID = p.AllocationID
			} else {
				s.rec.SyncID = sr.AllocationID
			}
		}
		s.rec.State = StateStarted
		err := s.persist()
		s.mu.Unlock()
		if err != nil {
			return started, err
		}
	}

	for id, s := range r.shards {
		if assigned[id] {
			continue
		}
		if _, ok := meta.Index(id.Index); !ok || r.activeElsewhere(table, id) {
			if err := r.remove(id); err != nil {
				return started, err
			}
			continue
		}
		s.mu.Lock()
		if s.rec.State != StateDormant {
			glog.V(1).Infof("node %s: copy of %s is now dormant", r.nodeID, id)
			s.rec.State = StateDormant
		}
		err := s.persist()
		s.mu.Unlock()
		if err != nil {
			return started, err
		}
	}
	return started, nil
}

func (r *Registry) activeElsewhere(table *routing.Table, id routing.ShardID) bool {
	copies, ok := table.Shard(id)
	if !ok || len(copies) == 0 {
		return false
	}
	for _, c := range copies {
		if c.State != routing.StateStarted {
			return false
		}
	}
	return true
}

func (r *Registry) remove(id routing.ShardID) error {
	keys, err := r.store.List(dataPrefix(id))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := r.store.Delete(k); err != nil {
			return err
		}
	}
	if err := r.store.Delete(recordKey(id)); err != nil {
		return err
	}
	delete(r.shards, id)
	glog.V(1).Infof("node %s: deleted copy of %s", r.nodeID, id)
	return nil
}

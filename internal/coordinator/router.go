package coordinator

import (
	"github.com/cockroachdb/errors"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/shard"
)

// ErrNoPrimary is returned when a key maps to a shard without an active
// primary.
var ErrNoPrimary = errors.New("no active primary")

// Router maps document keys to shards and shards to the node holding their
// primary, according to the current state.
//
// Routing is a pure function of the state: a key always hashes to the same
// shard of an index, and the shard's node only changes when the state does.
//
//	"user:123" -> FNV-1a % number_of_shards -> [users][5] -> primary node
type Router struct {
	state func() allocation.State
}

// NewRouter returns a router reading the state from fn on every call.
func NewRouter(fn func() allocation.State) *Router {
	return &Router{state: fn}
}

// Shard returns the shard of index that holds key.
func (r *Router) Shard(index, key string) (routing.ShardID, error) {
	return shardFor(r.state(), index, key)
}

func shardFor(st allocation.State, index, key string) (routing.ShardID, error) {
	im, ok := st.Metadata.Index(index)
	if !ok {
		return routing.ShardID{}, errors.Newf("index [%s] does not exist", index)
	}
	if im.State != cluster.IndexOpen {
		return routing.ShardID{}, errors.Newf("index [%s] is closed", index)
	}
	return routing.ShardID{Index: index, Shard: shard.KeyShard(key, im.NumberOfShards)}, nil
}

// Route returns the shard holding key and the node serving its primary.
// Reads and writes both go to the primary.
func (r *Router) Route(index, key string) (routing.ShardID, cluster.Node, error) {
	st := r.state()
	id, err := shardFor(st, index, key)
	if err != nil {
		return id, cluster.Node{}, err
	}
	p, ok := st.Routing.Primary(id)
	if !ok || !p.Active() {
		return id, cluster.Node{}, errors.Wrapf(ErrNoPrimary, "shard %s", id)
	}
	n, ok := st.Nodes.Get(p.NodeID)
	if !ok {
		return id, cluster.Node{}, errors.Wrapf(ErrNoPrimary, "shard %s: node [%s] is not a member", id, p.NodeID)
	}
	return id, n, nil
}

package coordinator

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
)

// Listener receives every state that changed. Listeners are called in
// publication order, outside the writer lock, so they may call back into
// the coordinator.
type Listener func(st allocation.State)

// Coordinator owns the current cluster state. Every change goes through a
// single writer: it collects fresh node info, runs one allocation pass and
// publishes the result. Readers never wait for a pass.
type Coordinator struct {
	write   sync.Mutex
	publish sync.Mutex

	mu        sync.RWMutex
	state     allocation.State
	last      allocation.Result
	listeners []Listener

	service   *allocation.Service
	collector Collector
}

// New returns a coordinator starting from initial.
func New(service *allocation.Service, collector Collector, initial allocation.State) *Coordinator {
	return &Coordinator{
		service:   service,
		collector: collector,
		state:     initial,
		last: allocation.Result{
			State:      initial,
			Health:     allocation.HealthOf(initial.Routing),
			Unassigned: allocation.UnassignedOf(initial.Routing),
		},
	}
}

// State returns the last published state.
func (c *Coordinator) State() allocation.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns the outcome of the last pass.
func (c *Coordinator) Status() allocation.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Subscribe registers a listener for future states.
func (c *Coordinator) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

type passFunc func(st allocation.State, in allocation.Input) (allocation.Result, error)

// update runs one pass under the writer lock. joining nodes are asked for
// their info too, before they are members.
func (c *Coordinator) update(ctx context.Context, op string, pass passFunc, joining ...cluster.Node) (allocation.Result, error) {
	c.write.Lock()
	st := c.State()
	nodes := st.Nodes
	for _, n := range joining {
		nodes = nodes.With(n)
	}
	in := c.collector.Collect(ctx, nodes)
	res, err := pass(st, in)
	if err != nil {
		c.write.Unlock()
		return allocation.Result{}, errors.Wrapf(err, "%s", op)
	}

	c.mu.Lock()
	c.state = res.State
	c.last = res
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	// Hand over to the publish lock before releasing the writer so states
	// reach listeners in version order.
	c.publish.Lock()
	c.write.Unlock()
	defer c.publish.Unlock()
	if res.Changed {
		glog.V(1).Infof("%s: publishing state version %d", op, res.State.Version)
		for _, l := range listeners {
			l(res.State)
		}
	}
	return res, nil
}

// Join adds or updates a member.
func (c *Coordinator) Join(ctx context.Context, n cluster.Node) (allocation.Result, error) {
	if n.ID == "" || n.Addr == "" {
		return allocation.Result{}, errors.New("node needs an id and an address")
	}
	return c.update(ctx, "join", func(st allocation.State, in allocation.Input) (allocation.Result, error) {
		return c.service.JoinNode(st, n, in)
	}, n)
}

// Leave removes members. Their copies are failed and reallocated.
func (c *Coordinator) Leave(ctx context.Context, ids ...string) (allocation.Result, error) {
	return c.update(ctx, "leave", func(st allocation.State, in allocation.Input) (allocation.Result, error) {
		return c.service.DisassociateDeadNodes(st, ids, in)
	})
}

// Reroute runs a pass with no other change.
func (c *Coordinator) Reroute(ctx context.Context) (allocation.Result, error) {
	return c.update(ctx, "reroute", c.service.Reroute)
}

// ShardsStarted records copies the nodes finished recovering.
func (c *Coordinator) ShardsStarted(ctx context.Context, started []allocation.StartedShard) (allocation.Result, error) {
	return c.update(ctx, "shards started", func(st allocation.State, in allocation.Input) (allocation.Result, error) {
		return c.service.ApplyStartedShards(st, started, in)
	})
}

// ShardsFailed records copies the nodes lost or could not recover.
func (c *Coordinator) ShardsFailed(ctx context.Context, failed []allocation.FailedShard) (allocation.Result, error) {
	return c.update(ctx, "shards failed", func(st allocation.State, in allocation.Input) (allocation.Result, error) {
		return c.service.ApplyFailedShards(st, failed, in)
	})
}

func (c *Coordinator) CreateIndex(ctx context.Context, im cluster.IndexMetadata) (allocation.Result, error) {
	return c.update(ctx, "create index", func(st allocation.State, in allocation.Input) (allocation.Result, error) {
		return c.service.CreateIndex(st, im, in)
	})
}

func (c *Coordinator) CloseIndex(ctx context.Context, name string) (allocation.Result, error) {
	return c.update(ctx, "close index", func(st allocation.State, in allocation.Input) (allocation.Result, error) {
		return c.service.CloseIndex(st, name, in)
	})
}

func (c *Coordinator) OpenIndex(ctx context.Context, name string) (allocation.Result, error) {
	return c.update(ctx, "open index", func(st allocation.State, in allocation.Input) (allocation.Result, error) {
		return c.service.OpenIndex(st, name, in)
	})
}

func (c *Coordinator) DeleteIndex(ctx context.Context, name string) (allocation.Result, error) {
	return c.update(ctx, "delete index", func(st allocation.State, in allocation.Input) (allocation.Result, error) {
		return c.service.DeleteIndex(st, name, in)
	})
}

// Explain evaluates the deciders for one copy against fresh node info. It
// does not change the state.
func (c *Coordinator) Explain(ctx context.Context, id routing.ShardID, primary bool) (allocation.Explanation, error) {
	st := c.State()
	return c.service.Explain(st, c.collector.Collect(ctx, st.Nodes), id, primary)
}

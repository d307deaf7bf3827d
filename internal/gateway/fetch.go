package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
)

// StoreLister answers "which shard copies does this node have on disk".
type StoreLister interface {
	ListStores(ctx context.Context, node cluster.Node) ([]routing.StoreCopy, error)
}

// StoreListerFunc adapts a function to StoreLister.
type StoreListerFunc func(ctx context.Context, node cluster.Node) ([]routing.StoreCopy, error)

func (f StoreListerFunc) ListStores(ctx context.Context, node cluster.Node) ([]routing.StoreCopy, error) {
	return f(ctx, node)
}

// HTTPStoreLister asks a node agent for its copies over HTTP.
type HTTPStoreLister struct{}

func (HTTPStoreLister) ListStores(ctx context.Context, node cluster.Node) ([]routing.StoreCopy, error) {
	var out []routing.StoreCopy
	err := cluster.GetJSON(ctx, node.Addr+"/stores", &out)
	return out, err
}

// FetchStores queries every node in parallel. A node that fails or does
// not answer within timeout reports no copies; the pass goes on without it.
func FetchStores(ctx context.Context, nodes cluster.Nodes, lister StoreLister, timeout time.Duration) routing.ShardStores {
	var (
		mu  sync.Mutex
		all []routing.StoreCopy
		g   errgroup.Group
	)
	g.SetLimit(16)
	for _, n := range nodes.All() {
		n := n
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			copies, err := lister.ListStores(cctx, n)
			if err != nil {
				glog.Warningf("listing stores on %s: %v", n.ID, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, c := range copies {
				// The node that answered owns the copy.
				c.NodeID = n.ID
				all = append(all, c)
			}
			return nil
		})
	}
	_ = g.Wait()
	return routing.NewShardStores(all...)
}

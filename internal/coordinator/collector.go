package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/gateway"
	"github.com/dreamware/placement/internal/routing"
)

// Collector gathers what a reroute pass needs to know about the nodes.
type Collector interface {
	Collect(ctx context.Context, nodes cluster.Nodes) allocation.Input
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, nodes cluster.Nodes) allocation.Input

func (f CollectorFunc) Collect(ctx context.Context, nodes cluster.Nodes) allocation.Input {
	return f(ctx, nodes)
}

// DiskReporter answers "how full is this node's data disk".
type DiskReporter interface {
	DiskUsage(ctx context.Context, node cluster.Node) (cluster.DiskUsage, error)
}

// DiskReporterFunc adapts a function to DiskReporter.
type DiskReporterFunc func(ctx context.Context, node cluster.Node) (cluster.DiskUsage, error)

func (f DiskReporterFunc) DiskUsage(ctx context.Context, node cluster.Node) (cluster.DiskUsage, error) {
	return f(ctx, node)
}

// HTTPDiskReporter asks a node agent for its disk usage over HTTP.
type HTTPDiskReporter struct{}

func (HTTPDiskReporter) DiskUsage(ctx context.Context, node cluster.Node) (cluster.DiskUsage, error) {
	var out cluster.DiskUsage
	err := cluster.GetJSON(ctx, node.Addr+"/disk", &out)
	return out, err
}

// NodeCollector asks every node for its disk usage and its on-disk shard
// copies. Each request is bounded by Timeout; a node that does not answer in
// time is treated as having reported nothing.
type NodeCollector struct {
	Disks   DiskReporter
	Stores  gateway.StoreLister
	Timeout time.Duration
}

// NewNodeCollector returns a collector talking HTTP to the node agents.
func NewNodeCollector(timeout time.Duration) *NodeCollector {
	return &NodeCollector{Disks: HTTPDiskReporter{}, Stores: gateway.HTTPStoreLister{}, Timeout: timeout}
}

func (c *NodeCollector) Collect(ctx context.Context, nodes cluster.Nodes) allocation.Input {
	var (
		usages []cluster.DiskUsage
		stores routing.ShardStores
		wg     sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		usages = c.diskUsages(ctx, nodes)
	}()
	go func() {
		defer wg.Done()
		stores = gateway.FetchStores(ctx, nodes, c.Stores, c.Timeout)
	}()
	wg.Wait()

	return allocation.Input{Info: cluster.NewInfo(usages, shardSizes(stores)), Stores: stores}
}

func (c *NodeCollector) diskUsages(ctx context.Context, nodes cluster.Nodes) []cluster.DiskUsage {
	var (
		mu  sync.Mutex
		out []cluster.DiskUsage
		g   errgroup.Group
	)
	g.SetLimit(16)
	for _, n := range nodes.All() {
		n := n
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.Timeout)
			defer cancel()
			u, err := c.Disks.DiskUsage(cctx, n)
			if err != nil {
				glog.Warningf("disk usage of %s: %v", n.ID, err)
				return nil
			}
			u.NodeID = n.ID
			mu.Lock()
			out = append(out, u)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// shardSizes keeps the largest reported size per shard and role.
func shardSizes(stores routing.ShardStores) map[string]int64 {
	sizes := make(map[string]int64)
	for _, c := range stores.All() {
		if c.SizeBytes <= 0 {
			continue
		}
		key := routing.ShardRouting{ShardID: routing.ShardID{Index: c.Index, Shard: c.Shard}, Primary: c.Primary}.SizeKey()
		if c.SizeBytes > sizes[key] {
			sizes[key] = c.SizeBytes
		}
	}
	return sizes
}

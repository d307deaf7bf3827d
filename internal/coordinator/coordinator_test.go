package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
)

// roomy reports plenty of free disk for every node asked about.
type roomy struct {
	mu    sync.Mutex
	asked [][]string
}

func (r *roomy) Collect(_ context.Context, nodes cluster.Nodes) allocation.Input {
	r.mu.Lock()
	r.asked = append(r.asked, nodes.IDs())
	r.mu.Unlock()
	usages := make([]cluster.DiskUsage, 0, nodes.Len())
	for _, id := range nodes.IDs() {
		usages = append(usages, cluster.DiskUsage{NodeID: id, TotalBytes: 1000, FreeBytes: 900})
	}
	return allocation.Input{Info: cluster.NewInfo(usages, nil)}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *roomy) {
	t.Helper()
	m := allocation.NewModule()
	s := settings.Default()
	d, err := m.Deciders(s)
	require.NoError(t, err)
	alloc, err := m.Allocator(s, d)
	require.NoError(t, err)
	col := &roomy{}
	return New(allocation.NewService(d, alloc, nil), col, allocation.NewState(cluster.NewNodes())), col
}

func node(id string) cluster.Node {
	return cluster.Node{ID: id, Addr: "http://" + id}
}

func inFlight(st allocation.State) []allocation.StartedShard {
	var out []allocation.StartedShard
	for _, sr := range st.Routing.All() {
		switch sr.State {
		case routing.StateInitializing:
			out = append(out, allocation.StartedShard{Shard: sr.ShardID, AllocationID: sr.AllocationID})
		case routing.StateRelocating:
			out = append(out, allocation.StartedShard{Shard: sr.ShardID, AllocationID: sr.TargetAllocationID})
		}
	}
	return out
}

func settle(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		started := inFlight(c.State())
		if len(started) == 0 {
			return
		}
		_, err := c.ShardsStarted(ctx, started)
		require.NoError(t, err)
	}
	t.Fatal("cluster did not settle")
}

func TestCoordinatorLifecycle(t *testing.T) {
	c, col := newTestCoordinator(t)
	ctx := context.Background()

	var versions []int64
	c.Subscribe(func(st allocation.State) { versions = append(versions, st.Version) })

	_, err := c.Join(ctx, node("n1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, col.asked[0], "a joining node is asked before it is a member")
	_, err = c.Join(ctx, node("n2"))
	require.NoError(t, err)

	res, err := c.CreateIndex(ctx, cluster.IndexMetadata{Name: "logs", NumberOfShards: 1, NumberOfReplicas: 1})
	require.NoError(t, err)
	assert.Equal(t, allocation.Yellow, res.Health)

	settle(t, c)
	assert.Equal(t, allocation.Green, c.Status().Health)

	p, ok := c.State().Routing.Primary(routing.ShardID{Index: "logs"})
	require.True(t, ok)
	res, err = c.Leave(ctx, p.NodeID)
	require.NoError(t, err)
	promoted, ok := res.State.Routing.Primary(routing.ShardID{Index: "logs"})
	require.True(t, ok)
	assert.NotEqual(t, p.NodeID, promoted.NodeID)
	assert.Equal(t, allocation.Yellow, c.Status().Health)

	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
	assert.Equal(t, c.State().Version, versions[len(versions)-1])
}

func TestCoordinatorPublishesOnlyChanges(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	published := 0
	c.Subscribe(func(allocation.State) { published++ })

	_, err := c.Join(ctx, node("n1"))
	require.NoError(t, err)
	require.Equal(t, 1, published)

	res, err := c.Reroute(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, published)
}

func TestCoordinatorErrors(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Join(ctx, cluster.Node{ID: "n1"})
	assert.Error(t, err)

	_, err = c.CloseIndex(ctx, "missing")
	assert.ErrorContains(t, err, "close index")

	before := c.State()
	_, err = c.CreateIndex(ctx, cluster.IndexMetadata{Name: "bad"})
	assert.Error(t, err)
	assert.Equal(t, before.Version, c.State().Version, "a failed pass publishes nothing")
}

func TestCoordinatorIndexLifecycle(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, err := c.Join(ctx, node("n1"))
	require.NoError(t, err)
	_, err = c.CreateIndex(ctx, cluster.IndexMetadata{Name: "logs", NumberOfShards: 2})
	require.NoError(t, err)
	settle(t, c)

	_, err = c.CloseIndex(ctx, "logs")
	require.NoError(t, err)
	assert.False(t, c.State().Routing.HasIndex("logs"))

	_, err = c.OpenIndex(ctx, "logs")
	require.NoError(t, err)
	assert.True(t, c.State().Routing.HasIndex("logs"))

	_, err = c.DeleteIndex(ctx, "logs")
	require.NoError(t, err)
	_, ok := c.State().Metadata.Index("logs")
	assert.False(t, ok)
}

func TestCoordinatorFailedShards(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, err := c.Join(ctx, node("n1"))
	require.NoError(t, err)
	_, err = c.CreateIndex(ctx, cluster.IndexMetadata{Name: "logs", NumberOfShards: 1})
	require.NoError(t, err)
	settle(t, c)

	p, _ := c.State().Routing.Primary(routing.ShardID{Index: "logs"})
	res, err := c.ShardsFailed(ctx, []allocation.FailedShard{{Shard: p.ShardID, AllocationID: p.AllocationID, Details: "disk error"}})
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestCoordinatorExplain(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, err := c.Join(ctx, node("n1"))
	require.NoError(t, err)
	_, err = c.CreateIndex(ctx, cluster.IndexMetadata{Name: "logs", NumberOfShards: 1, NumberOfReplicas: 1})
	require.NoError(t, err)
	settle(t, c)

	before := c.State().Version
	ex, err := c.Explain(ctx, routing.ShardID{Index: "logs"}, false)
	require.NoError(t, err)
	assert.Len(t, ex.Nodes, 1)
	assert.NotNil(t, ex.Unassigned)
	assert.Equal(t, before, c.State().Version)
}

func TestCoordinatorSerializesPasses(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		versions []int64
	)
	c.Subscribe(func(st allocation.State) {
		mu.Lock()
		versions = append(versions, st.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Join(ctx, node(fmt.Sprintf("n%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, c.State().Nodes.Len())
	require.Len(t, versions, 8)
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v)
	}
}

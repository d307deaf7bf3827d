package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/coordinator"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
	"github.com/dreamware/placement/internal/storage"
)

// testSystem runs a coordinator and real node agents in process. Nodes
// receive published states over HTTP and report recovered copies back.
type testSystem struct {
	t      *testing.T
	coord  *coordinator.Coordinator
	router *coordinator.Router
	nodes  map[string]*httptest.Server
	client *http.Client
}

func newTestSystem(t *testing.T, ids ...string) *testSystem {
	t.Helper()
	s := settings.Default()
	module := allocation.NewModule()
	deciders, err := module.Deciders(s)
	require.NoError(t, err)
	alloc, err := module.Allocator(s, deciders)
	require.NoError(t, err)

	coord := coordinator.New(
		allocation.NewService(deciders, alloc, nil),
		coordinator.NewNodeCollector(time.Second),
		allocation.NewState(cluster.NewNodes()),
	)
	broadcaster := coordinator.NewBroadcaster(time.Second)
	coord.Subscribe(func(st allocation.State) { broadcaster.Publish(st) })

	ts := &testSystem{
		t:      t,
		coord:  coord,
		router: coordinator.NewRouter(coord.State),
		nodes:  make(map[string]*httptest.Server),
		client: &http.Client{Timeout: 5 * time.Second},
	}
	for _, id := range ids {
		store, err := storage.OpenBolt(filepath.Join(t.TempDir(), id+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		n := newTestNode(t, id, store)
		n.Report = func(ctx context.Context, started []allocation.StartedShard) error {
			_, err := coord.ShardsStarted(ctx, started)
			return err
		}
		srv := httptest.NewServer(n.routes())
		t.Cleanup(srv.Close)
		ts.nodes[id] = srv
	}
	return ts
}

func (ts *testSystem) join(ids ...string) {
	ts.t.Helper()
	for _, id := range ids {
		_, err := ts.coord.Join(context.Background(), cluster.Node{ID: id, Addr: ts.nodes[id].URL})
		require.NoError(ts.t, err)
	}
}

func (ts *testSystem) waitFor(health allocation.Health) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		res := ts.coord.Status()
		return res.Health == health && res.State.Routing.Len() > 0 && !recovering(res.State.Routing)
	}, 5*time.Second, 10*time.Millisecond, "cluster never reached %s", health)
}

func recovering(t *routing.Table) bool {
	for _, sr := range t.All() {
		if sr.Initializing() || sr.Relocating() {
			return true
		}
	}
	return false
}

func (ts *testSystem) do(method, index, key string, body []byte) (int, string) {
	ts.t.Helper()
	id, n, err := ts.router.Route(index, key)
	require.NoError(ts.t, err)
	url := n.Addr + "/shards/" + id.Index + "/" + strconv.Itoa(id.Shard) + "/store/" + key
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(ts.t, err)
	resp, err := ts.client.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, string(out)
}

func TestSystemStoreAndRetrieve(t *testing.T) {
	ts := newTestSystem(t, "n1", "n2")
	ts.join("n1", "n2")

	_, err := ts.coord.CreateIndex(context.Background(), cluster.IndexMetadata{Name: "users", NumberOfShards: 2, NumberOfReplicas: 1})
	require.NoError(t, err)
	ts.waitFor(allocation.Green)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("user:%d", i)
		status, _ := ts.do(http.MethodPut, "users", key, []byte("value-"+key))
		require.Equal(t, http.StatusNoContent, status, key)
	}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("user:%d", i)
		status, body := ts.do(http.MethodGet, "users", key, nil)
		require.Equal(t, http.StatusOK, status, key)
		assert.Equal(t, "value-"+key, body)
	}

	status, _ := ts.do(http.MethodDelete, "users", "user:0", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = ts.do(http.MethodGet, "users", "user:0", nil)
	assert.Equal(t, http.StatusNotFound, status)

	for _, sr := range ts.coord.State().Routing.All() {
		assert.Equal(t, routing.StateStarted, sr.State, sr.String())
	}
}

// Closing an index leaves its copies dormant on the nodes; reopening puts
// the primaries back on the freshest copies so the data survives.
func TestSystemCloseAndReopenKeepsData(t *testing.T) {
	ts := newTestSystem(t, "n1", "n2")
	ts.join("n1", "n2")
	ctx := context.Background()

	_, err := ts.coord.CreateIndex(ctx, cluster.IndexMetadata{Name: "logs", NumberOfShards: 2, NumberOfReplicas: 1})
	require.NoError(t, err)
	ts.waitFor(allocation.Green)
	for i := 0; i < 10; i++ {
		status, _ := ts.do(http.MethodPut, "logs", fmt.Sprintf("line:%d", i), []byte("entry"))
		require.Equal(t, http.StatusNoContent, status)
	}

	_, err = ts.coord.CloseIndex(ctx, "logs")
	require.NoError(t, err)
	assert.False(t, ts.coord.State().Routing.HasIndex("logs"))

	_, err = ts.coord.OpenIndex(ctx, "logs")
	require.NoError(t, err)
	ts.waitFor(allocation.Green)

	for i := 0; i < 10; i++ {
		status, body := ts.do(http.MethodGet, "logs", fmt.Sprintf("line:%d", i), nil)
		require.Equal(t, http.StatusOK, status, "line:%d", i)
		assert.Equal(t, "entry", body)
	}
}

func TestSystemNodeLeavePromotesReplicas(t *testing.T) {
	ts := newTestSystem(t, "n1", "n2")
	ts.join("n1", "n2")
	ctx := context.Background()

	_, err := ts.coord.CreateIndex(ctx, cluster.IndexMetadata{Name: "events", NumberOfShards: 2, NumberOfReplicas: 1})
	require.NoError(t, err)
	ts.waitFor(allocation.Green)

	res, err := ts.coord.Leave(ctx, "n2")
	require.NoError(t, err)
	assert.Equal(t, allocation.Yellow, res.Health)

	for _, id := range res.State.Routing.ShardIDs() {
		p, ok := res.State.Routing.Primary(id)
		require.True(t, ok)
		assert.Equal(t, "n1", p.NodeID, id.String())
		assert.True(t, p.Active(), id.String())
	}

	status, _ := ts.do(http.MethodPut, "events", "e:1", []byte("x"))
	assert.Equal(t, http.StatusNoContent, status)
}

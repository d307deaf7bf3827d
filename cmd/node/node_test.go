package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/storage"
)

var logs0 = routing.ShardID{Index: "logs", Shard: 0}

func logsMeta(state cluster.IndexState) cluster.IndexMetadata {
	return cluster.IndexMetadata{Name: "logs", NumberOfShards: 1, State: state, Version: 1}
}

// assignedState returns a state where n1 holds the only copy of logs/0.
func assignedState(version int64, state routing.ShardState) allocation.State {
	table := routing.EmptyTable().Builder().Set(logs0, []routing.ShardRouting{{
		ShardID:      logs0,
		Primary:      true,
		State:        state,
		NodeID:       "n1",
		AllocationID: "a1",
	}}).Build()
	return allocation.State{
		Version:  version,
		Nodes:    cluster.NewNodes(cluster.Node{ID: "n1", Addr: "http://n1"}),
		Metadata: cluster.NewMetadata(logsMeta(cluster.IndexOpen)),
		Routing:  table,
	}
}

func newTestNode(t *testing.T, id string, store storage.Store) *Node {
	t.Helper()
	n, err := NewNode(id, t.TempDir(), store)
	require.NoError(t, err)
	n.Disk = func(path string) (cluster.DiskUsage, error) {
		return cluster.DiskUsage{Path: path, TotalBytes: 1000, FreeBytes: 900}, nil
	}
	return n
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNodeApplyReportsRecoveredCopies(t *testing.T) {
	n := newTestNode(t, "n1", storage.NewMemoryStore())

	started, err := n.Apply(assignedState(3, routing.StateInitializing))
	require.NoError(t, err)
	assert.Equal(t, []allocation.StartedShard{{Shard: logs0, AllocationID: "a1"}}, started)
	assert.Equal(t, int64(3), n.Version())

	started, err = n.Apply(assignedState(4, routing.StateStarted))
	require.NoError(t, err)
	assert.Empty(t, started)

	started, err = n.Apply(assignedState(2, routing.StateInitializing))
	require.NoError(t, err)
	assert.Empty(t, started, "stale states are ignored")
	assert.Equal(t, int64(4), n.Version())
}

func TestNodeStateEndpoint(t *testing.T) {
	n := newTestNode(t, "n1", storage.NewMemoryStore())
	reported := make(chan []allocation.StartedShard, 1)
	n.Report = func(_ context.Context, started []allocation.StartedShard) error {
		reported <- started
		return nil
	}
	h := n.routes()

	rec := do(t, h, http.MethodPost, "/state", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, err := json.Marshal(assignedState(1, routing.StateInitializing))
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/state", body)
	require.Equal(t, http.StatusNoContent, rec.Code)

	select {
	case got := <-reported:
		assert.Equal(t, []allocation.StartedShard{{Shard: logs0, AllocationID: "a1"}}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("started copies were not reported")
	}
}

func TestNodeDocuments(t *testing.T) {
	n := newTestNode(t, "n1", storage.NewMemoryStore())
	h := n.routes()

	rec := do(t, h, http.MethodPut, "/shards/logs/0/store/k1", []byte("v1"))
	assert.Equal(t, http.StatusNotFound, rec.Code, "copy not assigned yet")

	_, err := n.Apply(assignedState(1, routing.StateStarted))
	require.NoError(t, err)

	rec = do(t, h, http.MethodPut, "/shards/logs/0/store/k1", []byte("v1"))
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodPut, "/shards/logs/0/store/dir/k2", []byte("v2"))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/shards/logs/0/store/k1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/shards/logs/0/store", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, []string{"dir/k2", "k1"}, listed.Keys)

	rec = do(t, h, http.MethodDelete, "/shards/logs/0/store/k1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/shards/logs/0/store/k1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/shards/logs/x/store/k1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/shards/logs/0/store/k1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNodeStoresAndDisk(t *testing.T) {
	n := newTestNode(t, "n1", storage.NewMemoryStore())
	h := n.routes()

	rec := do(t, h, http.MethodGet, "/stores", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	_, err := n.Apply(assignedState(1, routing.StateInitializing))
	require.NoError(t, err)
	rec = do(t, h, http.MethodPut, "/shards/logs/0/store/k", []byte("value"))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/stores", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var copies []routing.StoreCopy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &copies))
	want := []routing.StoreCopy{{
		NodeID:       "n1",
		Index:        "logs",
		Shard:        0,
		Primary:      true,
		Version:      1,
		AllocationID: "a1",
		SizeBytes:    5,
	}}
	if diff := cmp.Diff(want, copies); diff != "" {
		t.Errorf("store copies mismatch (-want +got):\n%s", diff)
	}

	rec = do(t, h, http.MethodGet, "/disk", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var du cluster.DiskUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &du))
	assert.Equal(t, "n1", du.NodeID)
	assert.Equal(t, uint64(900), du.FreeBytes)
}

func TestNodeInfo(t *testing.T) {
	n := newTestNode(t, "n1", storage.NewMemoryStore())
	_, err := n.Apply(assignedState(2, routing.StateStarted))
	require.NoError(t, err)

	rec := do(t, n.routes(), http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info nodeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "n1", info.ID)
	assert.Equal(t, int64(2), info.Version)
	assert.Equal(t, []string{"logs"}, info.Indices)
	require.Len(t, info.Shards, 1)
	assert.Equal(t, "a1", info.Shards[0].AllocationID)
}

// A restarted node finds its copies dormant and still remembers the closed
// index it wrote before.
func TestNodeRestartKeepsCopiesAndClosedIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.db")
	store, err := storage.OpenBolt(path)
	require.NoError(t, err)

	n := newTestNode(t, "n1", store)
	_, err = n.Apply(assignedState(1, routing.StateStarted))
	require.NoError(t, err)
	rec := do(t, n.routes(), http.MethodPut, "/shards/logs/0/store/k", []byte("v"))
	require.Equal(t, http.StatusNoContent, rec.Code)

	closed := allocation.State{
		Version:  2,
		Nodes:    cluster.NewNodes(cluster.Node{ID: "n1", Addr: "http://n1"}),
		Metadata: cluster.NewMetadata(logsMeta(cluster.IndexClosed)),
		Routing:  routing.EmptyTable(),
	}
	_, err = n.Apply(closed)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = storage.OpenBolt(path)
	require.NoError(t, err)
	defer store.Close()
	restarted := newTestNode(t, "n1", store)

	rec = do(t, restarted.routes(), http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info nodeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, []string{"logs"}, info.Indices)
	require.Len(t, info.Shards, 1)
	assert.Equal(t, "dormant", string(info.Shards[0].State))

	rec = do(t, restarted.routes(), http.MethodGet, "/shards/logs/0/store/k", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "dormant copies do not serve")

	rec = do(t, restarted.routes(), http.MethodGet, "/stores", nil)
	var copies []routing.StoreCopy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &copies))
	require.Len(t, copies, 1)
	assert.Equal(t, int64(1), copies[0].Version)
}

func TestNodeHealth(t *testing.T) {
	n := newTestNode(t, "n1", storage.NewMemoryStore())
	srv := httptest.NewServer(n.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

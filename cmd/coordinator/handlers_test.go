package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/coordinator"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
)

func roomy(_ context.Context, nodes cluster.Nodes) allocation.Input {
	var usages []cluster.DiskUsage
	for _, id := range nodes.IDs() {
		usages = append(usages, cluster.DiskUsage{NodeID: id, TotalBytes: 1000, FreeBytes: 900})
	}
	return allocation.Input{Info: cluster.NewInfo(usages, nil)}
}

type harness struct {
	t     *testing.T
	coord *coordinator.Coordinator
	http  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	coord, srv, err := wire(settings.Default(), prometheus.NewRegistry(), coordinator.CollectorFunc(roomy), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &harness{t: t, coord: coord, http: ts}
}

func (h *harness) do(method, path string, body any) (int, []byte) {
	h.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(h.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.http.URL+path, r)
	require.NoError(h.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, out
}

func (h *harness) register(id, addr string) {
	h.t.Helper()
	status, body := h.do(http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.Node{ID: id, Addr: addr}})
	require.Equal(h.t, http.StatusNoContent, status, string(body))
}

// settle reports every recovering copy as started.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		var started []allocation.StartedShard
		for _, sr := range h.coord.State().Routing.All() {
			switch sr.State {
			case routing.StateInitializing:
				started = append(started, allocation.StartedShard{Shard: sr.ShardID, AllocationID: sr.AllocationID})
			case routing.StateRelocating:
				started = append(started, allocation.StartedShard{Shard: sr.ShardID, AllocationID: sr.TargetAllocationID})
			}
		}
		if len(started) == 0 {
			return
		}
		status, body := h.do(http.MethodPost, "/shards/started", started)
		require.Equal(h.t, http.StatusOK, status, string(body))
	}
	h.t.Fatal("cluster did not settle")
}

type passResponse struct {
	Version    int64                        `json:"version"`
	Changed    bool                         `json:"changed"`
	Health     allocation.Health            `json:"health"`
	Unassigned []allocation.UnassignedShard `json:"unassigned"`
}

func TestHandleRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "valid", body: cluster.RegisterRequest{Node: cluster.Node{ID: "n1", Addr: "http://n1"}}, wantStatus: http.StatusNoContent},
		{name: "bad json", body: "{", wantStatus: http.StatusBadRequest},
		{name: "missing addr", body: cluster.RegisterRequest{Node: cluster.Node{ID: "n1"}}, wantStatus: http.StatusBadRequest},
		{name: "missing id", body: cluster.RegisterRequest{Node: cluster.Node{Addr: "http://n1"}}, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			status, _ := h.do(http.MethodPost, "/register", tt.body)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestHandleNodesAndLeave(t *testing.T) {
	h := newHarness(t)
	h.register("n1", "http://n1")
	h.register("n2", "http://n2")

	status, body := h.do(http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, status)
	var listed struct {
		Nodes []cluster.Node `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed.Nodes, 2)
	assert.Equal(t, "n1", listed.Nodes[0].ID)

	status, _ = h.do(http.MethodPost, "/leave", cluster.LeaveRequest{NodeID: "n1"})
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, []string{"n2"}, h.coord.State().Nodes.IDs())

	status, _ = h.do(http.MethodPost, "/leave", cluster.LeaveRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestIndexEndpoints(t *testing.T) {
	h := newHarness(t)
	h.register("n1", "http://n1")
	h.register("n2", "http://n2")

	status, body := h.do(http.MethodPut, "/indices/logs", cluster.IndexMetadata{NumberOfShards: 2, NumberOfReplicas: 1})
	require.Equal(t, http.StatusOK, status, string(body))
	var res passResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Changed)
	assert.Equal(t, allocation.Yellow, res.Health)

	status, _ = h.do(http.MethodPut, "/indices/logs", cluster.IndexMetadata{NumberOfShards: 1})
	assert.Equal(t, http.StatusBadRequest, status, "index exists")
	status, _ = h.do(http.MethodPut, "/indices/empty", cluster.IndexMetadata{})
	assert.Equal(t, http.StatusBadRequest, status, "no shards")

	h.settle()
	status, body = h.do(http.MethodGet, "/cluster/health", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, allocation.Green, res.Health)
	assert.Empty(t, res.Unassigned)

	status, body = h.do(http.MethodPost, "/reroute", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Changed)

	status, _ = h.do(http.MethodPost, "/indices/logs/_close", nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, h.coord.State().Routing.HasIndex("logs"))

	status, _ = h.do(http.MethodPost, "/indices/logs/_open", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, h.coord.State().Routing.HasIndex("logs"))

	status, _ = h.do(http.MethodDelete, "/indices/logs", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(http.MethodDelete, "/indices/logs", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandleState(t *testing.T) {
	h := newHarness(t)
	h.register("n1", "http://n1")
	status, _ := h.do(http.MethodPut, "/indices/logs", cluster.IndexMetadata{NumberOfShards: 1})
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, status)
	var st allocation.State
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, h.coord.State().Version, st.Version)
	assert.Equal(t, []string{"n1"}, st.Nodes.IDs())
	copies, ok := st.Routing.Shard(routing.ShardID{Index: "logs"})
	require.True(t, ok)
	assert.Equal(t, routing.StateInitializing, copies[0].State)
}

func TestHandleShardsFailed(t *testing.T) {
	h := newHarness(t)
	h.register("n1", "http://n1")
	status, _ := h.do(http.MethodPut, "/indices/logs", cluster.IndexMetadata{NumberOfShards: 1})
	require.Equal(t, http.StatusOK, status)
	p, _ := h.coord.State().Routing.Primary(routing.ShardID{Index: "logs"})

	status, body := h.do(http.MethodPost, "/shards/failed", []allocation.FailedShard{{Shard: p.ShardID, AllocationID: p.AllocationID, Details: "io error"}})
	require.Equal(t, http.StatusOK, status, string(body))
	var res passResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Changed)

	status, _ = h.do(http.MethodPost, "/shards/failed", "nope")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandleExplain(t *testing.T) {
	h := newHarness(t)
	h.register("n1", "http://n1")
	status, _ := h.do(http.MethodPut, "/indices/logs", cluster.IndexMetadata{NumberOfShards: 1, NumberOfReplicas: 1})
	require.Equal(t, http.StatusOK, status)
	h.settle()

	status, _ = h.do(http.MethodGet, "/explain?index=logs", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(http.MethodGet, "/explain?index=other&shard=0", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := h.do(http.MethodGet, "/explain?index=logs&shard=0&primary=false", nil)
	require.Equal(t, http.StatusOK, status)
	var ex allocation.Explanation
	require.NoError(t, json.Unmarshal(body, &ex))
	require.Len(t, ex.Nodes, 1)
	assert.Contains(t, string(body), "same_shard")
	assert.NotNil(t, ex.Unassigned)
}

func TestHandleMetrics(t *testing.T) {
	h := newHarness(t)
	h.register("n1", "http://n1")

	status, body := h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "placement_reroute_passes_total")
	assert.Contains(t, string(body), "placement_state_version 1")
}

// fakeNode stores documents the way a node agent does, keyed by path.
type fakeNode struct {
	mu   sync.Mutex
	docs map[string]string
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		f.docs[r.URL.Path] = string(b)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		v, ok := f.docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, v)
	case http.MethodDelete:
		delete(f.docs, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestHandleData(t *testing.T) {
	fake := &fakeNode{docs: make(map[string]string)}
	node := httptest.NewServer(fake)
	defer node.Close()

	h := newHarness(t)
	h.register("n1", node.URL)
	status, _ := h.do(http.MethodPut, "/indices/users", cluster.IndexMetadata{NumberOfShards: 1})
	require.Equal(t, http.StatusOK, status)

	status, _ = h.do(http.MethodPut, "/data/users/user:1", `{"name":"ada"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status, "primary still recovering")

	h.settle()
	status, body := h.do(http.MethodPut, "/data/users/user:1", `{"name":"ada"}`)
	require.Equal(t, http.StatusNoContent, status, string(body))
	assert.Equal(t, `{"name":"ada"}`, fake.docs["/shards/users/0/store/user:1"])

	status, body = h.do(http.MethodGet, "/data/users/user:1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, `{"name":"ada"}`, string(body))

	status, _ = h.do(http.MethodDelete, "/data/users/user:1", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = h.do(http.MethodGet, "/data/users/user:1", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(http.MethodGet, "/data/orders/o:1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = h.do(http.MethodPost, "/data/users/user:1", "x")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

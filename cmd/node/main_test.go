package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/storage"
)

func TestGetenv(t *testing.T) {
	t.Setenv("PLACEMENT_NODE_TEST", "set")
	assert.Equal(t, "set", getenv("PLACEMENT_NODE_TEST", "default"))
	t.Setenv("PLACEMENT_NODE_TEST", "")
	assert.Equal(t, "default", getenv("PLACEMENT_NODE_TEST", "default"))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config
		wantErr string
	}{
		{name: "complete", cfg: config{id: "n1", coordinator: "http://c"}},
		{name: "missing id", cfg: config{coordinator: "http://c"}, wantErr: "node id"},
		{name: "missing coordinator", cfg: config{id: "n1"}, wantErr: "coordinator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRootCmdFlags(t *testing.T) {
	t.Setenv("NODE_ID", "node-7")
	t.Setenv("NODE_DATA_DIR", "/tmp/placement")
	cmd := newRootCmd()

	assert.Equal(t, "node-7", cmd.Flags().Lookup("id").DefValue)
	assert.Equal(t, "/tmp/placement", cmd.Flags().Lookup("data-dir").DefValue)
	assert.Equal(t, ":8081", cmd.Flags().Lookup("listen").DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("v"))

	require.NoError(t, cmd.Flags().Parse([]string{"--attr", "zone=a", "--attr", "rack=r1", "--node-version", "1.2.0"}))
	attrs, err := cmd.Flags().GetStringToString("attr")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zone": "a", "rack": "r1"}, attrs)
}

func TestConfigNode(t *testing.T) {
	cfg := config{id: "n1", addr: "http://n1:8081", version: "1.2.0", attrs: map[string]string{"zone": "a"}}
	n := cfg.node()
	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, "http://n1:8081", n.Addr)
	assert.Equal(t, "1.2.0", n.Version)
	v, ok := n.Attribute("zone")
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestOpenStore(t *testing.T) {
	s, path, err := openStore("", "n1")
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, s)
	assert.NotEmpty(t, path)

	dir := t.TempDir()
	s, path, err = openStore(dir, "n1")
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &storage.BoltStore{}, s)
	assert.Equal(t, dir, path)
	require.NoError(t, s.Put("k", []byte("v")))
}

func TestRegister(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req cluster.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Node.ID != "n1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := register(context.Background(), srv.URL, cluster.Node{ID: "n1", Addr: "http://n1"}, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(-100)
	err = register(context.Background(), srv.URL, cluster.Node{ID: "n1", Addr: "http://n1"}, 2, time.Millisecond)
	assert.Error(t, err)
}

func TestRegisterStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := register(ctx, srv.URL, cluster.Node{ID: "n1"}, 10, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCoordinatorReporter(t *testing.T) {
	got := make(chan []allocation.StartedShard, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shards/started", r.URL.Path)
		var started []allocation.StartedShard
		require.NoError(t, json.NewDecoder(r.Body).Decode(&started))
		got <- started
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	want := []allocation.StartedShard{{Shard: logs0, AllocationID: "a1"}}
	require.NoError(t, coordinatorReporter(srv.URL)(context.Background(), want))
	assert.Equal(t, want, <-got)
}

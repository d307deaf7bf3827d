package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegisterRequest checks that node attributes survive the wire.
func TestRegisterRequest(t *testing.T) {
	req := RegisterRequest{
		Node: Node{
			ID:         "node-2",
			Addr:       "http://localhost:8081",
			Attributes: map[string]string{"zone": "a"},
			Version:    "2.1.0",
		},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded RegisterRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req, decoded)
}

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    interface{}
		responseBody   interface{}
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.responseBody != nil {
				respMap := tt.responseBody.(*map[string]string)
				assert.Equal(t, "ok", (*respMap)["status"])
			}
		})
	}
}

// TestGetJSON tests the GetJSON function with various scenarios
func TestGetJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		expectError    bool
	}{
		{name: "successful GET", serverResponse: http.StatusOK, serverBody: `{"data":"test","value":123}`},
		{name: "not found error", serverResponse: http.StatusNotFound, serverBody: `{"error":"not found"}`, expectError: true},
		{name: "invalid JSON response", serverResponse: http.StatusOK, serverBody: `{invalid json}`, expectError: true},
		{name: "redirect response", serverResponse: http.StatusMovedPermanently, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			var out map[string]interface{}
			err := GetJSON(context.Background(), server.URL, &out)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "test", out["data"])
			assert.Equal(t, float64(123), out["value"])
		})
	}
}

// TestGetJSONInvalidURL tests GetJSON with invalid URL
func TestGetJSONInvalidURL(t *testing.T) {
	var result map[string]interface{}
	assert.Error(t, GetJSON(context.Background(), "://invalid-url", &result))
	assert.Error(t, GetJSON(context.Background(), "http://localhost:99999", &result))
}

func TestNodes(t *testing.T) {
	nodes := NewNodes(
		Node{ID: "n3"},
		Node{ID: "n1", Attributes: map[string]string{"zone": "a"}},
		Node{ID: "n2"},
	)
	assert.Equal(t, []string{"n1", "n2", "n3"}, nodes.IDs())
	assert.Equal(t, 3, nodes.Len())

	n1, ok := nodes.Get("n1")
	require.True(t, ok)
	zone, ok := n1.Attribute("zone")
	assert.True(t, ok)
	assert.Equal(t, "a", zone)

	without := nodes.Without("n2")
	assert.Equal(t, []string{"n1", "n3"}, without.IDs())
	assert.True(t, nodes.Has("n2"), "Without must not modify the receiver")

	with := without.With(Node{ID: "n0"})
	assert.Equal(t, []string{"n0", "n1", "n3"}, with.IDs())
	assert.False(t, without.Has("n0"), "With must not modify the receiver")
}

func TestNodeSemVer(t *testing.T) {
	assert.Nil(t, Node{}.SemVer())
	assert.Nil(t, Node{Version: "not-a-version"}.SemVer())

	v := Node{Version: "1.4.2"}.SemVer()
	require.NotNil(t, v)
	assert.Equal(t, uint64(1), v.Major())
	assert.Equal(t, uint64(4), v.Minor())
}

func TestMetadata(t *testing.T) {
	m := NewMetadata(IndexMetadata{Name: "b", NumberOfShards: 1}, IndexMetadata{Name: "a", NumberOfShards: 2})
	indices := m.Indices()
	require.Len(t, indices, 2)
	assert.Equal(t, "a", indices[0].Name)

	m2 := m.WithIndex(IndexMetadata{Name: "a", NumberOfShards: 2, State: IndexClosed})
	a, _ := m2.Index("a")
	assert.Equal(t, IndexClosed, a.State)
	assert.Equal(t, int64(1), a.Version)
	assert.Equal(t, m.Version+1, m2.Version)

	m3 := m2.WithIndex(a)
	a3, _ := m3.Index("a")
	assert.Equal(t, int64(2), a3.Version)

	orig, _ := m.Index("a")
	assert.Equal(t, IndexState(""), orig.State, "WithIndex must not modify the receiver")

	m4 := m3.WithoutIndex("b")
	_, ok := m4.Index("b")
	assert.False(t, ok)
	assert.Equal(t, 1, m4.Len())
}

func TestIndexMetadataValidate(t *testing.T) {
	assert.NoError(t, IndexMetadata{Name: "x", NumberOfShards: 1}.Validate())
	assert.Error(t, IndexMetadata{NumberOfShards: 1}.Validate())
	assert.Error(t, IndexMetadata{Name: "x"}.Validate())
	assert.Error(t, IndexMetadata{Name: "x", NumberOfShards: 1, NumberOfReplicas: -1}.Validate())
}

func TestDiskUsage(t *testing.T) {
	u := DiskUsage{TotalBytes: 100, FreeBytes: 25}
	assert.Equal(t, uint64(75), u.UsedBytes())
	assert.InDelta(t, 75.0, u.UsedPercent(), 0.001)
	assert.InDelta(t, 100.0, DiskUsage{}.UsedPercent(), 0.001)

	info := NewInfo([]DiskUsage{{NodeID: "n1", TotalBytes: 10, FreeBytes: 5}}, map[string]int64{"[i][0][p]": 7})
	got, ok := info.Usage("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.FreeBytes)
	_, ok = info.Usage("n2")
	assert.False(t, ok)
	size, ok := info.ShardSize("[i][0][p]")
	assert.True(t, ok)
	assert.Equal(t, int64(7), size)
}

func TestSnapshotsInProgress(t *testing.T) {
	s := Snapshots{Shards: []SnapshotShard{
		{Index: "i", Shard: 0, NodeID: "n1"},
		{Index: "i", Shard: 1, NodeID: "n1", Done: true},
	}}
	assert.True(t, s.InProgress("i", 0, "n1"))
	assert.False(t, s.InProgress("i", 0, "n2"))
	assert.False(t, s.InProgress("i", 1, "n1"))
}

func TestJSONRoundTrip(t *testing.T) {
	nodes := NewNodes(Node{ID: "n2", Version: "1.0.0"}, Node{ID: "n1", Attributes: map[string]string{"zone": "a"}})
	meta := NewMetadata().WithIndex(IndexMetadata{Name: "logs", NumberOfShards: 2, State: IndexOpen})
	info := NewInfo([]DiskUsage{{NodeID: "n2", TotalBytes: 4}, {NodeID: "n1", TotalBytes: 8}}, map[string]int64{"[logs][0][p]": 3})

	b, err := json.Marshal(struct {
		Nodes Nodes    `json:"nodes"`
		Meta  Metadata `json:"meta"`
		Info  Info     `json:"info"`
	}{nodes, meta, info})
	require.NoError(t, err)

	var out struct {
		Nodes Nodes    `json:"nodes"`
		Meta  Metadata `json:"meta"`
		Info  Info     `json:"info"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, []string{"n1", "n2"}, out.Nodes.IDs())
	n1, _ := out.Nodes.Get("n1")
	assert.Equal(t, "a", n1.Attributes["zone"])
	assert.Equal(t, meta.Version, out.Meta.Version)
	logs, ok := out.Meta.Index("logs")
	require.True(t, ok)
	assert.Equal(t, int64(1), logs.Version)
	assert.Equal(t, info.Usages(), out.Info.Usages())
	size, _ := out.Info.ShardSize("[logs][0][p]")
	assert.Equal(t, int64(3), size)
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/coordinator"
	"github.com/dreamware/placement/internal/routing"
)

type server struct {
	coord   *coordinator.Coordinator
	router  *coordinator.Router
	monitor *coordinator.HealthMonitor
	metrics prometheus.Gatherer
	client  *http.Client
}

func newServer(coord *coordinator.Coordinator, monitor *coordinator.HealthMonitor, metrics prometheus.Gatherer) *server {
	return &server{
		coord:   coord,
		router:  coordinator.NewRouter(coord.State),
		monitor: monitor,
		metrics: metrics,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /leave", s.handleLeave)
	mux.HandleFunc("GET /nodes", s.handleNodes)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /cluster/health", s.handleClusterHealth)
	mux.HandleFunc("POST /reroute", s.handleReroute)
	mux.HandleFunc("POST /shards/started", s.handleShardsStarted)
	mux.HandleFunc("POST /shards/failed", s.handleShardsFailed)
	mux.HandleFunc("GET /explain", s.handleExplain)
	mux.HandleFunc("PUT /indices/{index}", s.handleCreateIndex)
	mux.HandleFunc("DELETE /indices/{index}", s.handleDeleteIndex)
	mux.HandleFunc("POST /indices/{index}/_close", s.handleCloseIndex)
	mux.HandleFunc("POST /indices/{index}/_open", s.handleOpenIndex)
	mux.HandleFunc("/data/{index}/{key...}", s.handleData)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("writing response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

// respond writes the result of a pass. Unknown or invalid requests are the
// caller's fault; anything else is ours.
func respond(w http.ResponseWriter, res allocation.Result, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.HasAssertionFailure(err) {
			glog.Errorf("pass failed: %+v", err)
		} else {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Version int64 `json:"version"`
		allocation.Result
	}{Version: res.State.Version, Result: res})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if _, err := s.coord.Join(r.Context(), req.Node); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	glog.Infof("node %s joined from %s", req.Node.ID, req.Node.Addr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req cluster.LeaveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		http.Error(w, "missing node_id", http.StatusBadRequest)
		return
	}
	if _, err := s.coord.Leave(r.Context(), req.NodeID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type nodeStatus struct {
	cluster.Node
	Health *coordinator.NodeHealth `json:"health,omitempty"`
}

func (s *server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.coord.State().Nodes.All()
	out := make([]nodeStatus, len(nodes))
	for i, n := range nodes {
		out[i] = nodeStatus{Node: n}
		if s.monitor != nil {
			out[i].Health = s.monitor.GetNodeHealth(n.ID)
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []nodeStatus `json:"nodes"`
	}{Nodes: out})
}

func (s *server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.State())
}

func (s *server) handleClusterHealth(w http.ResponseWriter, _ *http.Request) {
	res := s.coord.Status()
	writeJSON(w, http.StatusOK, struct {
		Version    int64                        `json:"version"`
		Health     allocation.Health            `json:"health"`
		Nodes      int                          `json:"nodes"`
		Unassigned []allocation.UnassignedShard `json:"unassigned,omitempty"`
	}{Version: res.State.Version, Health: res.Health, Nodes: res.State.Nodes.Len(), Unassigned: res.Unassigned})
}

func (s *server) handleReroute(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.Reroute(r.Context())
	respond(w, res, err)
}

func (s *server) handleShardsStarted(w http.ResponseWriter, r *http.Request) {
	var started []allocation.StartedShard
	if !decode(w, r, &started) {
		return
	}
	res, err := s.coord.ShardsStarted(r.Context(), started)
	respond(w, res, err)
}

func (s *server) handleShardsFailed(w http.ResponseWriter, r *http.Request) {
	var failed []allocation.FailedShard
	if !decode(w, r, &failed) {
		return
	}
	res, err := s.coord.ShardsFailed(r.Context(), failed)
	respond(w, res, err)
}

func (s *server) handleExplain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := strconv.Atoi(q.Get("shard"))
	if q.Get("index") == "" || err != nil {
		http.Error(w, "index and shard are required", http.StatusBadRequest)
		return
	}
	primary := q.Get("primary") != "false"
	ex, err := s.coord.Explain(r.Context(), routing.ShardID{Index: q.Get("index"), Shard: n}, primary)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var im cluster.IndexMetadata
	if !decode(w, r, &im) {
		return
	}
	im.Name = r.PathValue("index")
	res, err := s.coord.CreateIndex(r.Context(), im)
	respond(w, res, err)
}

func (s *server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.DeleteIndex(r.Context(), r.PathValue("index"))
	respond(w, res, err)
}

func (s *server) handleCloseIndex(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.CloseIndex(r.Context(), r.PathValue("index"))
	respond(w, res, err)
}

func (s *server) handleOpenIndex(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.OpenIndex(r.Context(), r.PathValue("index"))
	respond(w, res, err)
}

// handleData forwards a document request to the node holding the primary
// of the key's shard.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	index, key := r.PathValue("index"), r.PathValue("key")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, n, err := s.router.Route(index, key)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, coordinator.ErrNoPrimary) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	target := n.Addr + "/shards/" + id.Index + "/" + strconv.Itoa(id.Shard) + "/store/" + key
	s.forward(w, r, target)
}

func (s *server) forward(w http.ResponseWriter, r *http.Request, target string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var body io.Reader
	if r.Method == http.MethodPut {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		http.Error(w, "failed to forward request: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		glog.V(1).Infof("copying response from %s: %v", target, err)
	}
}

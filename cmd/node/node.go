package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/gateway"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/shard"
	"github.com/dreamware/placement/internal/storage"
)

// Reporter tells the coordinator which copies finished recovering.
type Reporter func(ctx context.Context, started []allocation.StartedShard) error

// DiskStatter reads the disk holding path.
type DiskStatter func(path string) (cluster.DiskUsage, error)

func gopsutilDisk(path string) (cluster.DiskUsage, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return cluster.DiskUsage{}, errors.Wrapf(err, "disk usage of %s", path)
	}
	return cluster.DiskUsage{Path: u.Path, TotalBytes: u.Total, FreeBytes: u.Free}, nil
}

// Node is the agent running next to the shard copies of one cluster member.
// It applies every published state to its registry and meta state.
type Node struct {
	ID       string
	dataPath string
	store    storage.Store
	registry *shard.Registry
	meta     *gateway.MetaState

	Report Reporter
	Disk   DiskStatter

	// mu serializes state application; version is the last applied state.
	mu      sync.Mutex
	version int64
}

// NewNode loads the copies and the meta state recorded in store.
func NewNode(id, dataPath string, store storage.Store) (*Node, error) {
	registry, err := shard.OpenRegistry(id, store)
	if err != nil {
		return nil, err
	}
	meta, err := gateway.LoadMetaState(id, store)
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:       id,
		dataPath: dataPath,
		store:    store,
		registry: registry,
		meta:     meta,
		Disk:     gopsutilDisk,
	}, nil
}

// Apply brings the node in line with a published state. States older than
// the last applied one are ignored. It returns the copies to report started.
func (n *Node) Apply(st allocation.State) ([]allocation.StartedShard, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st.Version < n.version {
		glog.V(1).Infof("node %s: ignoring state %d, already at %d", n.ID, st.Version, n.version)
		return nil, nil
	}
	if st.Routing == nil {
		st.Routing = routing.EmptyTable()
	}
	recovered, err := n.registry.Apply(st.Metadata, st.Routing)
	if err != nil {
		return nil, errors.Wrapf(err, "applying routing of state %d", st.Version)
	}
	if _, err := n.meta.Apply(st.Metadata, st.Routing); err != nil {
		return nil, errors.Wrapf(err, "applying metadata of state %d", st.Version)
	}
	n.version = st.Version

	started := make([]allocation.StartedShard, 0, len(recovered))
	for _, sr := range recovered {
		started = append(started, allocation.StartedShard{Shard: sr.ShardID, AllocationID: sr.AllocationID})
	}
	return started, nil
}

// Version returns the version of the last applied state.
func (n *Node) Version() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

func (n *Node) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /disk", n.handleDisk)
	mux.HandleFunc("GET /stores", n.handleStores)
	mux.HandleFunc("POST /state", n.handleState)
	mux.HandleFunc("GET /info", n.handleInfo)
	mux.HandleFunc("GET /shards/{index}/{shard}/store", n.handleListKeys)
	mux.HandleFunc("/shards/{index}/{shard}/store/{key...}", n.handleKey)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("writing response: %v", err)
	}
}

func (n *Node) handleDisk(w http.ResponseWriter, _ *http.Request) {
	u, err := n.Disk(n.dataPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	u.NodeID = n.ID
	glog.V(2).Infof("node %s disk: %s free of %s", n.ID, humanize.IBytes(u.FreeBytes), humanize.IBytes(u.TotalBytes))
	writeJSON(w, u)
}

func (n *Node) handleStores(w http.ResponseWriter, _ *http.Request) {
	copies, err := n.registry.StoreCopies()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if copies == nil {
		copies = []routing.StoreCopy{}
	}
	writeJSON(w, copies)
}

// handleState applies a published state and reports recovered copies back
// without holding up the publisher.
func (n *Node) handleState(w http.ResponseWriter, r *http.Request) {
	var st allocation.State
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	started, err := n.Apply(st)
	if err != nil {
		glog.Errorf("node %s: %v", n.ID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)

	if len(started) == 0 || n.Report == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.Report(ctx, started); err != nil {
			glog.Warningf("node %s: reporting %d started copies: %v", n.ID, len(started), err)
		}
	}()
}

type nodeInfo struct {
	ID      string       `json:"id"`
	Version int64        `json:"version"`
	Indices []string     `json:"indices"`
	Shards  []shard.Info `json:"shards"`
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := nodeInfo{ID: n.ID, Version: n.Version(), Indices: n.meta.Indices(), Shards: []shard.Info{}}
	for _, s := range n.registry.Shards() {
		si, err := s.Info()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		info.Shards = append(info.Shards, si)
	}
	writeJSON(w, info)
}

// serving returns the started copy named by the request path.
func (n *Node) serving(w http.ResponseWriter, r *http.Request) (*shard.Shard, bool) {
	num, err := strconv.Atoi(r.PathValue("shard"))
	if err != nil {
		http.Error(w, "invalid shard", http.StatusBadRequest)
		return nil, false
	}
	id := routing.ShardID{Index: r.PathValue("index"), Shard: num}
	s, ok := n.registry.Get(id)
	if !ok || s.State() != shard.StateStarted {
		http.Error(w, "shard "+id.String()+" is not served here", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (n *Node) handleListKeys(w http.ResponseWriter, r *http.Request) {
	s, ok := n.serving(w, r)
	if !ok {
		return
	}
	keys, err := s.Keys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}{Keys: keys, Count: len(keys)})
}

func (n *Node) handleKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
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
	s, ok := n.serving(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := s.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(value); err != nil {
			glog.V(1).Infof("writing %s: %v", key, err)
		}
	case http.MethodPut:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if err := s.Put(key, value); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.Delete(key); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

package cluster

import (
	"encoding/json"

	"golang.org/x/exp/slices"
)

// DiskUsage is a point-in-time disk reading reported by one node.
type DiskUsage struct {
	NodeID     string `json:"node_id"`
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// UsedBytes returns the bytes in use.
func (d DiskUsage) UsedBytes() uint64 {
	if d.FreeBytes > d.TotalBytes {
		return 0
	}
	return d.TotalBytes - d.FreeBytes
}

// UsedPercent returns the used share of the disk in [0, 100]. An empty disk
// reading is reported as fully used.
func (d DiskUsage) UsedPercent() float64 {
	if d.TotalBytes == 0 {
		return 100
	}
	return 100 * float64(d.UsedBytes()) / float64(d.TotalBytes)
}

// Info is the snapshot of node statistics taken before a reroute pass.
// It is never refreshed during a pass.
type Info struct {
	usages     map[string]DiskUsage
	shardSizes map[string]int64
}

// NewInfo builds an info snapshot. shardSizes is keyed by routing's shard
// size key.
func NewInfo(usages []DiskUsage, shardSizes map[string]int64) Info {
	info := Info{
		usages:     make(map[string]DiskUsage, len(usages)),
		shardSizes: make(map[string]int64, len(shardSizes)),
	}
	for _, u := range usages {
		info.usages[u.NodeID] = u
	}
	for k, v := range shardSizes {
		info.shardSizes[k] = v
	}
	return info
}

// Usage returns the disk usage reported by the node.
func (i Info) Usage(nodeID string) (DiskUsage, bool) {
	u, ok := i.usages[nodeID]
	return u, ok
}

// ShardSize returns the known size of a shard copy.
func (i Info) ShardSize(key string) (int64, bool) {
	s, ok := i.shardSizes[key]
	return s, ok
}

// Usages returns all known disk usages ordered by node id.
func (i Info) Usages() []DiskUsage {
	out := make([]DiskUsage, 0, len(i.usages))
	for _, u := range i.usages {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b DiskUsage) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	return out
}

type infoJSON struct {
	Usages     []DiskUsage      `json:"disk_usages"`
	ShardSizes map[string]int64 `json:"shard_sizes"`
}

func (i Info) MarshalJSON() ([]byte, error) {
	return json.Marshal(infoJSON{Usages: i.Usages(), ShardSizes: i.shardSizes})
}

func (i *Info) UnmarshalJSON(data []byte) error {
	var ij infoJSON
	if err := json.Unmarshal(data, &ij); err != nil {
		return err
	}
	*i = NewInfo(ij.Usages, ij.ShardSizes)
	return nil
}

// SnapshotShard is one shard that a running snapshot reads from a node.
type SnapshotShard struct {
	Index  string `json:"index"`
	Shard  int    `json:"shard"`
	NodeID string `json:"node_id"`
	Done   bool   `json:"done"`
}

// Snapshots lists the shards of in-progress snapshots.
type Snapshots struct {
	Shards []SnapshotShard `json:"shards"`
}

// InProgress reports whether a snapshot is still reading the given shard
// from nodeID.
func (s Snapshots) InProgress(index string, shard int, nodeID string) bool {
	for _, ss := range s.Shards {
		if ss.Index == index && ss.Shard == shard && ss.NodeID == nodeID && !ss.Done {
			return true
		}
	}
	return false
}

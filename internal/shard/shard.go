package shard

import (
	"encoding/json"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/storage"
)

// State is the node-local state of a shard copy.
type State string

const (
	// StateRecovering means the copy was assigned here and is being filled.
	StateRecovering State = "recovering"
	// StateStarted means the copy is serving.
	StateStarted State = "started"
	// StateDormant means the data is on disk but the copy is not assigned
	// here. Dormant copies are what the gateway looks for after a restart.
	StateDormant State = "dormant"
)

// Record is the persisted description of a copy. Version and SyncID form
// the recovery marker reported to the coordinator.
type Record struct {
	Index        string `json:"index"`
	Shard        int    `json:"shard"`
	Primary      bool   `json:"primary"`
	AllocationID string `json:"allocation_id"`
	State        State  `json:"state"`
	Version      int64  `json:"version"`
	SyncID       string `json:"sync_id,omitempty"`
}

// ID returns the shard the record belongs to.
func (r Record) ID() routing.ShardID { return routing.ShardID{Index: r.Index, Shard: r.Shard} }

// OperationStats tracks operation counts.
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
}

// Info summarizes a copy for status endpoints.
type Info struct {
	Record
	Keys  int            `json:"keys"`
	Bytes int            `json:"bytes"`
	Ops   OperationStats `json:"ops"`
}

// Shard is one copy of a shard held by this node. Its keys live in the
// node store under a per-shard prefix.
type Shard struct {
	mu    sync.RWMutex
	rec   Record
	store storage.Store
	ops   OperationStats
}

func recordKey(id routing.ShardID) string { return "shard/" + id.Index + "/" + strconv.Itoa(id.Shard) }

func dataPrefix(id routing.ShardID) string { return "data/" + id.String() + "/" }

// Record returns a copy of the persisted description.
func (s *Shard) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec
}

func (s *Shard) State() State { return s.Record().State }

func (s *Shard) persist() error {
	b, err := json.Marshal(s.rec)
	if err != nil {
		return errors.Wrap(err, "encoding shard record")
	}
	return s.store.Put(recordKey(s.rec.ID()), b)
}

func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.ops.Gets, 1)
	return s.store.Get(dataPrefix(s.rec.ID()) + key)
}

// Put stores a value and advances the recovery marker.
func (s *Shard) Put(key string, value []byte) error {
	atomic.AddUint64(&s.ops.Puts, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Put(dataPrefix(s.rec.ID())+key, value); err != nil {
		return err
	}
	s.rec.Version++
	s.rec.SyncID = ""
	return s.persist()
}

// Delete removes a key and advances the recovery marker.
func (s *Shard) Delete(key string) error {
	atomic.AddUint64(&s.ops.Deletes, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(dataPrefix(s.rec.ID()) + key); err != nil {
		return err
	}
	s.rec.Version++
	s.rec.SyncID = ""
	return s.persist()
}

// Keys returns the keys of the copy in ascending order.
func (s *Shard) Keys() ([]string, error) {
	prefix := dataPrefix(s.rec.ID())
	keys, err := s.store.List(prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, prefix)
	}
	return keys, nil
}

// Info returns the record with key and operation counts.
func (s *Shard) Info() (Info, error) {
	keys, err := s.store.List(dataPrefix(s.rec.ID()))
	if err != nil {
		return Info{}, err
	}
	info := Info{Record: s.Record(), Keys: len(keys)}
	for _, k := range keys {
		if v, err := s.store.Get(k); err == nil {
			info.Bytes += len(v)
		}
	}
	info.Ops = OperationStats{
		Gets:    atomic.LoadUint64(&s.ops.Gets),
		Puts:    atomic.LoadUint64(&s.ops.Puts),
		Deletes: atomic.LoadUint64(&s.ops.Deletes),
	}
	return info, nil
}

// StoreCopy returns the copy as reported to the gateway allocator.
func (s *Shard) StoreCopy(nodeID string) (routing.StoreCopy, error) {
	info, err := s.Info()
	if err != nil {
		return routing.StoreCopy{}, err
	}
	return routing.StoreCopy{
		NodeID:       nodeID,
		Index:        info.Index,
		Shard:        info.Shard,
		Primary:      info.Primary,
		Version:      info.Version,
		SyncID:       info.SyncID,
		AllocationID: info.AllocationID,
		SizeBytes:    int64(info.Bytes),
	}, nil
}

// KeyShard maps a key to a shard number with FNV-1a.
func KeyShard(key string, numShards int) int {
	if numShards <= 0 {
		return -1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(numShards))
}

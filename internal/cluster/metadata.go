package cluster

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// IndexState is the open/closed state of an index.
type IndexState string

const (
	IndexOpen   IndexState = "open"
	IndexClosed IndexState = "close"
)

// IndexRouting holds the per-index allocation settings.
type IndexRouting struct {
	// Include, Exclude and Require are attribute filters. Values are comma
	// separated simple wildcard patterns.
	Include map[string]string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude map[string]string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Require map[string]string `json:"require,omitempty" yaml:"require,omitempty"`

	// TotalShardsPerNode caps the copies of this index on one node. Zero or
	// negative means unlimited.
	TotalShardsPerNode int `json:"total_shards_per_node,omitempty" yaml:"total_shards_per_node,omitempty"`

	// Enable and RebalanceEnable override the cluster-wide switches when set.
	Enable          string `json:"enable,omitempty" yaml:"enable,omitempty"`
	RebalanceEnable string `json:"rebalance_enable,omitempty" yaml:"rebalance_enable,omitempty"`
}

// IndexMetadata describes one index.
type IndexMetadata struct {
	Name             string       `json:"name"`
	NumberOfShards   int          `json:"number_of_shards"`
	NumberOfReplicas int          `json:"number_of_replicas"`
	CreationDate     int64        `json:"creation_date"`
	State            IndexState   `json:"state"`
	Version          int64        `json:"version"`
	Routing          IndexRouting `json:"routing"`
}

// Validate checks the static shape of the index.
func (im IndexMetadata) Validate() error {
	if im.Name == "" {
		return errors.New("index name must not be empty")
	}
	if im.NumberOfShards <= 0 {
		return errors.Newf("index [%s]: number_of_shards must be positive, got %d", im.Name, im.NumberOfShards)
	}
	if im.NumberOfReplicas < 0 {
		return errors.Newf("index [%s]: number_of_replicas must not be negative, got %d", im.Name, im.NumberOfReplicas)
	}
	return nil
}

// Copies returns the total number of copies of each shard.
func (im IndexMetadata) Copies() int { return im.NumberOfReplicas + 1 }

// Metadata is the immutable set of index definitions.
type Metadata struct {
	Version int64
	indices map[string]IndexMetadata
}

// NewMetadata builds metadata from index definitions.
func NewMetadata(indices ...IndexMetadata) Metadata {
	m := Metadata{indices: make(map[string]IndexMetadata, len(indices))}
	for _, im := range indices {
		m.indices[im.Name] = im
	}
	return m
}

// Index returns the named index.
func (m Metadata) Index(name string) (IndexMetadata, bool) {
	im, ok := m.indices[name]
	return im, ok
}

// Indices returns all indices ordered by name.
func (m Metadata) Indices() []IndexMetadata {
	out := make([]IndexMetadata, 0, len(m.indices))
	for _, im := range m.indices {
		out = append(out, im)
	}
	slices.SortFunc(out, func(a, b IndexMetadata) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of indices.
func (m Metadata) Len() int { return len(m.indices) }

// WithIndex returns a copy of the metadata with im added or replaced. The
// index version is bumped so nodes can tell a rewrite is needed.
func (m Metadata) WithIndex(im IndexMetadata) Metadata {
	next := m.clone()
	if prev, ok := m.indices[im.Name]; ok && im.Version <= prev.Version {
		im.Version = prev.Version + 1
	} else if im.Version == 0 {
		im.Version = 1
	}
	next.indices[im.Name] = im
	return next
}

// WithoutIndex returns a copy of the metadata without the named index.
func (m Metadata) WithoutIndex(name string) Metadata {
	next := m.clone()
	delete(next.indices, name)
	return next
}

func (m Metadata) clone() Metadata {
	next := Metadata{Version: m.Version + 1, indices: make(map[string]IndexMetadata, len(m.indices)+1)}
	for k, v := range m.indices {
		next.indices[k] = v
	}
	return next
}

type metadataJSON struct {
	Version int64           `json:"version"`
	Indices []IndexMetadata `json:"indices"`
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadataJSON{Version: m.Version, Indices: m.Indices()})
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var mj metadataJSON
	if err := json.Unmarshal(data, &mj); err != nil {
		return err
	}
	*m = NewMetadata(mj.Indices...)
	m.Version = mj.Version
	return nil
}

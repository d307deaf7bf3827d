package gateway

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/storage"
)

const metaPrefix = "meta/"

// MetaState is a node's local copy of the metadata of the indices it is
// responsible for.
//
// A node writes the metadata of every index it holds a copy of. A closed
// index has no copies anywhere, so the node also keeps writing closed
// indices it wrote before. Everything else is pruned. The record is loaded
// from the store before the first Apply so a restart does not forget
// closed indices.
type MetaState struct {
	nodeID  string
	store   storage.Store
	written map[string]cluster.IndexMetadata
}

// MetaChanges lists what one Apply wrote and pruned.
type MetaChanges struct {
	Written []string
	Pruned  []string
}

// LoadMetaState reads the indices previously written to store.
func LoadMetaState(nodeID string, store storage.Store) (*MetaState, error) {
	m := &MetaState{nodeID: nodeID, store: store, written: make(map[string]cluster.IndexMetadata)}
	keys, err := store.List(metaPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "listing meta state")
	}
	for _, k := range keys {
		b, err := store.Get(k)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", k)
		}
		var im cluster.IndexMetadata
		if err := json.Unmarshal(b, &im); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", k)
		}
		m.written[strings.TrimPrefix(k, metaPrefix)] = im
	}
	return m, nil
}

// Indices returns the names of the indices in the local record.
func (m *MetaState) Indices() []string {
	out := make([]string, 0, len(m.written))
	for name := range m.written {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Index returns the locally written metadata of an index.
func (m *MetaState) Index(name string) (cluster.IndexMetadata, bool) {
	im, ok := m.written[name]
	return im, ok
}

// Apply updates the local record from a published state. Only indices whose
// metadata changed are rewritten.
func (m *MetaState) Apply(meta cluster.Metadata, table *routing.Table) (MetaChanges, error) {
	var changes MetaChanges
	keep := make(map[string]bool)
	for _, name := range table.IndicesOnNode(m.nodeID) {
		keep[name] = true
	}

	for _, im := range meta.Indices() {
		_, wrote := m.written[im.Name]
		if !keep[im.Name] && !(im.State == cluster.IndexClosed && wrote) {
			continue
		}
		keep[im.Name] = true
		if prev, ok := m.written[im.Name]; ok && prev.Version == im.Version && prev.State == im.State {
			continue
		}
		b, err := json.Marshal(im)
		if err != nil {
			return changes, errors.Wrapf(err, "encoding metadata of %s", im.Name)
		}
		if err := m.store.Put(metaPrefix+im.Name, b); err != nil {
			return changes, errors.Wrapf(err, "writing metadata of %s", im.Name)
		}
		m.written[im.Name] = im
		changes.Written = append(changes.Written, im.Name)
	}

	for _, name := range m.Indices() {
		if keep[name] {
			if _, ok := meta.Index(name); ok {
				continue
			}
		}
		if err := m.store.Delete(metaPrefix + name); err != nil {
			return changes, errors.Wrapf(err, "pruning metadata of %s", name)
		}
		delete(m.written, name)
		changes.Pruned = append(changes.Pruned, name)
	}

	if len(changes.Written)+len(changes.Pruned) > 0 {
		glog.V(1).Infof("node %s meta state: wrote %v, pruned %v", m.nodeID, changes.Written, changes.Pruned)
	}
	return changes, nil
}

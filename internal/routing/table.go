package routing

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"golang.org/x/exp/slices"
)

// The degree of the shard btree.
const tableBtreeDegree = 16

// shardItem holds every copy of one shard. Items are shared between table
// versions and are replaced, never modified, by a Builder.
type shardItem struct {
	id     ShardID
	copies []ShardRouting
}

// Less implements the btree.Item interface.
func (a *shardItem) Less(b btree.Item) bool {
	return a.id.Compare(b.(*shardItem).id) < 0
}

// Table is one immutable version of the routing table. Readers may hold on
// to a Table for as long as they like; later versions are built through a
// Builder and never change it.
type Table struct {
	version int64
	tree    *btree.BTree
}

// EmptyTable returns version zero of an empty routing table.
func EmptyTable() *Table {
	return &Table{tree: btree.New(tableBtreeDegree)}
}

// Version returns the table version.
func (t *Table) Version() int64 { return t.version }

// Len returns the number of shards in the table.
func (t *Table) Len() int { return t.tree.Len() }

// Shard returns the copies of a shard, primary first.
func (t *Table) Shard(id ShardID) ([]ShardRouting, bool) {
	item := t.tree.Get(&shardItem{id: id})
	if item == nil {
		return nil, false
	}
	return slices.Clone(item.(*shardItem).copies), true
}

// Primary returns the primary copy of a shard.
func (t *Table) Primary(id ShardID) (ShardRouting, bool) {
	copies, ok := t.Shard(id)
	if !ok {
		return ShardRouting{}, false
	}
	for _, c := range copies {
		if c.Primary {
			return c, true
		}
	}
	return ShardRouting{}, false
}

// ForEach calls fn for every shard in id order until fn returns false. The
// copies slice must not be modified.
func (t *Table) ForEach(fn func(id ShardID, copies []ShardRouting) bool) {
	t.tree.Ascend(func(i btree.Item) bool {
		item := i.(*shardItem)
		return fn(item.id, item.copies)
	})
}

// ShardIDs returns every shard id in order.
func (t *Table) ShardIDs() []ShardID {
	ids := make([]ShardID, 0, t.tree.Len())
	t.ForEach(func(id ShardID, _ []ShardRouting) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// All returns every copy ordered by shard id.
func (t *Table) All() []ShardRouting {
	var out []ShardRouting
	t.ForEach(func(_ ShardID, copies []ShardRouting) bool {
		out = append(out, copies...)
		return true
	})
	return out
}

// Index returns the copies of every shard of the named index.
func (t *Table) Index(name string) []ShardRouting {
	var out []ShardRouting
	t.tree.AscendGreaterOrEqual(&shardItem{id: ShardID{Index: name}}, func(i btree.Item) bool {
		item := i.(*shardItem)
		if item.id.Index != name {
			return false
		}
		out = append(out, item.copies...)
		return true
	})
	return out
}

// HasIndex reports whether the table holds shards of the named index.
func (t *Table) HasIndex(name string) bool {
	found := false
	t.tree.AscendGreaterOrEqual(&shardItem{id: ShardID{Index: name}}, func(i btree.Item) bool {
		found = i.(*shardItem).id.Index == name
		return false
	})
	return found
}

// NodeShards returns the copies hosted on a node, including the initializing
// targets of relocations into it.
func (t *Table) NodeShards(nodeID string) []ShardRouting {
	var out []ShardRouting
	t.ForEach(func(_ ShardID, copies []ShardRouting) bool {
		for _, c := range copies {
			switch {
			case c.NodeID == nodeID:
				out = append(out, c)
			case c.Relocating() && c.RelocatingNodeID == nodeID:
				out = append(out, c.Target())
			}
		}
		return true
	})
	return out
}

// IndicesOnNode returns the sorted names of indices with at least one copy
// on the node. It is the authoritative input for the node's local metadata.
func (t *Table) IndicesOnNode(nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range t.NodeShards(nodeID) {
		if !seen[c.Index] {
			seen[c.Index] = true
			out = append(out, c.Index)
		}
	}
	slices.Sort(out)
	return out
}

// Unassigned returns all unassigned copies.
func (t *Table) Unassigned() []ShardRouting {
	var out []ShardRouting
	t.ForEach(func(_ ShardID, copies []ShardRouting) bool {
		for _, c := range copies {
			if c.State == StateUnassigned {
				out = append(out, c)
			}
		}
		return true
	})
	return out
}

// Builder returns a builder seeded with this table. The table is not
// affected by anything done through the builder.
func (t *Table) Builder() *Builder {
	return &Builder{base: t.version, tree: t.tree.Clone()}
}

// Builder produces the next version of a Table.
type Builder struct {
	base int64
	tree *btree.BTree
}

// Set replaces every copy of a shard.
func (b *Builder) Set(id ShardID, copies []ShardRouting) *Builder {
	b.tree.ReplaceOrInsert(&shardItem{id: id, copies: sortCopies(copies)})
	return b
}

// AddIndex adds unassigned copies for every shard of a new index.
func (b *Builder) AddIndex(name string, shards, replicas int, info *UnassignedInfo) *Builder {
	for n := 0; n < shards; n++ {
		id := ShardID{Index: name, Shard: n}
		copies := make([]ShardRouting, 0, replicas+1)
		copies = append(copies, NewUnassigned(id, true, info))
		for r := 0; r < replicas; r++ {
			copies = append(copies, NewUnassigned(id, false, info))
		}
		b.Set(id, copies)
	}
	return b
}

// RemoveIndex drops every shard of the named index.
func (b *Builder) RemoveIndex(name string) *Builder {
	var doomed []btree.Item
	b.tree.AscendGreaterOrEqual(&shardItem{id: ShardID{Index: name}}, func(i btree.Item) bool {
		if i.(*shardItem).id.Index != name {
			return false
		}
		doomed = append(doomed, i)
		return true
	})
	for _, i := range doomed {
		b.tree.Delete(i)
	}
	return b
}

// Build returns the next table version.
func (b *Builder) Build() *Table {
	return &Table{version: b.base + 1, tree: b.tree.Clone()}
}

// sortCopies orders copies primary first, keeping the relative order of the
// rest.
func sortCopies(copies []ShardRouting) []ShardRouting {
	out := slices.Clone(copies)
	slices.SortStableFunc(out, func(a, b ShardRouting) int {
		switch {
		case a.Primary && !b.Primary:
			return -1
		case !a.Primary && b.Primary:
			return 1
		}
		return 0
	})
	return out
}

type tableJSON struct {
	Version int64          `json:"version"`
	Shards  []ShardRouting `json:"shards"`
}

// MarshalJSON renders the table as its version and a flat copy list.
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(tableJSON{Version: t.version, Shards: t.All()})
}

// UnmarshalJSON rebuilds a table from MarshalJSON output.
func (t *Table) UnmarshalJSON(data []byte) error {
	var raw tableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decoding routing table")
	}
	grouped := make(map[ShardID][]ShardRouting)
	for _, sr := range raw.Shards {
		grouped[sr.ShardID] = append(grouped[sr.ShardID], sr)
	}
	t.version = raw.Version
	t.tree = btree.New(tableBtreeDegree)
	for id, copies := range grouped {
		t.tree.ReplaceOrInsert(&shardItem{id: id, copies: sortCopies(copies)})
	}
	return nil
}

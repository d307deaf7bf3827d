package cluster

import (
	"encoding/json"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/exp/slices"
)

// Node is a cluster member able to host shard copies.
//
// Attributes carry operator supplied tags such as zone or rack; they are what
// the filter and awareness deciders match against. Version is the semantic
// version the node advertises when it joins.
type Node struct {
	ID         string            `json:"id"`
	Addr       string            `json:"addr"`
	Host       string            `json:"host,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Version    string            `json:"version,omitempty"`
}

// Attribute returns the value of the named attribute.
func (n Node) Attribute(key string) (string, bool) {
	v, ok := n.Attributes[key]
	return v, ok
}

// SemVer parses the advertised version. It returns nil when the node did not
// advertise one or the value is not a valid semantic version.
func (n Node) SemVer() *semver.Version {
	if n.Version == "" {
		return nil
	}
	v, err := semver.NewVersion(n.Version)
	if err != nil {
		return nil
	}
	return v
}

// Nodes is an immutable set of nodes indexed by id. The zero value is an
// empty set. Methods that change membership return a new set.
type Nodes struct {
	byID map[string]Node
	ids  []string
}

// NewNodes builds a node set. Later duplicates replace earlier ones.
func NewNodes(nodes ...Node) Nodes {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	return fromMap(byID)
}

func fromMap(byID map[string]Node) Nodes {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return Nodes{byID: byID, ids: ids}
}

// Get returns the node with the given id.
func (ns Nodes) Get(id string) (Node, bool) {
	n, ok := ns.byID[id]
	return n, ok
}

// Has reports whether id is a member.
func (ns Nodes) Has(id string) bool {
	_, ok := ns.byID[id]
	return ok
}

// Len returns the number of nodes.
func (ns Nodes) Len() int { return len(ns.ids) }

// IDs returns node ids in ascending order.
func (ns Nodes) IDs() []string {
	return slices.Clone(ns.ids)
}

// All returns the nodes ordered by id.
func (ns Nodes) All() []Node {
	out := make([]Node, 0, len(ns.ids))
	for _, id := range ns.ids {
		out = append(out, ns.byID[id])
	}
	return out
}

// With returns a copy of the set containing n, replacing any node with the
// same id.
func (ns Nodes) With(n Node) Nodes {
	byID := make(map[string]Node, len(ns.byID)+1)
	for id, existing := range ns.byID {
		byID[id] = existing
	}
	byID[n.ID] = n
	return fromMap(byID)
}

// Without returns a copy of the set with the node removed.
func (ns Nodes) Without(id string) Nodes {
	byID := make(map[string]Node, len(ns.byID))
	for nid, existing := range ns.byID {
		if nid != id {
			byID[nid] = existing
		}
	}
	return fromMap(byID)
}

// MarshalJSON encodes the set as a list ordered by id.
func (ns Nodes) MarshalJSON() ([]byte, error) { return json.Marshal(ns.All()) }

func (ns *Nodes) UnmarshalJSON(data []byte) error {
	var list []Node
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*ns = NewNodes(list...)
	return nil
}

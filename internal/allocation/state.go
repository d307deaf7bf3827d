package allocation

import (
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
)

// State is one published version of the cluster: its members, its indices
// and where every shard copy lives. States are values; the service returns
// a new one instead of changing its input.
type State struct {
	Version  int64            `json:"version"`
	Nodes    cluster.Nodes    `json:"nodes"`
	Metadata cluster.Metadata `json:"metadata"`
	Routing  *routing.Table   `json:"routing"`
}

// NewState returns the first state of a cluster with no indices.
func NewState(nodes cluster.Nodes) State {
	return State{Nodes: nodes, Metadata: cluster.NewMetadata(), Routing: routing.EmptyTable()}
}

// Health is the coarse allocation status of the cluster.
type Health string

const (
	// Green: every copy is assigned.
	Green Health = "green"
	// Yellow: every primary is assigned, some replica is not.
	Yellow Health = "yellow"
	// Red: some primary is unassigned.
	Red Health = "red"
)

// HealthOf computes the health of a table.
func HealthOf(table *routing.Table) Health {
	h := Green
	for _, sr := range table.Unassigned() {
		if sr.Primary {
			return Red
		}
		h = Yellow
	}
	return h
}

// UnassignedShard explains one unassigned copy to an operator.
type UnassignedShard struct {
	Shard       routing.ShardID          `json:"shard"`
	Primary     bool                     `json:"primary"`
	Reason      routing.Reason           `json:"reason"`
	Status      routing.AllocationStatus `json:"status"`
	Description string                   `json:"description"`
	Details     string                   `json:"details,omitempty"`
	Attempts    int                      `json:"failed_attempts,omitempty"`
}

// UnassignedOf lists the unassigned copies of a table in shard order.
func UnassignedOf(table *routing.Table) []UnassignedShard {
	var out []UnassignedShard
	for _, sr := range table.Unassigned() {
		u := UnassignedShard{Shard: sr.ShardID, Primary: sr.Primary, Status: routing.StatusNoAttempt}
		if info := sr.UnassignedInfo; info != nil {
			u.Reason = info.Reason
			u.Status = info.Status
			u.Details = info.Details
			u.Attempts = info.FailedAttempts
		}
		u.Description = u.Status.Description()
		out = append(out, u)
	}
	return out
}

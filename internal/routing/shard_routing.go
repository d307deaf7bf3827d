package routing

import (
	"fmt"
	"time"
)

// ShardID identifies a shard by index name and shard number.
type ShardID struct {
	Index string `json:"index"`
	Shard int    `json:"shard"`
}

func (id ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", id.Index, id.Shard)
}

// Compare orders shard ids by index name, then shard number.
func (id ShardID) Compare(o ShardID) int {
	switch {
	case id.Index < o.Index:
		return -1
	case id.Index > o.Index:
		return 1
	case id.Shard < o.Shard:
		return -1
	case id.Shard > o.Shard:
		return 1
	}
	return 0
}

// ShardState is the placement state of one shard copy.
type ShardState string

const (
	StateUnassigned   ShardState = "UNASSIGNED"
	StateInitializing ShardState = "INITIALIZING"
	StateStarted      ShardState = "STARTED"
	StateRelocating   ShardState = "RELOCATING"
)

// Reason records why a copy became unassigned.
type Reason string

const (
	ReasonIndexCreated     Reason = "INDEX_CREATED"
	ReasonClusterRecovered Reason = "CLUSTER_RECOVERED"
	ReasonIndexReopened    Reason = "INDEX_REOPENED"
	ReasonNodeLeft         Reason = "NODE_LEFT"
	ReasonAllocationFailed Reason = "ALLOCATION_FAILED"
	ReasonReplicaAdded     Reason = "REPLICA_ADDED"
	ReasonRerouteCancelled Reason = "REROUTE_CANCELLED"
	ReasonReinitialized    Reason = "REINITIALIZED"
)

// AllocationStatus is the outcome of the last attempt to assign a copy.
type AllocationStatus string

const (
	StatusNoAttempt         AllocationStatus = "NO_ATTEMPT"
	StatusNoValidShardCopy  AllocationStatus = "NO_VALID_SHARD_COPY"
	StatusDecidersNo        AllocationStatus = "DECIDERS_NO"
	StatusDecidersThrottled AllocationStatus = "DECIDERS_THROTTLED"
)

// Description is the operator facing text for the status.
func (s AllocationStatus) Description() string {
	switch s {
	case StatusNoValidShardCopy:
		return "no data found"
	case StatusDecidersNo:
		return "no valid node found"
	case StatusDecidersThrottled:
		return "allocation throttled"
	default:
		return "no attempt"
	}
}

// UnassignedInfo explains an unassigned copy. Values are shared between
// table versions and are never modified once built.
type UnassignedInfo struct {
	Reason         Reason           `json:"reason"`
	At             time.Time        `json:"at"`
	Details        string           `json:"details,omitempty"`
	FailedAttempts int              `json:"failed_attempts,omitempty"`
	Status         AllocationStatus `json:"last_allocation_status"`
}

// NewUnassignedInfo returns info for a copy that has not been tried yet.
func NewUnassignedInfo(reason Reason, at time.Time, details string) *UnassignedInfo {
	return &UnassignedInfo{Reason: reason, At: at, Details: details, Status: StatusNoAttempt}
}

func (u *UnassignedInfo) withStatus(s AllocationStatus) *UnassignedInfo {
	next := *u
	next.Status = s
	return &next
}

// ShardRouting is the placement of one copy of a shard.
//
// A relocation is recorded once, on the source copy: State is
// StateRelocating, NodeID is the source and RelocatingNodeID the target.
// Target returns the initializing copy on the target node.
type ShardRouting struct {
	ShardID
	Primary            bool            `json:"primary"`
	State              ShardState      `json:"state"`
	NodeID             string          `json:"node,omitempty"`
	RelocatingNodeID   string          `json:"relocating_node,omitempty"`
	AllocationID       string          `json:"allocation_id,omitempty"`
	TargetAllocationID string          `json:"target_allocation_id,omitempty"`
	ExpectedSize       int64           `json:"expected_size,omitempty"`
	UnassignedInfo     *UnassignedInfo `json:"unassigned_info,omitempty"`
}

// NewUnassigned returns an unassigned copy.
func NewUnassigned(id ShardID, primary bool, info *UnassignedInfo) ShardRouting {
	return ShardRouting{ShardID: id, Primary: primary, State: StateUnassigned, UnassignedInfo: info}
}

// Assigned reports whether the copy has a node.
func (sr ShardRouting) Assigned() bool { return sr.NodeID != "" }

// Active reports whether the copy holds a usable, fully recovered copy.
func (sr ShardRouting) Active() bool {
	return sr.State == StateStarted || sr.State == StateRelocating
}

// Relocating reports whether the copy is the source of a relocation.
func (sr ShardRouting) Relocating() bool { return sr.State == StateRelocating }

// Initializing reports whether the copy is recovering on its node.
func (sr ShardRouting) Initializing() bool { return sr.State == StateInitializing }

// IsRelocationTarget reports whether the copy is the initializing side of a
// relocation, as returned by Target.
func (sr ShardRouting) IsRelocationTarget() bool {
	return sr.State == StateInitializing && sr.RelocatingNodeID != ""
}

// Target returns the initializing copy a relocation is building on
// RelocatingNodeID. It panics when called on a copy that is not relocating.
func (sr ShardRouting) Target() ShardRouting {
	if sr.State != StateRelocating {
		panic(fmt.Sprintf("shard %s on %s is not relocating", sr.ShardID, sr.NodeID))
	}
	return ShardRouting{
		ShardID:          sr.ShardID,
		Primary:          sr.Primary,
		State:            StateInitializing,
		NodeID:           sr.RelocatingNodeID,
		RelocatingNodeID: sr.NodeID,
		AllocationID:     sr.TargetAllocationID,
		ExpectedSize:     sr.ExpectedSize,
	}
}

// SizeKey is the key shard sizes are reported under in cluster.Info.
func (sr ShardRouting) SizeKey() string {
	role := "r"
	if sr.Primary {
		role = "p"
	}
	return fmt.Sprintf("%s[%s]", sr.ShardID, role)
}

// NeverAllocated reports whether the copy is a primary that has never been
// assigned since its index was created.
func (sr ShardRouting) NeverAllocated() bool {
	return sr.Primary && sr.UnassignedInfo != nil && sr.UnassignedInfo.Reason == ReasonIndexCreated
}

func (sr ShardRouting) String() string {
	s := sr.ShardID.String()
	if sr.Primary {
		s += "[P]"
	} else {
		s += "[R]"
	}
	if sr.NodeID != "" {
		s += " node[" + sr.NodeID + "]"
	}
	if sr.RelocatingNodeID != "" {
		s += " relocating[" + sr.RelocatingNodeID + "]"
	}
	s += " " + string(sr.State)
	if sr.UnassignedInfo != nil {
		s += fmt.Sprintf(" reason[%s] status[%s]", sr.UnassignedInfo.Reason, sr.UnassignedInfo.Status)
	}
	return s
}

func (sr ShardRouting) initialize(nodeID, allocationID string, expectedSize int64) ShardRouting {
	sr.State = StateInitializing
	sr.NodeID = nodeID
	sr.RelocatingNodeID = ""
	sr.AllocationID = allocationID
	sr.TargetAllocationID = ""
	sr.ExpectedSize = expectedSize
	return sr
}

func (sr ShardRouting) moveToStarted() ShardRouting {
	sr.State = StateStarted
	sr.ExpectedSize = 0
	sr.UnassignedInfo = nil
	return sr
}

func (sr ShardRouting) relocate(targetNodeID, targetAllocationID string, expectedSize int64) ShardRouting {
	sr.State = StateRelocating
	sr.RelocatingNodeID = targetNodeID
	sr.TargetAllocationID = targetAllocationID
	sr.ExpectedSize = expectedSize
	return sr
}

func (sr ShardRouting) cancelRelocation() ShardRouting {
	sr.State = StateStarted
	sr.RelocatingNodeID = ""
	sr.TargetAllocationID = ""
	sr.ExpectedSize = 0
	return sr
}

func (sr ShardRouting) completeRelocation() ShardRouting {
	sr.State = StateStarted
	sr.NodeID = sr.RelocatingNodeID
	sr.AllocationID = sr.TargetAllocationID
	sr.RelocatingNodeID = ""
	sr.TargetAllocationID = ""
	sr.ExpectedSize = 0
	return sr
}

func (sr ShardRouting) moveToUnassigned(info *UnassignedInfo) ShardRouting {
	return ShardRouting{ShardID: sr.ShardID, Primary: sr.Primary, State: StateUnassigned, UnassignedInfo: info}
}

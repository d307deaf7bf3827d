// Package cluster holds the inputs of an allocation pass that are owned by
// other subsystems: node membership, index metadata, disk statistics and the
// set of shards currently being snapshotted.
//
// # Overview
//
// Every type in this package is treated as a read-only snapshot. The
// coordinator captures one of each before a reroute pass starts and hands
// them to the allocation service; nothing here is refreshed mid-pass.
//
//	┌──────────────┐   join/leave    ┌──────────────┐
//	│    Nodes     │◀────────────────│  node agent  │
//	└──────┬───────┘                 └──────┬───────┘
//	       │                                │ disk usage
//	       ▼                                ▼
//	┌──────────────┐                 ┌──────────────┐
//	│   Metadata   │                 │     Info     │
//	└──────┬───────┘                 └──────┬───────┘
//	       └───────────────┬────────────────┘
//	                       ▼
//	               allocation pass
//
// # Core Types
//
// Node: identity, address, host, attributes (zone, rack, ...) and the
// advertised semantic version.
//
// Nodes: an immutable, id-ordered node set. With/Without return copies.
//
// IndexMetadata / Metadata: shard and replica counts, open/closed state and
// the per-index routing settings (filters, shard limits, enable switches).
//
// Info: per-node DiskUsage and per-copy shard sizes.
//
// Snapshots: shards an in-progress snapshot is still reading.
//
// # Communication
//
// PostJSON and GetJSON are the JSON-over-HTTP helpers shared by the
// coordinator and the node agent.
package cluster

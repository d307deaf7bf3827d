// Package coordinator holds the authoritative cluster state and is the only
// place that changes it.
//
// # Overview
//
// The coordinator is the control plane of a placement cluster. Nodes join
// and leave through it, operators create, close, open and delete indices
// through it, and nodes report back which shard copies finished recovering
// or failed. Each of those events becomes one reroute pass of the
// allocation service.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│               COORDINATOR                │
//	├──────────────────────────────────────────┤
//	│  writer lock ── one pass at a time       │
//	│      │                                   │
//	│      ├─ Collector   disk usage + store   │
//	│      │              listings, per-node   │
//	│      │              timeouts             │
//	│      ├─ allocation.Service               │
//	│      └─ listeners   Broadcaster → nodes  │
//	│                                          │
//	│  HealthMonitor ── probes → Leave(ids)    │
//	│  Router        ── key → shard → primary  │
//	└──────────────────────────────────────────┘
//
// # Core Components
//
// Coordinator: serializes passes with a single writer lock. Before a pass it
// asks the Collector for fresh node info; the info is read-only while the
// pass runs. Readers get the last published state without waiting for a
// pass in progress.
//
// NodeCollector: fetches disk usage and on-disk shard copies from every node
// in parallel. A node that fails or does not answer within the timeout
// contributes nothing: no disk usage and no copies.
//
// Broadcaster: posts every changed state to each member's /state endpoint.
// States are complete, so a node that misses one catches up on the next.
//
// HealthMonitor: probes /health on every member. After three consecutive
// failures the node is reported unhealthy; the coordinator binary wires that
// to Leave, which fails the node's copies and promotes replicas.
//
// Router: hashes a key (FNV-1a) onto one of the index's shards and returns
// the node holding that shard's active primary.
//
// # Consistency
//
// Listeners receive states in version order: a pass hands over from the
// writer lock to the publish lock before releasing it, so a later pass can
// compute its state while the previous one is being delivered but cannot
// overtake it.
package coordinator

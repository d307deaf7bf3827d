// Package routing models where every copy of every shard lives.
//
// # Tables and passes
//
// A Table is one immutable version of the routing table. It is backed by a
// copy-on-write B-tree, so building the next version through a Builder
// costs a clone of the root and never disturbs readers of the old one.
//
// A reroute pass does not edit a Table directly. It opens a RoutingNodes
// working copy, which indexes the same copies by shard and by node and
// offers the state transitions an allocator may make:
//
//	UNASSIGNED ──Initialize──▶ INITIALIZING ──StartShard──▶ STARTED
//	     ▲                          │                          │
//	     └────────FailShard─────────┘                      Relocate
//	                                                           ▼
//	              STARTED (on target) ◀──StartShard──── RELOCATING
//
// When the pass ends, Build folds the modified shards back into a new
// Table version. A pass that changed nothing returns the table it started
// from, version included.
//
// # Allocation context
//
// Allocation bundles the working copy with the read-only inputs captured
// before the pass (nodes, index metadata, disk usage, snapshots and on-disk
// store listings). Deciders receive it with every question.
package routing

// Package shard keeps the shard copies a node holds.
//
// # Overview
//
// A copy lives in the node store: its keys under "data/[index][n]/" and its
// Record under "shard/<index>/<n>". The record carries the recovery marker
// the gateway allocator compares after a restart:
//
//	Version   bumped on every write to the copy
//	SyncID    allocation id of the primary the copy last recovered from,
//	          cleared by the first write after that
//
// # Lifecycle
//
//	          assigned here           recovered
//	(none) ───────────────▶ recovering ─────────▶ started
//	                             ▲                    │ no longer assigned
//	                             │ assigned again     ▼
//	                             └──────────────── dormant ──▶ deleted
//
// A dormant copy is deleted once its index is gone or every copy of the
// shard is started on other nodes. Until then it stays on disk so the
// gateway can bring it back.
//
// Registry.Apply performs these transitions from a published routing table
// and returns the copies to report as started.
package shard

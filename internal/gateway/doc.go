// Package gateway brings existing shard data back after a restart or a
// node rejoin.
//
// Before a reroute pass the coordinator asks every node which shard copies
// it has on disk (FetchStores). Allocator then runs ahead of the balanced
// allocator: unassigned primaries go to the node with the freshest copy the
// deciders accept, and replicas of active primaries prefer a node that
// already has a copy in sync with the primary. Copies with no data anywhere
// are marked "no data found" and wait for an operator.
//
// MetaState is the node side: the local record of index metadata a node
// has written, reloaded on start.
package gateway

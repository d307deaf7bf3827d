// Package allocation computes cluster states.
//
// A Service takes the current State plus one change (a node joining or
// leaving, shards reported started or failed, an index created, closed,
// opened or deleted) and runs a reroute pass over it:
//
//	copies on departed nodes fail (replicas are promoted)
//	        |
//	gateway allocator   existing on-disk copies first
//	        |
//	shards allocator    new copies, moves, rebalancing
//	        |
//	validate + build    the next State, same version if nothing changed
//
// Every placement goes through the composite decider built by a Module,
// which also maps the configured allocator name to its implementation.
package allocation

// Package allocator places unassigned shard copies and rebalances assigned
// ones across the live nodes.
package allocator

import (
	"github.com/dreamware/placement/internal/routing"
)

// ShardsAllocator is a placement algorithm run once per reroute pass after
// the gateway allocator. It changes the routing only through
// a.Routing and only where the deciders allow it.
type ShardsAllocator interface {
	Name() string
	Allocate(a *routing.Allocation) error
}

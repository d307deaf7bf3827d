package decider

import (
	"github.com/dustin/go-humanize"

	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
)

// DiskThreshold keeps shards off nodes whose disks are filling up.
//
// New copies are refused on nodes past the low watermark, except primaries
// that have never been allocated, which only need the node to stay below
// the high watermark. No copy is placed where it would push the node past
// the high watermark, and copies on a node already past it may not remain.
// A node that has not reported its usage receives nothing.
type DiskThreshold struct {
	Base
	enabled            bool
	low, high          settings.Watermark
	includeRelocations bool
}

func NewDiskThreshold(s settings.Disk) (*DiskThreshold, error) {
	d := &DiskThreshold{enabled: s.Enabled, includeRelocations: s.IncludeRelocations}
	if !s.Enabled {
		return d, nil
	}
	var err error
	if d.low, err = settings.ParseWatermark(s.LowWatermark); err != nil {
		return nil, err
	}
	if d.high, err = settings.ParseWatermark(s.HighWatermark); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DiskThreshold) Name() string { return "disk_threshold" }

func (d *DiskThreshold) CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	if dec, done := d.preflight(a); done {
		return dec
	}
	usage, ok := a.Info.Usage(node.ID)
	if !ok {
		return NewDecision(No, d.Name(), "disk usage of node [%s] is unknown", node.ID)
	}
	free := usage.FreeBytes
	if d.includeRelocations {
		_, incoming := node.RelocatingShards()
		free = sub(free, incoming)
	}

	if sr.NeverAllocated() {
		if d.high.Exceeded(usage.TotalBytes, free) {
			return NewDecision(No, d.Name(), "node is above the high watermark [%s], free [%s], new primary cannot be allocated",
				d.high, humanize.IBytes(free))
		}
	} else if d.low.Exceeded(usage.TotalBytes, free) {
		return NewDecision(No, d.Name(), "node is above the low watermark [%s], free [%s]", d.low, humanize.IBytes(free))
	}

	size := a.ExpectedSize(sr)
	after := sub(free, size)
	if d.high.Exceeded(usage.TotalBytes, after) {
		return NewDecision(No, d.Name(), "allocating the shard [%s] would leave [%s] free, above the high watermark [%s]",
			humanize.IBytes(uint64(max(size, 0))), humanize.IBytes(after), d.high)
	}
	return NewDecision(Yes, d.Name(), "enough disk for shard on node, free after allocation [%s]", humanize.IBytes(after))
}

func (d *DiskThreshold) CanRemain(_ routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	if dec, done := d.preflight(a); done {
		return dec
	}
	usage, ok := a.Info.Usage(node.ID)
	if !ok {
		return NewDecision(Yes, d.Name(), "disk usage of node [%s] is unknown, shards may remain", node.ID)
	}
	free := usage.FreeBytes
	if d.includeRelocations {
		outgoing, incoming := node.RelocatingShards()
		free = sub(free, incoming) + uint64(max(outgoing, 0))
	}
	if d.high.Exceeded(usage.TotalBytes, free) {
		return NewDecision(No, d.Name(), "node is above the high watermark [%s], free [%s], shards cannot remain",
			d.high, humanize.IBytes(free))
	}
	return NewDecision(Yes, d.Name(), "node is below the high watermark, free [%s]", humanize.IBytes(free))
}

func (d *DiskThreshold) preflight(a *routing.Allocation) (Decision, bool) {
	if !d.enabled {
		return NewDecision(Yes, d.Name(), "disk threshold decider is disabled"), true
	}
	if len(a.Routing.LiveNodes()) <= 1 {
		return NewDecision(Yes, d.Name(), "only a single data node is present"), true
	}
	return Decision{}, false
}

func sub(free uint64, bytes int64) uint64 {
	if bytes <= 0 {
		return free
	}
	if uint64(bytes) >= free {
		return 0
	}
	return free - uint64(bytes)
}

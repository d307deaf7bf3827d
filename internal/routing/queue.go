package routing

import (
	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/emirpasic/gods/utils"

	"github.com/dreamware/placement/internal/cluster"
)

// UnassignedQueue hands out unassigned copies most constrained first:
// primaries before replicas, then copies of larger indices, then older
// indices, then by index name and shard number.
type UnassignedQueue struct {
	q *priorityqueue.Queue
}

// NewUnassignedQueue orders the given copies using the index metadata.
func NewUnassignedQueue(copies []*ShardRouting, meta cluster.Metadata) *UnassignedQueue {
	var cmp utils.Comparator = func(a, b interface{}) int {
		return compareUnassigned(a.(*ShardRouting), b.(*ShardRouting), meta)
	}
	q := priorityqueue.NewWith(cmp)
	for _, sr := range copies {
		q.Enqueue(sr)
	}
	return &UnassignedQueue{q: q}
}

// Poll removes and returns the next copy.
func (u *UnassignedQueue) Poll() (*ShardRouting, bool) {
	v, ok := u.q.Dequeue()
	if !ok {
		return nil, false
	}
	return v.(*ShardRouting), true
}

// Len returns the number of queued copies.
func (u *UnassignedQueue) Len() int { return u.q.Size() }

func compareUnassigned(a, b *ShardRouting, meta cluster.Metadata) int {
	if a.Primary != b.Primary {
		if a.Primary {
			return -1
		}
		return 1
	}
	if a.Index != b.Index {
		ai, _ := meta.Index(a.Index)
		bi, _ := meta.Index(b.Index)
		as, bs := ai.NumberOfShards*ai.Copies(), bi.NumberOfShards*bi.Copies()
		switch {
		case as > bs:
			return -1
		case as < bs:
			return 1
		case ai.CreationDate < bi.CreationDate:
			return -1
		case ai.CreationDate > bi.CreationDate:
			return 1
		}
	}
	return a.ShardID.Compare(b.ShardID)
}

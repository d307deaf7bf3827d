package coordinator

import (
	"context"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
)

// Broadcaster pushes published states to every member's /state endpoint.
// Delivery is best effort: a node that misses a state catches up with the
// next one, since every state is complete.
type Broadcaster struct {
	Timeout time.Duration
	// Post sends one state to one node. Defaults to cluster.PostJSON.
	Post func(ctx context.Context, url string, body any) error
}

func NewBroadcaster(timeout time.Duration) *Broadcaster {
	return &Broadcaster{
		Timeout: timeout,
		Post: func(ctx context.Context, url string, body any) error {
			return cluster.PostJSON(ctx, url, body, nil)
		},
	}
}

// Publish sends st to its members and waits for all of them to answer or
// time out. It returns the ids of the nodes that did not take the state.
func (b *Broadcaster) Publish(st allocation.State) []string {
	var (
		g      errgroup.Group
		failed = make([]bool, st.Nodes.Len())
		nodes  = st.Nodes.All()
	)
	g.SetLimit(16)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), b.Timeout)
			defer cancel()
			if err := b.Post(ctx, n.Addr+"/state", st); err != nil {
				glog.Warningf("publishing state version %d to %s: %v", st.Version, n.ID, err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, f := range failed {
		if f {
			out = append(out, nodes[i].ID)
		}
	}
	return out
}

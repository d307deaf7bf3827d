package coordinator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/cluster"
)

// Node health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the probe results of one node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor probes every member periodically. A node that fails
// maxFailures probes in a row is reported through the unhealthy callback,
// once, and is reported again only after it recovered in between.
//
// Thread-safe: all methods may be called concurrently.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, node cluster.Node) error
	onUnhealthy func(nodeIDs []string)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
	now         func() time.Time
}

// NewHealthMonitor creates a monitor probing every interval. Probes time out
// after two seconds and three consecutive failures mark a node unhealthy.
//
// Example:
//
//	monitor := NewHealthMonitor(5 * time.Second)
//	monitor.SetOnUnhealthy(func(ids []string) { coord.Leave(ctx, ids...) })
//	go monitor.Start(ctx, members)
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked with the nodes that became
// unhealthy during one round of probes. It runs on the monitor goroutine
// without any monitor lock held.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeIDs []string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP probe.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, node cluster.Node) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Start probes the nodes returned by nodeProvider until ctx or the monitor
// is stopped. It blocks; run it on its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.Node) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	glog.Infof("health monitor started, interval %s", h.interval)
	h.CheckNodes(ctx, nodeProvider())
	for {
		select {
		case <-ticker.C:
			h.CheckNodes(ctx, nodeProvider())
		case <-ctx.Done():
			glog.Info("health monitor stopping: context done")
			return
		case <-h.ctx.Done():
			glog.Info("health monitor stopping")
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckNodes runs one round of probes, forgets nodes no longer given and
// reports the ones that just became unhealthy.
func (h *HealthMonitor) CheckNodes(ctx context.Context, nodes []cluster.Node) {
	current := make(map[string]bool, len(nodes))
	var (
		mu   sync.Mutex
		down []string
		wg   sync.WaitGroup
	)
	for _, n := range nodes {
		current[n.ID] = true
		wg.Add(1)
		go func(n cluster.Node) {
			defer wg.Done()
			if h.checkNode(ctx, n) {
				mu.Lock()
				down = append(down, n.ID)
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			glog.V(1).Infof("stopped monitoring node %s", id)
		}
	}
	callback := h.onUnhealthy
	h.mu.Unlock()

	if len(down) > 0 && callback != nil {
		slices.Sort(down)
		callback(down)
	}
}

// checkNode probes one node and reports whether it just became unhealthy.
func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.Node) bool {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := h.now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := check(cctx, node)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = h.now()
	if err != nil {
		health.ConsecutiveFails++
		glog.Warningf("health check of node %s failed (%d/%d): %v", node.ID, health.ConsecutiveFails, h.maxFailures, err)
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			glog.Infof("node %s is unhealthy after %d failed checks", node.ID, health.ConsecutiveFails)
			return true
		}
		return false
	}
	if health.Status == StatusUnhealthy {
		glog.Infof("node %s recovered", node.ID)
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
	return false
}

// defaultHealthCheck expects 200 OK from the node's /health endpoint.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, node cluster.Node) error {
	url := node.Addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the node's record, or nil when the node
// is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every record, keyed by node id.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		out[id] = &cp
	}
	return out
}

// IsHealthy reports whether the node's last probe succeeded.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}

package decider

import (
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/routing"
	"github.com/dreamware/placement/internal/settings"
)

// Filter applies include, exclude and require attribute filters at index
// and cluster level. Besides node attributes the keys _id, _name, _host and
// _ip are understood. Values are comma separated wildcard patterns.
type Filter struct {
	Base
	cluster settings.Filters
}

// NewFilter returns the filter decider for the cluster-level filters.
func NewFilter(f settings.Filters) *Filter {
	return &Filter{cluster: f}
}

func (d *Filter) Name() string { return "filter" }

func (d *Filter) CanAllocate(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.check(sr, node, a)
}

func (d *Filter) CanRemain(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	return d.check(sr, node, a)
}

func (d *Filter) check(sr routing.ShardRouting, node *routing.RoutingNode, a *routing.Allocation) Decision {
	if im, ok := a.Metadata.Index(sr.Index); ok {
		r := im.Routing
		if dec, ok := d.apply("index", r.Require, r.Include, r.Exclude, node.Node); !ok {
			return dec
		}
	}
	c := d.cluster
	if dec, ok := d.apply("cluster", c.Require, c.Include, c.Exclude, node.Node); !ok {
		return dec
	}
	return NewDecision(Yes, d.Name(), "node passes include/exclude/require filters")
}

func (d *Filter) apply(level string, require, include, exclude map[string]string, n cluster.Node) (Decision, bool) {
	if len(require) > 0 && !matchFilters(require, n, true) {
		return NewDecision(No, d.Name(), "node does not match %s setting [require] filters %v", level, require), false
	}
	if len(include) > 0 && !matchFilters(include, n, false) {
		return NewDecision(No, d.Name(), "node does not match %s setting [include] filters %v", level, include), false
	}
	if len(exclude) > 0 && matchFilters(exclude, n, false) {
		return NewDecision(No, d.Name(), "node matches %s setting [exclude] filters %v", level, exclude), false
	}
	return Decision{}, true
}

// matchFilters matches every filter when all is set and any filter
// otherwise.
func matchFilters(filters map[string]string, n cluster.Node, all bool) bool {
	for key, patterns := range filters {
		value, ok := nodeValue(n, key)
		matched := ok && matchAny(patterns, value)
		if all && !matched {
			return false
		}
		if !all && matched {
			return true
		}
	}
	return all
}

func nodeValue(n cluster.Node, key string) (string, bool) {
	switch key {
	case "_id", "_name":
		return n.ID, true
	case "_host":
		return n.Host, n.Host != ""
	case "_ip":
		ip := nodeIP(n)
		return ip, ip != ""
	}
	return n.Attribute(key)
}

func nodeIP(n cluster.Node) string {
	host := n.Host
	if u, err := url.Parse(n.Addr); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

func matchAny(patterns, value string) bool {
	for _, p := range strings.Split(patterns, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if ok, err := path.Match(p, value); err == nil && ok {
			return true
		}
	}
	return false
}

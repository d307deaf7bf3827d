package allocation

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/placement/internal/allocation/allocator"
	"github.com/dreamware/placement/internal/allocation/decider"
	"github.com/dreamware/placement/internal/settings"
)

var (
	// ErrDuplicateDecider is returned when a decider name is registered twice.
	ErrDuplicateDecider = errors.New("decider already registered")
	// ErrDuplicateAllocator is returned when an allocator name is registered twice.
	ErrDuplicateAllocator = errors.New("allocator already registered")
	// ErrUnknownAllocator is returned when settings name an allocator nobody registered.
	ErrUnknownAllocator = errors.New("unknown allocator")
)

// DeciderFactory builds a decider from the cluster settings.
type DeciderFactory func(s settings.Settings) (decider.Decider, error)

// AllocatorFactory builds a shards allocator from the cluster settings and
// the composite it must consult.
type AllocatorFactory func(s settings.Settings, d *decider.Deciders) (allocator.ShardsAllocator, error)

type namedDecider struct {
	name    string
	factory DeciderFactory
}

// Module maps names to allocator and decider implementations. It is filled
// once at start-up; registration errors are configuration errors.
type Module struct {
	deciders   []namedDecider
	allocators map[string]AllocatorFactory
	aliases    map[string]string
}

// NewModule returns a module with the built-in deciders and the balanced
// allocator registered.
func NewModule() *Module {
	m := &Module{allocators: make(map[string]AllocatorFactory), aliases: make(map[string]string)}
	for _, nd := range builtinDeciders() {
		if err := m.RegisterDecider(nd.name, nd.factory); err != nil {
			panic(err)
		}
	}
	if err := m.RegisterAllocator(settings.BalancedAllocator, func(s settings.Settings, d *decider.Deciders) (allocator.ShardsAllocator, error) {
		return allocator.NewBalanced(s.Balance, d), nil
	}); err != nil {
		panic(err)
	}
	m.aliases[settings.EvenShardAllocator] = settings.BalancedAllocator
	return m
}

func builtinDeciders() []namedDecider {
	simple := func(d decider.Decider) DeciderFactory {
		return func(settings.Settings) (decider.Decider, error) { return d, nil }
	}
	return []namedDecider{
		{"same_shard", func(s settings.Settings) (decider.Decider, error) { return decider.NewSameShard(s.SameShardHost), nil }},
		{"filter", func(s settings.Settings) (decider.Decider, error) { return decider.NewFilter(s.Filters), nil }},
		{"replica_after_primary_active", simple(decider.NewReplicaAfterPrimaryActive())},
		{"throttling", func(s settings.Settings) (decider.Decider, error) {
			return decider.NewThrottling(s.NodeInitialPrimariesRecoveries, s.NodeConcurrentRecoveries), nil
		}},
		{"rebalance_only_when_active", simple(decider.NewRebalanceOnlyWhenActive())},
		{"cluster_rebalance", func(s settings.Settings) (decider.Decider, error) { return decider.NewClusterRebalance(s.AllowRebalance), nil }},
		{"concurrent_rebalance", func(s settings.Settings) (decider.Decider, error) {
			return decider.NewConcurrentRebalance(s.ClusterConcurrentRebalance), nil
		}},
		{"enable", func(s settings.Settings) (decider.Decider, error) { return decider.NewEnable(s.Enable, s.RebalanceEnable), nil }},
		{"disable", func(s settings.Settings) (decider.Decider, error) { return decider.NewDisable(s.Disable), nil }},
		{"awareness", func(s settings.Settings) (decider.Decider, error) { return decider.NewAwareness(s.Awareness), nil }},
		{"shards_limit", func(s settings.Settings) (decider.Decider, error) { return decider.NewShardsLimit(s.TotalShardsPerNode), nil }},
		{"node_version", simple(decider.NewNodeVersion())},
		{"disk_threshold", func(s settings.Settings) (decider.Decider, error) { return decider.NewDiskThreshold(s.Disk) }},
		{"snapshot_in_progress", simple(decider.NewSnapshotInProgress())},
	}
}

// RegisterDecider adds a decider after the ones already registered.
func (m *Module) RegisterDecider(name string, f DeciderFactory) error {
	if name == "" || f == nil {
		return errors.New("decider registration needs a name and a factory")
	}
	if slices.ContainsFunc(m.deciders, func(nd namedDecider) bool { return nd.name == name }) {
		return errors.Wrapf(ErrDuplicateDecider, "decider [%s]", name)
	}
	m.deciders = append(m.deciders, namedDecider{name: name, factory: f})
	return nil
}

// RegisterAllocator makes an allocator selectable by name.
func (m *Module) RegisterAllocator(name string, f AllocatorFactory) error {
	if name == "" || f == nil {
		return errors.New("allocator registration needs a name and a factory")
	}
	if _, ok := m.allocators[name]; ok {
		return errors.Wrapf(ErrDuplicateAllocator, "allocator [%s]", name)
	}
	if _, ok := m.aliases[name]; ok {
		return errors.Wrapf(ErrDuplicateAllocator, "allocator [%s] is a built-in alias", name)
	}
	m.allocators[name] = f
	return nil
}

// DeciderNames returns the registered decider names in evaluation order.
func (m *Module) DeciderNames() []string {
	names := make([]string, len(m.deciders))
	for i, nd := range m.deciders {
		names[i] = nd.name
	}
	return names
}

// Deciders builds the composite from every registered decider.
func (m *Module) Deciders(s settings.Settings) (*decider.Deciders, error) {
	ds := make([]decider.Decider, 0, len(m.deciders))
	for _, nd := range m.deciders {
		d, err := nd.factory(s)
		if err != nil {
			return nil, errors.Wrapf(err, "building decider [%s]", nd.name)
		}
		ds = append(ds, d)
	}
	return decider.NewDeciders(ds...), nil
}

// Allocator builds the allocator named in the settings.
func (m *Module) Allocator(s settings.Settings, d *decider.Deciders) (allocator.ShardsAllocator, error) {
	name := s.Allocator
	if target, ok := m.aliases[name]; ok {
		glog.Warningf("allocator [%s] is deprecated, using [%s]", name, target)
		name = target
	}
	f, ok := m.allocators[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAllocator, "allocator [%s]", s.Allocator)
	}
	return f(s, d)
}

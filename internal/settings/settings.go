// Package settings defines the cluster-level allocation settings, their
// defaults and the YAML file format the coordinator loads them from.
package settings

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Allocator names known out of the box.
const (
	BalancedAllocator  = "balanced"
	EvenShardAllocator = "even_shard"
)

// Enable modes for allocation.
const (
	EnableAll          = "all"
	EnablePrimaries    = "primaries"
	EnableNewPrimaries = "new_primaries"
	EnableNone         = "none"
	EnableReplicas     = "replicas"
)

// AllowRebalance values.
const (
	RebalanceAlways                 = "always"
	RebalanceIndicesPrimariesActive = "indices_primaries_active"
	RebalanceIndicesAllActive       = "indices_all_active"
)

// Balance holds the weight factors of the balanced allocator.
type Balance struct {
	Shard     float64 `yaml:"shard"`
	Index     float64 `yaml:"index"`
	Primary   float64 `yaml:"primary"`
	Threshold float64 `yaml:"threshold"`
}

// Disk holds the disk threshold decider settings.
type Disk struct {
	Enabled            bool   `yaml:"enabled"`
	LowWatermark       string `yaml:"low_watermark"`
	HighWatermark      string `yaml:"high_watermark"`
	IncludeRelocations bool   `yaml:"include_relocations"`
}

// Awareness holds the awareness decider settings.
type Awareness struct {
	Attributes []string            `yaml:"attributes"`
	Force      map[string][]string `yaml:"force"`
}

// Filters holds cluster-level attribute filters.
type Filters struct {
	Include map[string]string `yaml:"include"`
	Exclude map[string]string `yaml:"exclude"`
	Require map[string]string `yaml:"require"`
}

// Disable holds the legacy allocation kill switches.
type Disable struct {
	NewAllocation     bool `yaml:"new_allocation"`
	Allocation        bool `yaml:"allocation"`
	ReplicaAllocation bool `yaml:"replica_allocation"`
}

// Settings is the full set of cluster-level allocation settings.
type Settings struct {
	Allocator string `yaml:"allocator"`

	Balance Balance `yaml:"balance"`

	Enable          string `yaml:"enable"`
	RebalanceEnable string `yaml:"rebalance_enable"`
	Disable         Disable `yaml:"disable"`

	AllowRebalance             string `yaml:"allow_rebalance"`
	ClusterConcurrentRebalance int    `yaml:"cluster_concurrent_rebalance"`

	NodeConcurrentRecoveries       int `yaml:"node_concurrent_recoveries"`
	NodeInitialPrimariesRecoveries int `yaml:"node_initial_primaries_recoveries"`

	Awareness Awareness `yaml:"awareness"`
	Filters   Filters   `yaml:"filters"`

	TotalShardsPerNode int  `yaml:"total_shards_per_node"`
	SameShardHost      bool `yaml:"same_shard_host"`

	Disk Disk `yaml:"disk"`

	// FetchTimeout bounds each per-node request made before a pass.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		Allocator: BalancedAllocator,
		Balance: Balance{
			Shard:     0.45,
			Index:     0.5,
			Primary:   0.05,
			Threshold: 1.0,
		},
		Enable:                         EnableAll,
		RebalanceEnable:                EnableAll,
		AllowRebalance:                 RebalanceIndicesAllActive,
		ClusterConcurrentRebalance:     2,
		NodeConcurrentRecoveries:       2,
		NodeInitialPrimariesRecoveries: 4,
		TotalShardsPerNode:             -1,
		Disk: Disk{
			Enabled:            true,
			LowWatermark:       "85%",
			HighWatermark:      "90%",
			IncludeRelocations: true,
		},
		FetchTimeout: 5 * time.Second,
	}
}

// Load reads a YAML settings file and merges it over the defaults.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "reading settings %s", path)
	}
	return Parse(data)
}

// Parse merges YAML over the defaults and validates the result.
func Parse(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.Wrap(err, "parsing settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	b := s.Balance
	if b.Shard < 0 || b.Index < 0 || b.Primary < 0 {
		return errors.Newf("balance factors must not be negative: %+v", b)
	}
	if b.Shard+b.Index+b.Primary <= 0 {
		return errors.New("at least one balance factor must be positive")
	}
	if b.Threshold <= 0 {
		return errors.Newf("balance threshold must be greater than 0, got %v", b.Threshold)
	}
	if !oneOf(s.Enable, EnableAll, EnablePrimaries, EnableNewPrimaries, EnableNone) {
		return errors.Newf("illegal enable value [%s]", s.Enable)
	}
	if !oneOf(s.RebalanceEnable, EnableAll, EnablePrimaries, EnableReplicas, EnableNone) {
		return errors.Newf("illegal rebalance_enable value [%s]", s.RebalanceEnable)
	}
	if !oneOf(s.AllowRebalance, RebalanceAlways, RebalanceIndicesPrimariesActive, RebalanceIndicesAllActive) {
		return errors.Newf("illegal allow_rebalance value [%s]", s.AllowRebalance)
	}
	if s.NodeConcurrentRecoveries < 0 || s.NodeInitialPrimariesRecoveries < 0 {
		return errors.New("recovery limits must not be negative")
	}
	low, err := ParseWatermark(s.Disk.LowWatermark)
	if err != nil {
		return errors.Wrap(err, "low watermark")
	}
	high, err := ParseWatermark(s.Disk.HighWatermark)
	if err != nil {
		return errors.Wrap(err, "high watermark")
	}
	if low.IsBytes() == high.IsBytes() && !low.lessStrict(high) {
		return errors.Newf("low watermark [%s] must be below high watermark [%s]", s.Disk.LowWatermark, s.Disk.HighWatermark)
	}
	for attr := range s.Awareness.Force {
		if !slices.Contains(s.Awareness.Attributes, attr) {
			return errors.Newf("forced awareness attribute [%s] is not listed in awareness attributes", attr)
		}
	}
	if s.FetchTimeout < 0 {
		return errors.Newf("fetch_timeout must not be negative, got %s", s.FetchTimeout)
	}
	return nil
}

// Watermark is a disk threshold expressed either as a maximum used
// percentage or as a minimum number of free bytes.
type Watermark struct {
	usedPercent float64
	freeBytes   uint64
	bytes       bool
}

// ParseWatermark accepts "85%", a ratio like "0.85", or an absolute free
// byte value like "500mb".
func ParseWatermark(s string) (Watermark, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Watermark{}, errors.New("empty watermark")
	}
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return Watermark{}, errors.Wrapf(err, "watermark [%s]", s)
		}
		return percentWatermark(s, v)
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return percentWatermark(s, v*100)
	}
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return Watermark{}, errors.Wrapf(err, "watermark [%s] is neither a percentage, a ratio nor a byte value", s)
	}
	return Watermark{freeBytes: b, bytes: true}, nil
}

func percentWatermark(s string, v float64) (Watermark, error) {
	if v < 0 || v > 100 {
		return Watermark{}, errors.Newf("watermark [%s] must be within [0%%, 100%%]", s)
	}
	return Watermark{usedPercent: v}, nil
}

// IsBytes reports whether the watermark is an absolute free byte value.
func (w Watermark) IsBytes() bool { return w.bytes }

// Exceeded reports whether a disk with the given total and free bytes is
// past the watermark.
func (w Watermark) Exceeded(totalBytes, freeBytes uint64) bool {
	if w.bytes {
		return freeBytes < w.freeBytes
	}
	if totalBytes == 0 {
		return true
	}
	used := 100 * float64(totalBytes-min(freeBytes, totalBytes)) / float64(totalBytes)
	return used > w.usedPercent
}

// String renders the watermark the way operators write it.
func (w Watermark) String() string {
	if w.bytes {
		return humanize.IBytes(w.freeBytes) + " free"
	}
	return strconv.FormatFloat(w.usedPercent, 'f', -1, 64) + "%"
}

// lessStrict orders two watermarks of the same kind from least to most
// restrictive.
func (w Watermark) lessStrict(o Watermark) bool {
	if w.bytes {
		return w.freeBytes > o.freeBytes
	}
	return w.usedPercent < o.usedPercent
}

func oneOf(v string, options ...string) bool {
	return slices.Contains(options, v)
}

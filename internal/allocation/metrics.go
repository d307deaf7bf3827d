package allocation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamware/placement/internal/allocation/decider"
	"github.com/dreamware/placement/internal/routing"
)

// Metrics are the allocation service's Prometheus metrics.
type Metrics struct {
	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	decisions    *prometheus.CounterVec

	unassigned   prometheus.Gauge
	initializing prometheus.Gauge
	relocating   prometheus.Gauge
	version      prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "placement_reroute_passes_total",
			Help: "Reroute passes by trigger and whether the table changed.",
		}, []string{"trigger", "changed"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "placement_reroute_pass_seconds",
			Help:    "Time spent computing one reroute pass.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "placement_decisions_total",
			Help: "Composite decider verdicts by question.",
		}, []string{"op", "verdict"}),
		unassigned: f.NewGauge(prometheus.GaugeOpts{
			Name: "placement_unassigned_shards",
			Help: "Unassigned shard copies in the current table.",
		}),
		initializing: f.NewGauge(prometheus.GaugeOpts{
			Name: "placement_initializing_shards",
			Help: "Initializing shard copies, relocation targets included.",
		}),
		relocating: f.NewGauge(prometheus.GaugeOpts{
			Name: "placement_relocating_shards",
			Help: "Shard copies being relocated.",
		}),
		version: f.NewGauge(prometheus.GaugeOpts{
			Name: "placement_state_version",
			Help: "Version of the current cluster state.",
		}),
	}
}

func (m *Metrics) observeDecision(op decider.Op, t decider.Type) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(op), t.String()).Inc()
}

func (m *Metrics) observePass(trigger string, changed bool, seconds float64, st State) {
	if m == nil {
		return
	}
	c := "false"
	if changed {
		c = "true"
	}
	m.passes.WithLabelValues(trigger, c).Inc()
	m.passDuration.Observe(seconds)

	var unassigned, initializing, relocating int
	for _, sr := range st.Routing.All() {
		switch sr.State {
		case routing.StateUnassigned:
			unassigned++
		case routing.StateInitializing:
			initializing++
		case routing.StateRelocating:
			relocating++
			initializing++
		}
	}
	m.unassigned.Set(float64(unassigned))
	m.initializing.Set(float64(initializing))
	m.relocating.Set(float64(relocating))
	m.version.Set(float64(st.Version))
}

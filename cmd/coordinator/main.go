// Command coordinator runs the placement control plane: it accepts node
// registrations and index operations over HTTP, computes shard placement
// and publishes every new cluster state to the nodes.
//
// Configuration comes from flags, each with an environment fallback:
//
//	--addr             COORDINATOR_ADDR       listen address (default ":8080")
//	--settings         PLACEMENT_SETTINGS     YAML allocation settings file
//	--health-interval  HEALTH_CHECK_INTERVAL  node probe interval (default 5s)
//
// Example:
//
//	coordinator --addr :8080 --settings placement.yaml -v 1
//	curl -X PUT localhost:8080/indices/logs -d '{"number_of_shards":4,"number_of_replicas":1}'
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/coordinator"
	"github.com/dreamware/placement/internal/settings"
)

type config struct {
	addr           string
	settingsPath   string
	healthInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		glog.Errorf("coordinator: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config
	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Run the shard placement coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer glog.Flush()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.addr, "addr", getenv("COORDINATOR_ADDR", ":8080"), "listen address")
	f.StringVar(&cfg.settingsPath, "settings", getenv("PLACEMENT_SETTINGS", ""), "YAML allocation settings file")
	f.DurationVar(&cfg.healthInterval, "health-interval", getenvDuration("HEALTH_CHECK_INTERVAL", 5*time.Second), "node health probe interval")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	return cmd
}

func loadSettings(path string) (settings.Settings, error) {
	if path == "" {
		return settings.Default(), nil
	}
	return settings.Load(path)
}

// wire builds the coordinator and its HTTP surface from settings.
func wire(s settings.Settings, reg *prometheus.Registry, collector coordinator.Collector, monitor *coordinator.HealthMonitor) (*coordinator.Coordinator, *server, error) {
	module := allocation.NewModule()
	deciders, err := module.Deciders(s)
	if err != nil {
		return nil, nil, err
	}
	alloc, err := module.Allocator(s, deciders)
	if err != nil {
		return nil, nil, err
	}
	glog.Infof("allocator [%s], deciders %v", alloc.Name(), deciders.Names())

	service := allocation.NewService(deciders, alloc, allocation.NewMetrics(reg))
	coord := coordinator.New(service, collector, allocation.NewState(cluster.NewNodes()))
	return coord, newServer(coord, monitor, reg), nil
}

func run(ctx context.Context, cfg config) error {
	s, err := loadSettings(cfg.settingsPath)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	monitor := coordinator.NewHealthMonitor(cfg.healthInterval)
	coord, srv, err := wire(s, reg, coordinator.NewNodeCollector(s.FetchTimeout), monitor)
	if err != nil {
		return err
	}

	broadcaster := coordinator.NewBroadcaster(s.FetchTimeout)
	coord.Subscribe(func(st allocation.State) { broadcaster.Publish(st) })

	monitor.SetOnUnhealthy(func(ids []string) {
		glog.Warningf("removing unhealthy nodes %v", ids)
		if _, err := coord.Leave(ctx, ids...); err != nil {
			glog.Errorf("removing nodes %v: %v", ids, err)
		}
	})
	go monitor.Start(ctx, func() []cluster.Node { return coord.State().Nodes.All() })
	defer monitor.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		glog.Infof("coordinator listening on %s", cfg.addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Wrap(err, "listen")
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	glog.Info("coordinator stopped")
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		glog.Warningf("ignoring %s=%q: %v", k, v, err)
		return def
	}
	return d
}

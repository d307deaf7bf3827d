// Command node runs the agent of one cluster member. It registers with the
// coordinator, reports its disk usage and the shard copies it has on disk,
// applies every published cluster state and serves the documents of the
// copies assigned to it.
//
// Configuration comes from flags, each with an environment fallback:
//
//	--id           NODE_ID           unique node id (required)
//	--listen       NODE_LISTEN       listen address (default ":8081")
//	--addr         NODE_ADDR         address the coordinator reaches us on
//	--coordinator  COORDINATOR_ADDR  coordinator URL (required)
//	--data-dir     NODE_DATA_DIR     bolt data directory; empty keeps data in memory
//	--node-version NODE_VERSION      semantic version advertised on join
//	--attr         (none)            key=value attribute, repeatable
//
// Example:
//
//	node --id node-1 --listen :8081 --addr http://localhost:8081 \
//	  --coordinator http://localhost:8080 --data-dir /var/lib/placement --attr zone=a
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dreamware/placement/internal/allocation"
	"github.com/dreamware/placement/internal/cluster"
	"github.com/dreamware/placement/internal/storage"
)

type config struct {
	id          string
	listen      string
	addr        string
	coordinator string
	dataDir     string
	version     string
	attrs       map[string]string
}

func (c config) node() cluster.Node {
	host, _ := os.Hostname()
	return cluster.Node{ID: c.id, Addr: c.addr, Host: host, Attributes: c.attrs, Version: c.version}
}

func (c config) validate() error {
	if c.id == "" {
		return errors.New("node id is required (--id or NODE_ID)")
	}
	if c.coordinator == "" {
		return errors.New("coordinator address is required (--coordinator or COORDINATOR_ADDR)")
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		glog.Errorf("node: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func bindFlags(f *pflag.FlagSet, cfg *config) {
	f.StringVar(&cfg.id, "id", getenv("NODE_ID", ""), "unique node id")
	f.StringVar(&cfg.listen, "listen", getenv("NODE_LISTEN", ":8081"), "listen address")
	f.StringVar(&cfg.addr, "addr", getenv("NODE_ADDR", "http://127.0.0.1:8081"), "address the coordinator reaches this node on")
	f.StringVar(&cfg.coordinator, "coordinator", getenv("COORDINATOR_ADDR", ""), "coordinator URL")
	f.StringVar(&cfg.dataDir, "data-dir", getenv("NODE_DATA_DIR", ""), "bolt data directory; empty keeps data in memory")
	f.StringVar(&cfg.version, "node-version", getenv("NODE_VERSION", ""), "semantic version advertised to the coordinator")
	f.StringToStringVar(&cfg.attrs, "attr", nil, "node attribute as key=value, e.g. --attr zone=us-east-1a (repeatable)")
}

func newRootCmd() *cobra.Command {
	var cfg config
	cmd := &cobra.Command{
		Use:           "node",
		Short:         "Run a shard placement node agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer glog.Flush()
			if err := cfg.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	bindFlags(cmd.Flags(), &cfg)
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	return cmd
}

// openStore opens the node store. Without a data directory the node keeps
// everything in memory and forgets its copies on restart.
func openStore(dataDir, id string) (storage.Store, string, error) {
	if dataDir == "" {
		return storage.NewMemoryStore(), os.TempDir(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, "", errors.Wrapf(err, "creating %s", dataDir)
	}
	s, err := storage.OpenBolt(filepath.Join(dataDir, id+".db"))
	if err != nil {
		return nil, "", err
	}
	return s, dataDir, nil
}

func coordinatorReporter(coord string) Reporter {
	return func(ctx context.Context, started []allocation.StartedShard) error {
		return cluster.PostJSON(ctx, coord+"/shards/started", started, nil)
	}
}

// register announces the node to the coordinator, retrying while the
// coordinator comes up.
func register(ctx context.Context, coord string, node cluster.Node, attempts int, wait time.Duration) error {
	body := cluster.RegisterRequest{Node: node}
	var err error
	for i := 0; i < attempts; i++ {
		if err = cluster.PostJSON(ctx, coord+"/register", body, nil); err == nil {
			glog.Infof("node %s registered with coordinator @ %s", node.ID, coord)
			return nil
		}
		glog.Warningf("register retry %d: %v", i+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return errors.Wrapf(err, "registering with %s", coord)
}

func run(ctx context.Context, cfg config) error {
	store, dataPath, err := openStore(cfg.dataDir, cfg.id)
	if err != nil {
		return err
	}
	defer store.Close()

	node, err := NewNode(cfg.id, dataPath, store)
	if err != nil {
		return err
	}
	node.Report = coordinatorReporter(cfg.coordinator)

	srv := &http.Server{
		Addr:              cfg.listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		glog.Infof("node %s listening on %s (public %s)", cfg.id, cfg.listen, cfg.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Wrap(err, "listen")
		}
		close(errc)
	}()

	if err := register(ctx, cfg.coordinator, cfg.node(), 10, 400*time.Millisecond); err != nil {
		_ = srv.Close()
		return err
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("shutdown: %v", err)
	}
	glog.Infof("node %s stopped", cfg.id)
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// Command coordinator runs the Torua allocation coordinator.
//
// It tracks the nodes that registered with it, owns the routing table and
// decides where every shard copy lives. Nodes report shard lifecycle events
// back over HTTP and are health checked on an interval; a node that stops
// answering is removed and its replicas wait out the delayed allocation
// timeout before being rebuilt elsewhere.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dreamware/torua/internal/coordinator"
	"github.com/dreamware/torua/internal/gateway"
	"github.com/dreamware/torua/internal/logging"
)

var exit = os.Exit

type config struct {
	listen         string
	logLevel       string
	healthInterval time.Duration
	maxFailures    int
	fetchTimeout   time.Duration
	delayedTimeout time.Duration
	excludeNodes   []string
	strict         bool
}

func (c config) serviceConfig() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.Cluster.DelayedNodeLeftTimeout = c.delayedTimeout
	cfg.Deciders.ExcludeNodes = c.excludeNodes
	if c.fetchTimeout > 0 {
		cfg.FetchTimeout = c.fetchTimeout
	}
	cfg.StrictInvariants = c.strict
	return cfg
}

// newServer wires the allocation service, the health monitor and the
// metrics registry. The monitor is not started.
func newServer(cfg config, lister gateway.Lister, logger *slog.Logger) (*server, error) {
	logger = logging.OrDiscard(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := coordinator.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}

	svc, err := coordinator.NewAllocationService(cfg.serviceConfig(), lister,
		coordinator.WithLogger(logger), coordinator.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	monitor := coordinator.NewHealthMonitor(cfg.healthInterval, cfg.maxFailures, logger)
	monitor.SetOnUnhealthy(func(nodeID string) {
		if err := svc.RemoveNode(nodeID); err != nil {
			logger.Warn("failed to remove unhealthy node", "node", nodeID, "error", err)
		}
	})

	return &server{svc: svc, monitor: monitor, registry: registry, logger: logger}, nil
}

// run serves the coordinator until ctx is done.
func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	srv, err := newServer(cfg, gateway.HTTPLister{}, logger)
	if err != nil {
		return err
	}
	defer srv.svc.Close()

	ln, err := net.Listen("tcp", cfg.listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	go srv.monitor.Start(ctx, srv.svc.Nodes)
	defer srv.monitor.Stop()

	s := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "listen", ln.Addr().String())
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	logger.Info("coordinator stopped")
	return nil
}

func newRootCommand() *cobra.Command {
	var cfg config
	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Run the Torua shard allocation coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.healthInterval <= 0 {
				return errors.New("--health-interval must be positive")
			}
			if cfg.delayedTimeout < 0 {
				return errors.New("--delayed-timeout must not be negative")
			}
			logger := logging.New(cfg.logLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	defaults := coordinator.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&cfg.listen, "listen", getenv("COORDINATOR_ADDR", ":8080"), "listen address")
	f.StringVar(&cfg.logLevel, "log-level", getenv("LOG_LEVEL", "info"), "trace, debug, info, warn or error")
	f.DurationVar(&cfg.healthInterval, "health-interval", 5*time.Second, "node health check interval")
	f.IntVar(&cfg.maxFailures, "max-failures", 3, "consecutive failed checks before a node is removed")
	f.DurationVar(&cfg.fetchTimeout, "fetch-timeout", defaults.FetchTimeout, "timeout of one store listing request")
	f.DurationVar(&cfg.delayedTimeout, "delayed-timeout", defaults.Cluster.DelayedNodeLeftTimeout,
		"default delay before replicas of a departed node are reallocated")
	f.StringSliceVar(&cfg.excludeNodes, "exclude-nodes", nil, "node ids or names that must not receive shards")
	f.BoolVar(&cfg.strict, "strict", false, "panic on broken allocator invariants")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		exit(1)
	}
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

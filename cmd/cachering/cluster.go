package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cachering/internal/cluster"
	"cachering/internal/config"
	"cachering/internal/logging"
)

func clusterCmd(g *globalFlags) *cobra.Command {
	var (
		metricsAddr   string
		statsInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Run the cluster control loop",
		Long: "Probe node health, migrate data on transitions and run anti-entropy over the configured peers.\n" +
			"SIGHUP reloads the configuration and adds or removes peers to match it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if len(cfg.Peers) == 0 {
				return fmt.Errorf("no peers configured")
			}

			if err := startTracing(cfg.Observability, "cluster"); err != nil {
				return err
			}
			defer stopTracing()

			errCh := make(chan error, 1)
			metricsSrv := serveMetrics(cfg.Metrics, errCh)
			defer shutdownMetrics(metricsSrv)

			var current atomic.Pointer[config.Config]
			current.Store(cfg)
			c, err := buildCluster(cfg, func(id string) (config.Peer, bool) {
				return current.Load().Peer(id)
			})
			if err != nil {
				return err
			}
			c.Start()
			defer c.Stop()
			logging.Op().Info("cluster started", "nodes", c.Ring().Len(), "replication_factor", cfg.Client.ReplicationFactor)

			var tick <-chan time.Time
			if statsInterval > 0 {
				ticker := time.NewTicker(statsInterval)
				defer ticker.Stop()
				tick = ticker.C
			}
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			sigCh := signals()
			for {
				select {
				case <-tick:
					logStats(c)
				case <-hup:
					next, err := g.load(cmd)
					if err != nil {
						logging.Op().Error("reload failed, keeping current peers", "error", err)
						continue
					}
					current.Store(next)
					if err := reconcilePeers(cmd.Context(), c, next.Peers); err != nil {
						logging.Op().Warn("peer reload incomplete", "error", err)
					}
				case sig := <-sigCh:
					logging.Op().Info("shutdown signal received", "signal", sig.String())
					return nil
				case err := <-errCh:
					return fmt.Errorf("metrics server error: %w", err)
				}
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Minute, "How often to log cluster stats (0 disables)")

	return cmd
}

// reconcilePeers adds the peers missing from the ring, updates moved ones and
// removes members that are no longer configured.
func reconcilePeers(ctx context.Context, c *cluster.Cluster, peers []config.Peer) error {
	var errs []error
	want := make(map[string]bool, len(peers))
	for _, p := range peers {
		n, err := p.Node()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		want[n.ID] = true
		if err := c.AddNode(ctx, n.ID, n.Host, n.Port); err != nil {
			errs = append(errs, err)
		}
	}
	for _, n := range c.Ring().Nodes() {
		if want[n.ID] {
			continue
		}
		if err := c.RemoveNode(ctx, n.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func logStats(c *cluster.Cluster) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := c.ClusterStats(ctx)
	logging.Op().Info("cluster stats",
		"nodes", s.TotalNodes,
		"healthy", s.HealthyNodes,
		"entries", s.TotalEntries,
		"memory_bytes", s.TotalMemoryBytes,
	)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cachering/internal/logging"
	"cachering/internal/node"
	"cachering/internal/observability"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		nodeID      string
		listenAddr  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cache node",
		Long:  "Run a cache node serving its local store over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("node-id") {
				cfg.Node.ID = nodeID
			}
			if cmd.Flags().Changed("listen") {
				cfg.Node.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}

			if err := startTracing(cfg.Observability, "node-"+cfg.Node.ID); err != nil {
				return err
			}
			defer stopTracing()

			errCh := make(chan error, 2)
			metricsSrv := serveMetrics(cfg.Metrics, errCh)
			defer shutdownMetrics(metricsSrv)

			n := node.NewNode(cfg.Node.ID, cfg.Node.ListenAddr,
				node.WithSweepInterval(cfg.Node.SweepInterval),
			)
			if err := n.Listen(); err != nil {
				return err
			}
			go func() {
				if err := n.Start(); err != nil {
					errCh <- err
				}
			}()
			logging.Op().Info("cache node started", "node_id", cfg.Node.ID, "addr", n.Addr())

			select {
			case sig := <-signals():
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				n.Stop()
				return nil
			case err := <-errCh:
				n.Stop()
				return fmt.Errorf("node %s: %w", cfg.Node.ID, err)
			}
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "Node ID")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "gRPC listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address")

	return cmd
}

func signals() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return sigCh
}

func startTracing(cfg observability.Config, service string) error {
	if cfg.ServiceName == "" || cfg.ServiceName == "cachering" {
		cfg.ServiceName = "cachering-" + service
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := observability.Init(ctx, cfg); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	return nil
}

func stopTracing() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := observability.Shutdown(ctx); err != nil {
		logging.Op().Warn("tracing shutdown failed", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"cachering/internal/client"
	"cachering/internal/cluster"
	"cachering/internal/config"
	"cachering/internal/health"
	"cachering/internal/logging"
	"cachering/internal/metrics"
	"cachering/internal/peer"
	"cachering/internal/replication"
	"cachering/internal/ring"
	"cachering/internal/transport"
)

// globalFlags are shared by every subcommand and override the config file
// and environment.
type globalFlags struct {
	configPath string
	peers      string
	logLevel   string
	logFormat  string
	readMode   string
	rf         int
}

func (g *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&g.peers, "peers", "", "Cluster members (id1=host:port,id2=redis://host:port)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")
	pf.StringVar(&g.readMode, "read-mode", "", "Read strategy (sequential, race)")
	pf.IntVar(&g.rf, "replication-factor", 0, "Replicas per key")
}

// load resolves the configuration: file or defaults, then environment, then
// flags. It also initializes logging.
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(g.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("peers") {
		peers, err := config.ParsePeers(g.peers)
		if err != nil {
			return nil, err
		}
		cfg.Peers = peers
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = g.logFormat
	}
	if flags.Changed("read-mode") {
		cfg.Client.ReadMode = g.readMode
	}
	if flags.Changed("replication-factor") {
		cfg.Client.ReplicationFactor = g.rf
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging.Format, cfg.Logging.Level)
	return cfg, nil
}

// peerLookup returns the configured peer with the given ID.
type peerLookup func(id string) (config.Peer, bool)

// dialer opens a Redis client for redis:// peers and a gRPC client for
// everything else.
func dialer(cfg *config.Config, lookup peerLookup) peer.Dialer {
	grpcDial := transport.Dialer()
	return func(ctx context.Context, node ring.Node) (peer.Client, error) {
		if p, ok := lookup(node.ID); ok && p.IsRedis() {
			r := peer.NewRedis(node.ID, peer.RedisConfig{
				Addr:      node.Addr(),
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				KeyPrefix: cfg.Redis.KeyPrefix,
			})
			if err := r.Ping(ctx); err != nil {
				r.Close()
				return nil, err
			}
			return r, nil
		}
		return grpcDial(ctx, node)
	}
}

// buildCluster assembles a cluster over the configured peers. The peers are
// seeded as existing members, so no data moves. A nil lookup resolves peers
// from cfg.
func buildCluster(cfg *config.Config, lookup peerLookup) (*cluster.Cluster, error) {
	if lookup == nil {
		lookup = cfg.Peer
	}
	hash, err := cfg.HashFunc()
	if err != nil {
		return nil, err
	}
	mode, _ := client.ParseReadMode(cfg.Client.ReadMode)
	nodes, err := cfg.RingNodes()
	if err != nil {
		return nil, err
	}

	c := cluster.New(peer.NewRegistry(dialer(cfg, lookup)),
		cluster.WithVNodes(cfg.Ring.VNodes),
		cluster.WithHash(hash),
		cluster.WithReplicationFactor(cfg.Client.ReplicationFactor),
		cluster.WithHealthOptions(
			health.WithInterval(cfg.Health.Interval),
			health.WithThreshold(cfg.Health.Threshold),
			health.WithProbeTimeout(cfg.Health.ProbeTimeout),
			health.WithProbeTTL(cfg.Health.ProbeTTL),
			health.WithWorkers(cfg.Health.Workers),
		),
		cluster.WithReplicationOptions(
			replication.WithSyncInterval(cfg.Replication.SyncInterval),
			replication.WithOpTimeout(cfg.Replication.OpTimeout),
			replication.WithRequestTimeout(cfg.Replication.RequestTimeout),
			replication.WithPrune(cfg.Replication.Prune),
		),
		cluster.WithClientOptions(
			client.WithWriteAckTimeout(cfg.Client.WriteAckTimeout),
			client.WithRequestTimeout(cfg.Client.RequestTimeout),
			client.WithReadMode(mode),
			client.WithReadRepair(cfg.Client.ReadRepair),
		),
	)
	c.Seed(nodes...)
	return c, nil
}

// serveMetrics exposes /metrics when an address is configured. It returns a
// nil server otherwise.
func serveMetrics(cfg config.MetricsConfig, errCh chan<- error) *http.Server {
	metrics.InitPrometheus(cfg.Namespace, nil)
	if cfg.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Op().Info("metrics endpoint started", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Op().Warn("metrics shutdown failed", "error", err)
	}
}

package node

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"cachering/internal/logging"
	"cachering/internal/metrics"
	"cachering/internal/storage"
	"cachering/internal/transport"
)

// DefaultStatsInterval is how often store statistics are exported as metrics.
const DefaultStatsInterval = 15 * time.Second

type options struct {
	sweepInterval time.Duration
	statsInterval time.Duration
	logger        *slog.Logger
	serverOpts    []grpc.ServerOption
}

// Option configures a Node.
type Option func(*options)

// WithSweepInterval sets how often expired entries are purged.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithStatsInterval sets how often store statistics are exported.
func WithStatsInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.statsInterval = d
		}
	}
}

// WithLogger sets the node's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithServerOptions passes extra options to the gRPC server.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) { o.serverOpts = append(o.serverOpts, opts...) }
}

// Node represents a single cache node.
type Node struct {
	nodeID     string
	listenAddr string
	opts       options
	logger     *slog.Logger

	store      *storage.Store
	grpcServer *grpc.Server
	health     *grpchealth.Server

	mu       sync.Mutex
	lis      net.Listener
	stopped  bool
	stopCh   chan struct{}
	statsWG  sync.WaitGroup
	stopOnce sync.Once
}

// NewNode creates a node that will listen on listenAddr.
func NewNode(nodeID, listenAddr string, opts ...Option) *Node {
	o := options{statsInterval: DefaultStatsInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Op()
	}
	logger := o.logger.With("node_id", nodeID)

	store := storage.NewStore(
		storage.WithOrigin(nodeID),
		storage.WithSweepInterval(o.sweepInterval),
		storage.WithLogger(logger),
	)
	gs, hs := transport.NewGRPCServer(transport.NewServer(store, nodeID, logger), o.serverOpts...)
	reflection.Register(gs)

	return &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		opts:       o,
		logger:     logger,
		store:      store,
		grpcServer: gs,
		health:     hs,
		stopCh:     make(chan struct{}),
	}
}

// ID returns the node ID.
func (n *Node) ID() string { return n.nodeID }

// Store returns the node's store.
func (n *Node) Store() *storage.Store { return n.store }

// Listen binds the listen address. It is called by Start; tests call it
// directly to learn the port chosen for ":0".
func (n *Node) Listen() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", n.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.listenAddr, err)
	}
	n.lis = lis
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lis != nil {
		return n.lis.Addr().String()
	}
	return n.listenAddr
}

// Start serves until Stop is called.
func (n *Node) Start() error {
	if err := n.Listen(); err != nil {
		return err
	}

	n.mu.Lock()
	if n.stopped {
		n.lis.Close()
		n.mu.Unlock()
		return nil
	}
	lis := n.lis
	n.statsWG.Add(1)
	n.mu.Unlock()

	n.store.Start()
	go n.exportStats()

	n.logger.Info("starting node", "addr", lis.Addr().String())
	if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the node. In-flight requests complete first.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()

		n.logger.Info("stopping node")
		n.health.Shutdown()
		n.grpcServer.GracefulStop()
		close(n.stopCh)
		n.statsWG.Wait()
		n.store.Stop()
	})
}

// SetServing flips the gRPC health status, e.g. to drain a node before
// removing it.
func (n *Node) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	n.health.SetServingStatus("", status)
}

func (n *Node) exportStats() {
	defer n.statsWG.Done()
	ticker := time.NewTicker(n.opts.statsInterval)
	defer ticker.Stop()

	for {
		st := n.store.Stats()
		metrics.SetStoreStats(n.nodeID, st.Entries, st.MemoryBytes)
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
		}
	}
}

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cachering/internal/client"
	"cachering/internal/health"
	"cachering/internal/logging"
	"cachering/internal/metrics"
	"cachering/internal/peer"
	"cachering/internal/quorum"
	"cachering/internal/replication"
	"cachering/internal/ring"
)

var (
	// ErrUnknownNode is returned when removing a node that is not a member.
	ErrUnknownNode = errors.New("cluster: unknown node")
	// ErrInvalidNode is returned for an AddNode call with a bad identity or
	// address.
	ErrInvalidNode = errors.New("cluster: invalid node")
)

type options struct {
	vnodes            int
	hash              ring.HashFunc
	replicationFactor int
	healthOpts        []health.Option
	replicationOpts   []replication.Option
	clientOpts        []client.Option
	logger            *slog.Logger
}

// Option configures a Cluster.
type Option func(*options)

// WithVNodes sets the number of virtual nodes per physical node.
func WithVNodes(n int) Option {
	return func(o *options) { o.vnodes = n }
}

// WithHash sets the ring hash function.
func WithHash(h ring.HashFunc) Option {
	return func(o *options) { o.hash = h }
}

// WithReplicationFactor sets R for both routing and migration.
func WithReplicationFactor(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.replicationFactor = n
		}
	}
}

// WithHealthOptions passes options to the health monitor.
func WithHealthOptions(opts ...health.Option) Option {
	return func(o *options) { o.healthOpts = append(o.healthOpts, opts...) }
}

// WithReplicationOptions passes options to the replication coordinator.
func WithReplicationOptions(opts ...replication.Option) Option {
	return func(o *options) { o.replicationOpts = append(o.replicationOpts, opts...) }
}

// WithClientOptions passes options to the cache client.
func WithClientOptions(opts ...client.Option) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Cluster is a set of cache nodes behind one ring.
type Cluster struct {
	ring     *ring.Ring
	registry *peer.Registry
	monitor  *health.Monitor
	coord    *replication.Coordinator
	client   *client.Client
	logger   *slog.Logger

	// mu serializes membership changes.
	mu sync.Mutex
}

// New builds a cluster reaching its nodes through registry. The cluster owns
// the registry and closes it on Stop.
func New(registry *peer.Registry, opts ...Option) *Cluster {
	o := options{
		vnodes:            ring.DefaultVNodes,
		replicationFactor: replication.DefaultReplicationFactor,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Op()
	}

	r := ring.NewRing(ring.WithVNodes(o.vnodes), ring.WithHash(o.hash))
	monitor := health.NewMonitor(registry.Client,
		append([]health.Option{health.WithLogger(o.logger)}, o.healthOpts...)...)
	coord := replication.NewCoordinator(r, monitor, registry.Client,
		append([]replication.Option{
			replication.WithLogger(o.logger),
			replication.WithReplicationFactor(o.replicationFactor),
		}, o.replicationOpts...)...)
	cl := client.New(r, registry.Client, monitor,
		append([]client.Option{
			client.WithLogger(o.logger),
			client.WithReplicationFactor(o.replicationFactor),
		}, o.clientOpts...)...)

	c := &Cluster{
		ring:     r,
		registry: registry,
		monitor:  monitor,
		coord:    coord,
		client:   cl,
		logger:   o.logger,
	}
	monitor.Subscribe(func(ev health.Event) {
		c.logger.Info("node health changed", "node_id", ev.Node.ID, "from", ev.From, "to", ev.To, "error", ev.Err)
	})
	monitor.Subscribe(coord.HandleTransition)
	return c
}

// Client returns the cache client routing over the cluster.
func (c *Cluster) Client() *client.Client { return c.client }

// Ring returns the cluster's ring.
func (c *Cluster) Ring() *ring.Ring { return c.ring }

// Monitor returns the health monitor.
func (c *Cluster) Monitor() *health.Monitor { return c.monitor }

// Coordinator returns the replication coordinator.
func (c *Cluster) Coordinator() *replication.Coordinator { return c.coord }

// Start begins health probing and periodic sync.
func (c *Cluster) Start() {
	c.monitor.Start()
	c.coord.Start()
}

// Stop halts background work and closes every node connection.
func (c *Cluster) Stop() error {
	c.coord.Stop()
	c.monitor.Stop()
	c.client.Close()
	return c.registry.Close()
}

// Seed places nodes on the ring as healthy members without migrating data.
// It is meant for the initial, already populated membership.
func (c *Cluster) Seed(nodes ...ring.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range nodes {
		c.monitor.Track(n, health.Healthy)
		c.ring.AddNode(n)
	}
	metrics.SetRingNodes(c.ring.Len())
}

// AddNode adds a node to the ring. The node is kept out of routing until the
// entries it now owns were copied from their previous owners. If that copy
// fails the node stays unhealthy until a probe succeeds, which retries the
// copy. Adding a known ID updates the node's address.
func (c *Cluster) AddNode(ctx context.Context, id, host string, port int) error {
	if id == "" || host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("%w: id=%q host=%q port=%d", ErrInvalidNode, id, host, port)
	}
	node := ring.Node{ID: id, Host: host, Port: port}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.ring.Node(id); ok {
		if old != node {
			c.registry.Remove(id)
			c.ring.AddNode(node)
			c.monitor.Track(node, health.Healthy)
			c.logger.Info("node address updated", "node_id", id, "addr", node.Addr())
		}
		return nil
	}

	c.monitor.Track(node, health.Joining)
	c.ring.AddNode(node)
	metrics.SetRingNodes(c.ring.Len())
	c.logger.Info("node joined", "node_id", id, "addr", node.Addr())

	if err := c.coord.OnNodeJoin(ctx, node); err != nil {
		c.logger.Warn("join migration incomplete, node waits for a healthy probe", "node_id", id, "error", err)
		c.monitor.Demote(id)
		return nil
	}
	c.monitor.Admit(id)
	return nil
}

// RemoveNode takes a node out of the ring after handing its ranges to the
// surviving owners.
func (c *Cluster) RemoveNode(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.ring.Node(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	before := c.ring.Snapshot()
	c.ring.RemoveNode(id)
	metrics.SetRingNodes(c.ring.Len())

	// A failed hand-off is logged by the coordinator and repaired by the
	// next periodic sync.
	_ = c.coord.OnNodeLeave(ctx, node, before)
	c.monitor.Untrack(id)
	c.registry.Remove(id)
	metrics.ForgetNode(id)
	c.logger.Info("node left", "node_id", id)
	return nil
}

// NodeStats describes one node in a Stats report.
type NodeStats struct {
	Node        ring.Node
	Healthy     bool
	Reachable   bool
	Entries     int
	MemoryBytes int64
}

// Stats is an aggregate view of the cluster.
type Stats struct {
	TotalNodes       int
	HealthyNodes     int
	TotalEntries     int
	TotalMemoryBytes int64
	Nodes            []NodeStats
}

// ClusterStats collects per-node store statistics. Entries are counted per
// replica, so a key held by R nodes counts R times. Unreachable nodes are
// reported but contribute no entries.
func (c *Cluster) ClusterStats(ctx context.Context) Stats {
	nodes := c.ring.Nodes()
	stats := Stats{TotalNodes: len(nodes), Nodes: make([]NodeStats, len(nodes))}

	byID := make(map[string]int, len(nodes))
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		byID[n.ID] = i
		ids[i] = n.ID
		stats.Nodes[i] = NodeStats{Node: n, Healthy: c.monitor.IsHealthy(n.ID)}
		if stats.Nodes[i].Healthy {
			stats.HealthyNodes++
		}
	}

	var mu sync.Mutex
	quorum.DoAll(ctx, ids, 0, func(ctx context.Context, nodeID string) error {
		ns := &stats.Nodes[byID[nodeID]]
		pc, err := c.registry.Client(ctx, ns.Node)
		if err != nil {
			return err
		}
		st, err := pc.Stats(ctx)
		if err != nil {
			return err
		}
		metrics.SetStoreStats(nodeID, st.Entries, st.MemoryBytes)

		mu.Lock()
		defer mu.Unlock()
		ns.Reachable = true
		ns.Entries = st.Entries
		ns.MemoryBytes = st.MemoryBytes
		return nil
	})

	for _, ns := range stats.Nodes {
		stats.TotalEntries += ns.Entries
		stats.TotalMemoryBytes += ns.MemoryBytes
	}
	return stats
}

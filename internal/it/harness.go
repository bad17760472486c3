package it

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cachering/internal/cluster"
	"cachering/internal/health"
	"cachering/internal/logging"
	"cachering/internal/node"
	"cachering/internal/peer"
	"cachering/internal/ring"
	"cachering/internal/transport"
)

// Cluster runs cache nodes in-process on loopback ports and a cluster
// controller talking to them over gRPC.
type Cluster struct {
	*cluster.Cluster

	mu    sync.Mutex
	nodes map[string]*Node
}

// Node represents a single node in the test cluster.
type Node struct {
	ID   string
	Addr string
	Port int

	node *node.Node
}

// Server returns the running node.
func (n *Node) Server() *node.Node {
	return n.node
}

// dialOptions keep reconnect backoff short so restarted nodes are reachable
// again within a probe round or two.
func dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  20 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   200 * time.Millisecond,
			},
			MinConnectTimeout: time.Second,
		}),
	}
}

// NewCluster creates an empty test cluster. Nodes are only probed when a
// test calls Monitor().ProbeAll, which keeps health transitions
// deterministic.
func NewCluster(opts ...cluster.Option) *Cluster {
	registry := peer.NewRegistry(transport.Dialer(dialOptions()...))
	opts = append([]cluster.Option{
		cluster.WithLogger(logging.Discard()),
		cluster.WithVNodes(64),
		cluster.WithHealthOptions(health.WithProbeTimeout(500 * time.Millisecond)),
	}, opts...)
	return &Cluster{
		Cluster: cluster.New(registry, opts...),
		nodes:   make(map[string]*Node),
	}
}

// StartNode starts a node on addr ("127.0.0.1:0" picks a port), waits until
// it serves and adds it to the cluster.
func (c *Cluster) StartNode(ctx context.Context, nodeID, addr string) error {
	n, err := c.launch(ctx, nodeID, addr)
	if err != nil {
		return err
	}
	if err := c.AddNode(ctx, nodeID, "127.0.0.1", n.Port); err != nil {
		c.StopNode(nodeID)
		return fmt.Errorf("failed to add node %s: %w", nodeID, err)
	}
	return nil
}

func (c *Cluster) launch(ctx context.Context, nodeID, addr string) (*Node, error) {
	srv := node.NewNode(nodeID, addr, node.WithLogger(logging.Discard()))
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	rn, err := ring.ParseAddr(nodeID, srv.Addr())
	if err != nil {
		srv.Stop()
		return nil, err
	}

	n := &Node{ID: nodeID, Addr: srv.Addr(), Port: rn.Port, node: srv}
	go srv.Start()

	if err := waitForReady(ctx, n, 5*time.Second); err != nil {
		n.Stop()
		return nil, fmt.Errorf("node %s failed to become ready: %w", nodeID, err)
	}

	c.mu.Lock()
	c.nodes[nodeID] = n
	c.mu.Unlock()
	return n, nil
}

// waitForReady polls the gRPC health service of a node.
func waitForReady(ctx context.Context, n *Node, timeout time.Duration) error {
	conn, err := grpc.NewClient(n.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := hc.Check(checkCtx, &healthpb.HealthCheckRequest{})
		cancel()
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", n.ID)
			}
		}
	}
}

// StartCluster starts n nodes named n1..nN.
func (c *Cluster) StartCluster(ctx context.Context, n int) error {
	for i := 1; i <= n; i++ {
		if err := c.StartNode(ctx, fmt.Sprintf("n%d", i), "127.0.0.1:0"); err != nil {
			return err
		}
	}
	return nil
}

// GetNode returns a node by ID.
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[nodeID]
}

// StopNode kills a node without telling the cluster, like a crash.
func (c *Cluster) StopNode(nodeID string) error {
	c.mu.Lock()
	n, ok := c.nodes[nodeID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	n.Stop()
	return nil
}

// RestartNode starts a fresh, empty node with the same ID and address.
func (c *Cluster) RestartNode(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	old, ok := c.nodes[nodeID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	old.Stop()

	_, err := c.launch(ctx, nodeID, old.Addr)
	return err
}

// Stop stops the controller and every node.
func (c *Cluster) Stop() {
	c.Cluster.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		n.Stop()
	}
	c.nodes = nil
}

// Stop stops a single node. It is safe to call more than once.
func (n *Node) Stop() {
	n.node.Stop()
}

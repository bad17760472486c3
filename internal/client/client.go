package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cachering/internal/clock"
	"cachering/internal/logging"
	"cachering/internal/metrics"
	"cachering/internal/observability"
	"cachering/internal/peer"
	"cachering/internal/quorum"
	"cachering/internal/repair"
	"cachering/internal/ring"
	"cachering/internal/storage"
)

var (
	// ErrCacheUnavailable is returned by Put when no replica accepted the
	// write.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrEmptyKey is returned for operations on the empty key.
	ErrEmptyKey = errors.New("empty key")
)

// HealthTracker is the view of node health the client routes by.
// *health.Monitor implements it.
type HealthTracker interface {
	Eligible(node ring.Node) bool
	Rank(nodes []ring.Node) []ring.Node
	ReportFailure(nodeID string, err error)
	Observe(nodeID string, latency time.Duration)
}

// Client reads and writes keys across their replicas.
// It is safe for concurrent use.
type Client struct {
	opts     options
	ring     *ring.Ring
	resolve  peer.Resolver
	health   HealthTracker
	clock    *clock.Clock
	repairer *repair.ReadRepairer
}

// New creates a client routing over r. A nil health tracker treats every
// node as healthy.
func New(r *ring.Ring, resolve peer.Resolver, ht HealthTracker, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Op()
	}

	c := &Client{
		opts:    o,
		ring:    r,
		resolve: resolve,
		health:  ht,
		clock:   clock.New(o.origin),
	}
	c.repairer = repair.NewReadRepairer(c.resolveID, o.requestTimeout, o.logger)
	return c
}

// Close waits for background read repairs to finish.
func (c *Client) Close() {
	c.repairer.Wait()
}

// Replicas returns the nodes currently serving key, best first.
func (c *Client) Replicas(key string) []ring.Node {
	nodes := c.ring.ReplicaNodesFunc(key, c.opts.replicationFactor, c.eligible)
	if c.health != nil {
		nodes = c.health.Rank(nodes)
	}
	return nodes
}

func (c *Client) eligible(n ring.Node) bool {
	return c.health == nil || c.health.Eligible(n)
}

func (c *Client) resolveID(ctx context.Context, nodeID string) (peer.Client, error) {
	node, ok := c.ring.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s left the ring", peer.ErrUnavailable, nodeID)
	}
	return c.resolve(ctx, node)
}

// fail records a replica error. Nothing is held against the node once the
// caller's context is done.
func (c *Client) fail(caller context.Context, op, nodeID string, err error) {
	if caller.Err() != nil {
		return
	}
	metrics.RecordReplicaError(nodeID, op)
	c.opts.logger.Warn("replica request failed", "op", op, "node_id", nodeID, "error", err)
	if c.health != nil {
		c.health.ReportFailure(nodeID, err)
	}
}

func (c *Client) observe(nodeID string, start time.Time) {
	if c.health != nil {
		c.health.Observe(nodeID, time.Since(start))
	}
}

// Put stores value under key on every replica. It returns once one replica
// acknowledged, or ErrCacheUnavailable if none did within the write ack
// timeout. A ttl <= 0 means the entry never expires.
func (c *Client) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	if key == "" {
		return ErrEmptyKey
	}
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "cache.put", observability.AttrKey.String(key))
	defer func() {
		observability.End(span, err)
		result := "ok"
		if err != nil {
			result = "unavailable"
		}
		metrics.RecordOperation("put", result, time.Since(start))
	}()

	replicas := c.ring.ReplicaNodesFunc(key, c.opts.replicationFactor, c.eligible)
	span.SetAttributes(observability.AttrReplicas.Int(len(replicas)))
	if len(replicas) == 0 {
		return fmt.Errorf("%w: no healthy replica for %q", ErrCacheUnavailable, key)
	}

	version := c.clock.Next()
	byID := make(map[string]ring.Node, len(replicas))
	ids := make([]string, len(replicas))
	for i, n := range replicas {
		byID[n.ID] = n
		ids[i] = n.ID
	}

	// Replica writes outlive the caller, so their failures count even after
	// ctx is done.
	detached := context.WithoutCancel(ctx)
	res := quorum.DoWrite(ctx, ids, quorum.WriteOptions{
		Required:       1,
		AckTimeout:     c.opts.writeAckTimeout,
		ReplicaTimeout: c.opts.requestTimeout,
	}, func(rctx context.Context, nodeID string) error {
		begin := time.Now()
		pc, err := c.resolve(rctx, byID[nodeID])
		if err == nil {
			err = pc.Put(rctx, key, value, ttl, version)
		}
		if err != nil {
			c.fail(detached, "put", nodeID, err)
			return err
		}
		c.observe(nodeID, begin)
		return nil
	})
	span.SetAttributes(observability.AttrAcks.Int(res.Acks))

	if !res.Success() {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, res.Err())
	}
	return nil
}

// Get returns the value stored under key. A key that no replica could serve
// is reported as a miss; the error is only set for an empty key or a done
// context.
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	e, found, err := c.lookup(ctx, "get", key)
	if err != nil || !found {
		return nil, false, err
	}
	return e.Value, true, nil
}

// Exists reports whether key holds a live value on some replica.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := c.lookup(ctx, "exists", key)
	return found, err
}

func (c *Client) lookup(ctx context.Context, op, key string) (e storage.Entry, found bool, err error) {
	if key == "" {
		return storage.Entry{}, false, ErrEmptyKey
	}
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "cache."+op, observability.AttrKey.String(key))
	defer func() {
		span.SetAttributes(observability.AttrHit.Bool(found))
		observability.End(span, err)
		result := "miss"
		switch {
		case err != nil:
			result = "error"
		case found:
			result = "hit"
		}
		metrics.RecordOperation(op, result, time.Since(start))
	}()

	replicas := c.Replicas(key)
	span.SetAttributes(observability.AttrReplicas.Int(len(replicas)))
	if len(replicas) == 0 {
		c.opts.logger.Debug("no healthy replica, reporting miss", "key", key)
		return storage.Entry{}, false, nil
	}

	var misses []string
	if c.opts.readMode == ReadRace {
		e, found, misses = c.race(ctx, op, key, replicas)
	} else {
		e, found, misses = c.walk(ctx, op, key, replicas)
	}
	if err := ctx.Err(); err != nil && !found {
		return storage.Entry{}, false, err
	}
	if found && c.opts.readRepair && len(misses) > 0 {
		c.repairer.Repair(e, misses)
	}
	return e, found, nil
}

// walk tries replicas in order and stops at the first hit.
func (c *Client) walk(ctx context.Context, op, key string, replicas []ring.Node) (storage.Entry, bool, []string) {
	var misses []string
	for _, n := range replicas {
		if ctx.Err() != nil {
			break
		}
		e, ok, err := c.readOne(ctx, op, n, key)
		if err != nil {
			continue
		}
		if !ok {
			misses = append(misses, n.ID)
			continue
		}
		return e, true, misses
	}
	return storage.Entry{}, false, misses
}

// race queries all replicas at once.
func (c *Client) race(ctx context.Context, op, key string, replicas []ring.Node) (storage.Entry, bool, []string) {
	byID := make(map[string]ring.Node, len(replicas))
	ids := make([]string, len(replicas))
	for i, n := range replicas {
		byID[n.ID] = n
		ids[i] = n.ID
	}
	res := quorum.DoRace(ctx, ids, c.opts.requestTimeout, func(ctx context.Context, nodeID string) (storage.Entry, bool, error) {
		return c.readOne(ctx, op, byID[nodeID], key)
	})
	return res.Value, res.Found, res.Misses
}

func (c *Client) readOne(parent context.Context, op string, n ring.Node, key string) (storage.Entry, bool, error) {
	ctx, cancel := context.WithTimeout(parent, c.opts.requestTimeout)
	defer cancel()

	begin := time.Now()
	pc, err := c.resolve(ctx, n)
	if err != nil {
		c.fail(parent, op, n.ID, err)
		return storage.Entry{}, false, err
	}

	var (
		e  storage.Entry
		ok bool
	)
	if op == "exists" && !c.opts.readRepair {
		ok, err = pc.Exists(ctx, key)
	} else {
		e, ok, err = pc.Get(ctx, key)
	}
	if err != nil {
		c.fail(parent, op, n.ID, err)
		return storage.Entry{}, false, err
	}
	c.observe(n.ID, begin)
	return e, ok, nil
}

// Delete removes key from every replica. It is best effort: replica errors
// are logged and reported to the health tracker, never returned.
func (c *Client) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "cache.delete", observability.AttrKey.String(key))
	defer func() {
		observability.End(span, nil)
		metrics.RecordOperation("delete", "ok", time.Since(start))
	}()

	replicas := c.ring.ReplicaNodesFunc(key, c.opts.replicationFactor, c.eligible)
	byID := make(map[string]ring.Node, len(replicas))
	ids := make([]string, len(replicas))
	for i, n := range replicas {
		byID[n.ID] = n
		ids[i] = n.ID
	}

	quorum.DoAll(ctx, ids, c.opts.requestTimeout, func(rctx context.Context, nodeID string) error {
		pc, err := c.resolve(rctx, byID[nodeID])
		if err == nil {
			err = pc.Delete(rctx, key)
		}
		if err != nil {
			c.fail(ctx, "delete", nodeID, err)
		}
		return err
	})
	return nil
}

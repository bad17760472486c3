package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cachering/internal/health"
	"cachering/internal/logging"
	"cachering/internal/metrics"
	"cachering/internal/peer"
	"cachering/internal/repair"
	"cachering/internal/ring"
	"cachering/internal/storage"
)

const (
	// DefaultSyncInterval is the time between periodic sync cycles.
	DefaultSyncInterval = 5 * time.Minute
	// DefaultOpTimeout bounds one migration or sync cycle.
	DefaultOpTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds each remote call within a migration.
	DefaultRequestTimeout = 5 * time.Second

	applyBatch = 512
)

// ErrMigration is returned when entries could not be copied to their new
// owners. The next periodic sync retries.
var ErrMigration = errors.New("replication: migration failed")

type options struct {
	replicationFactor int
	syncInterval      time.Duration
	opTimeout         time.Duration
	requestTimeout    time.Duration
	prune             bool
	logger            *slog.Logger
}

// Option configures a Coordinator.
type Option func(*options)

// WithReplicationFactor sets the number of replicas per key.
func WithReplicationFactor(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.replicationFactor = n
		}
	}
}

// WithSyncInterval sets the periodic sync interval.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.syncInterval = d
		}
	}
}

// WithOpTimeout bounds migrations triggered by health transitions and each
// periodic sync cycle.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.opTimeout = d
		}
	}
}

// WithRequestTimeout bounds every remote call made while migrating, so one
// hung node cannot use up the whole operation budget.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithPrune makes periodic sync delete copies held by nodes that no longer
// own the key.
func WithPrune(prune bool) Option {
	return func(o *options) { o.prune = prune }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// SyncReport summarizes a periodic sync cycle.
type SyncReport struct {
	Nodes    int
	Keys     int
	Repaired int
	Pruned   int
	Failed   int
}

// Coordinator moves entries between nodes when ownership changes.
// Migrations and sync cycles are serialized.
type Coordinator struct {
	opts    options
	ring    *ring.Ring
	health  HealthView
	resolve peer.Resolver

	mu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewCoordinator creates a coordinator for r. Nodes rejected by hv are never
// used as sources or targets.
func NewCoordinator(r *ring.Ring, hv HealthView, resolve peer.Resolver, opts ...Option) *Coordinator {
	o := options{
		replicationFactor: DefaultReplicationFactor,
		syncInterval:      DefaultSyncInterval,
		opTimeout:         DefaultOpTimeout,
		requestTimeout:    DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Op()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:    o,
		ring:    r,
		health:  hv,
		resolve: resolve,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ReplicationFactor returns the number of replicas per key.
func (c *Coordinator) ReplicationFactor() int {
	return c.opts.replicationFactor
}

// GetReplicasForKey returns the current replica set of key.
func (c *Coordinator) GetReplicasForKey(key string) []ring.Node {
	return GetReplicasForKey(c.ring.Snapshot(), c.health, key, c.opts.replicationFactor)
}

func (c *Coordinator) eligible(n ring.Node) bool {
	return c.health == nil || c.health.Eligible(n)
}

// OnNodeJoin copies to node every entry it now owns. node must already be on
// the ring; it is treated as eligible even if not yet admitted.
func (c *Coordinator) OnNodeJoin(ctx context.Context, node ring.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.pullInto(ctx, node)
	metrics.RecordMigration("join", n, err)
	if err != nil {
		c.opts.logger.Warn("join migration incomplete", "node_id", node.ID, "copied", n, "error", err)
		return err
	}
	c.opts.logger.Info("join migration complete", "node_id", node.ID, "copied", n)
	return nil
}

// OnNodeRecover copies to a recovered node the entries it owns, so it does
// not serve stale data for writes it missed.
func (c *Coordinator) OnNodeRecover(ctx context.Context, node ring.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.pullInto(ctx, node)
	metrics.RecordMigration("recover", n, err)
	if err != nil {
		c.opts.logger.Warn("recovery migration incomplete", "node_id", node.ID, "copied", n, "error", err)
		return err
	}
	c.opts.logger.Info("recovery migration complete", "node_id", node.ID, "copied", n)
	return nil
}

// pullInto gathers from every eligible node the entries target owns and
// applies them to target. c.mu must be held.
func (c *Coordinator) pullInto(ctx context.Context, target ring.Node) (int, error) {
	view := c.ring.Snapshot()
	if _, ok := view.Node(target.ID); !ok {
		return 0, fmt.Errorf("%w: %s is not on the ring", ErrMigration, target.ID)
	}
	dst, err := c.resolve(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMigration, err)
	}

	withTarget := including(c.health, target.ID)
	var (
		copied int
		errs   []error
	)
	for _, src := range view.Nodes() {
		if src.ID == target.ID || !c.eligible(src) {
			continue
		}
		_, entries, err := c.entriesOf(ctx, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		owned := entries[:0]
		for _, e := range entries {
			if contains(view.ReplicaNodesFunc(e.Key, c.opts.replicationFactor, withTarget), target.ID) {
				owned = append(owned, e)
			}
		}
		n, err := c.apply(ctx, dst, owned)
		copied += n
		if err != nil {
			errs = append(errs, fmt.Errorf("apply to %s: %w", target.ID, err))
		}
	}
	if len(errs) > 0 {
		return copied, fmt.Errorf("%w: %w", ErrMigration, errors.Join(errs...))
	}
	return copied, nil
}

// OnNodeLeave makes sure the surviving owners of every range node held hold a
// copy. before is the topology in which node still owned its ranges; node is
// treated as eligible in it. The leaving node itself is used as a source when
// it is still reachable.
func (c *Coordinator) OnNodeLeave(ctx context.Context, node ring.Node, before *ring.View) error {
	return c.handOff(ctx, "leave", node, before, true)
}

// onNodeFailed hands off the ranges of a node that was just judged
// unreachable. Only the surviving replicas serve as sources.
func (c *Coordinator) onNodeFailed(ctx context.Context, node ring.Node) error {
	return c.handOff(ctx, "failure", node, c.ring.Snapshot(), false)
}

func (c *Coordinator) handOff(ctx context.Context, reason string, node ring.Node, before *ring.View, fromLeaving bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.pushFrom(ctx, node, before, fromLeaving)
	metrics.RecordMigration(reason, n, err)
	if err != nil {
		c.opts.logger.Warn("hand-off incomplete", "reason", reason, "node_id", node.ID, "copied", n, "error", err)
		return err
	}
	c.opts.logger.Info("hand-off complete", "reason", reason, "node_id", node.ID, "copied", n)
	return nil
}

// c.mu must be held.
func (c *Coordinator) pushFrom(ctx context.Context, leaving ring.Node, before *ring.View, fromLeaving bool) (int, error) {
	after := c.ring.Snapshot()
	if before == nil {
		before = after
	}
	withLeaving := including(c.health, leaving.ID)
	isAfterOwner := func(n ring.Node) bool { return n.ID != leaving.ID && c.eligible(n) }

	var sources []ring.Node
	if fromLeaving {
		sources = append(sources, leaving)
	}
	survivors := 0
	for _, n := range before.Nodes() {
		if n.ID != leaving.ID && c.eligible(n) {
			sources = append(sources, n)
			survivors++
		}
	}

	// Per target, the newest copy of each key seen across sources.
	pending := make(map[string]map[string]storage.Entry)
	targets := make(map[string]ring.Node)
	var errs []error
	reachable := 0
	for _, src := range sources {
		_, entries, err := c.entriesOf(ctx, src)
		if err != nil {
			if src.ID != leaving.ID {
				errs = append(errs, err)
			}
			continue
		}
		if src.ID != leaving.ID {
			reachable++
		}
		for _, e := range entries {
			if !contains(before.ReplicaNodesFunc(e.Key, c.opts.replicationFactor, withLeaving), leaving.ID) {
				continue
			}
			for _, owner := range after.ReplicaNodesFunc(e.Key, c.opts.replicationFactor, isAfterOwner) {
				if owner.ID == src.ID {
					continue
				}
				byKey, ok := pending[owner.ID]
				if !ok {
					byKey = make(map[string]storage.Entry)
					pending[owner.ID] = byKey
					targets[owner.ID] = owner
				}
				if cur, ok := byKey[e.Key]; !ok || e.Version.Dominates(cur.Version) {
					byKey[e.Key] = e
				}
			}
		}
	}

	copied := 0
	for id, byKey := range pending {
		dst, err := c.resolve(ctx, targets[id])
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", id, err))
			continue
		}
		entries := make([]storage.Entry, 0, len(byKey))
		for _, e := range byKey {
			entries = append(entries, e)
		}
		n, err := c.apply(ctx, dst, entries)
		copied += n
		if err != nil {
			errs = append(errs, fmt.Errorf("apply to %s: %w", id, err))
		}
	}

	if reachable == 0 && survivors > 0 {
		errs = append(errs, errors.New("no source reachable"))
	}
	if len(errs) > 0 {
		return copied, fmt.Errorf("%w: %w", ErrMigration, errors.Join(errs...))
	}
	return copied, nil
}

// HandleTransition reacts to a health event: an unhealthy node is treated as
// leaving and a recovered node is refreshed. It is meant to be registered
// with health.Monitor.Subscribe.
func (c *Coordinator) HandleTransition(ev health.Event) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.opTimeout)
	defer cancel()

	switch ev.To {
	case health.Unhealthy:
		if !c.ring.Has(ev.Node.ID) {
			return
		}
		_ = c.onNodeFailed(ctx, ev.Node)
	case health.Healthy:
		if !c.ring.Has(ev.Node.ID) {
			return
		}
		_ = c.OnNodeRecover(ctx, ev.Node)
	}
}

// PeriodicSync reconciles the replicas of every key held by an eligible node.
// Owners missing the newest copy receive it. With pruning enabled, copies
// held by non-owners are deleted once every owner is up to date.
func (c *Coordinator) PeriodicSync(ctx context.Context) (SyncReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := c.ring.Snapshot()
	var report SyncReport
	var errs []error

	holders := make(map[string][]repair.Copy)
	clients := make(map[string]peer.Client)
	nodes := make(map[string]ring.Node)
	for _, n := range view.Nodes() {
		if !c.eligible(n) {
			continue
		}
		cl, entries, err := c.entriesOf(ctx, n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Nodes++
		clients[n.ID] = cl
		nodes[n.ID] = n
		for _, e := range entries {
			holders[e.Key] = append(holders[e.Key], repair.Copy{ReplicaID: n.ID, Entry: e, Found: true})
		}
	}

	repairs := make(map[string][]storage.Entry)
	prunes := make(map[string][]string)
	for key, copies := range holders {
		report.Keys++
		owners := view.ReplicaNodesFunc(key, c.opts.replicationFactor, c.eligible)

		all := append([]repair.Copy(nil), copies...)
		for _, o := range owners {
			if !holds(copies, o.ID) {
				all = append(all, repair.Copy{ReplicaID: o.ID})
			}
		}
		res := repair.Reconcile(all)

		for _, id := range res.Stale {
			if contains(owners, id) {
				if _, ok := clients[id]; ok {
					repairs[id] = append(repairs[id], res.Winner)
				}
			}
		}
		if c.opts.prune {
			for _, cp := range copies {
				if !contains(owners, cp.ReplicaID) {
					prunes[cp.ReplicaID] = append(prunes[cp.ReplicaID], key)
				}
			}
		}
	}

	failedKeys := make(map[string]bool)
	for id, entries := range repairs {
		n, err := c.apply(ctx, clients[id], entries)
		report.Repaired += n
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("apply to %s: %w", id, err))
			for _, e := range entries {
				failedKeys[e.Key] = true
			}
		}
	}
	for id, keys := range prunes {
		for _, key := range keys {
			if failedKeys[key] {
				continue
			}
			if err := c.remove(ctx, clients[id], key); err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("prune %s on %s: %w", key, id, err))
				break
			}
			report.Pruned++
		}
	}

	metrics.RecordSync(report.Repaired)
	c.opts.logger.Debug("periodic sync complete",
		"nodes", report.Nodes, "keys", report.Keys, "repaired", report.Repaired,
		"pruned", report.Pruned, "failed", report.Failed)
	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrMigration, errors.Join(errs...))
		c.opts.logger.Warn("periodic sync incomplete", "error", err)
		return report, err
	}
	return report, nil
}

func holds(copies []repair.Copy, id string) bool {
	for _, cp := range copies {
		if cp.ReplicaID == id {
			return true
		}
	}
	return false
}

// Start runs PeriodicSync on the configured interval.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.opts.syncInterval)
			defer ticker.Stop()

			for {
				select {
				case <-c.ctx.Done():
					return
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(c.ctx, c.opts.opTimeout)
					c.PeriodicSync(ctx)
					cancel()
				}
			}
		}()
	})
}

// Stop halts periodic sync and aborts in-flight migrations.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

// entriesOf lists the live entries of n, probe keys excluded, within one
// request timeout.
func (c *Coordinator) entriesOf(ctx context.Context, n ring.Node) (peer.Client, []storage.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.requestTimeout)
	defer cancel()

	cl, err := c.resolve(ctx, n)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", n.ID, err)
	}
	entries, err := cl.Entries(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("entries of %s: %w", n.ID, err)
	}
	out := entries[:0]
	for _, e := range entries {
		if !health.IsProbeKey(e.Key) {
			out = append(out, e)
		}
	}
	return cl, out, nil
}

// apply sends entries to dst in batches, each under its own request timeout,
// and returns how many were applied.
func (c *Coordinator) apply(ctx context.Context, dst peer.Client, entries []storage.Entry) (int, error) {
	total := 0
	for start := 0; start < len(entries); start += applyBatch {
		end := min(start+applyBatch, len(entries))
		bctx, cancel := context.WithTimeout(ctx, c.opts.requestTimeout)
		n, err := dst.Apply(bctx, entries[start:end])
		cancel()
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Coordinator) remove(ctx context.Context, dst peer.Client, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.requestTimeout)
	defer cancel()
	return dst.Delete(ctx, key)
}

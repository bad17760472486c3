package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cachering/internal/logging"
	"cachering/internal/metrics"
	"cachering/internal/peer"
	"cachering/internal/ring"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultThreshold    = 3
	DefaultProbeTimeout = 2 * time.Second
	DefaultProbeTTL     = 5 * time.Second
	DefaultWorkers      = 4

	// latencyWeight is the EWMA weight of a new latency sample.
	latencyWeight = 0.2
)

type options struct {
	interval     time.Duration
	threshold    int
	probeTimeout time.Duration
	probeTTL     time.Duration
	workers      int
	logger       *slog.Logger
}

// Option configures a Monitor.
type Option func(*options)

// WithInterval sets the time between probe rounds.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithThreshold sets how many consecutive failed probes mark a node
// unhealthy.
func WithThreshold(k int) Option {
	return func(o *options) {
		if k > 0 {
			o.threshold = k
		}
	}
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.probeTimeout = d
		}
	}
}

// WithProbeTTL sets the ttl of probe keys.
func WithProbeTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.probeTTL = d
		}
	}
}

// WithWorkers bounds how many probes run at once.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type nodeState struct {
	node      ring.Node
	status    Status
	failures  int
	latency   time.Duration
	lastProbe time.Time
	lastError string
}

func (s *nodeState) score() float64 {
	return (float64(s.latency)/float64(time.Millisecond) + 1) * float64(1+s.failures)
}

// Monitor probes nodes and tracks their health.
// It is safe for concurrent use. Call Stop to release its goroutines.
type Monitor struct {
	opts    options
	resolve peer.Resolver

	mu        sync.RWMutex
	nodes     map[string]*nodeState
	listeners []Listener

	// Pending events in transition order. qmu is taken after mu.
	qmu     sync.Mutex
	pending []Event
	wake    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor that probes nodes through resolve. The event
// dispatcher starts immediately; Start begins periodic probing.
func NewMonitor(resolve peer.Resolver, opts ...Option) *Monitor {
	o := options{
		interval:     DefaultInterval,
		threshold:    DefaultThreshold,
		probeTimeout: DefaultProbeTimeout,
		probeTTL:     DefaultProbeTTL,
		workers:      DefaultWorkers,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Op()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		opts:    o,
		resolve: resolve,
		nodes:   make(map[string]*nodeState),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	m.wg.Add(1)
	go m.dispatch()
	return m
}

// Threshold returns the number of consecutive failures that mark a node
// unhealthy.
func (m *Monitor) Threshold() int {
	return m.opts.threshold
}

// Subscribe registers a listener for health transitions.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Track starts monitoring node with the given initial status. Tracking a
// node again only refreshes its address.
func (m *Monitor) Track(node ring.Node, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.nodes[node.ID]; ok {
		s.node = node
		return
	}
	m.nodes[node.ID] = &nodeState{node: node, status: status}
	metrics.SetNodeHealthy(node.ID, status == Healthy)
}

// Untrack stops monitoring a node.
func (m *Monitor) Untrack(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
}

// Start begins periodic probing. It is a no-op after the first call.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.opts.interval)
			defer ticker.Stop()

			for {
				select {
				case <-m.ctx.Done():
					return
				case <-ticker.C:
					m.ProbeAll(m.ctx)
				}
			}
		}()
	})
}

// Stop halts probing and the dispatcher. Pending events are dropped.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

// ProbeAll probes every tracked node once on the bounded worker pool and
// waits for the round to finish.
func (m *Monitor) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]ring.Node, 0, len(m.nodes))
	for _, s := range m.nodes {
		targets = append(targets, s.node)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(m.opts.workers)
	for _, node := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			m.probeNode(ctx, node)
			return nil
		})
	}
	g.Wait()
}

func (m *Monitor) probeNode(ctx context.Context, node ring.Node) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.probeTimeout)
	defer cancel()

	start := time.Now()
	client, err := m.resolve(ctx, node)
	if err == nil {
		err = Probe(ctx, client, m.opts.probeTTL)
	}
	elapsed := time.Since(start)
	metrics.RecordProbe(node.ID, err == nil, elapsed)

	if err != nil {
		m.recordFailure(node.ID, err, false)
		return
	}
	m.recordSuccess(node.ID, elapsed)
}

// ReportFailure marks a node unhealthy after a failed client request.
func (m *Monitor) ReportFailure(nodeID string, err error) {
	m.recordFailure(nodeID, err, true)
}

// Observe feeds a latency sample from a successful request into the node's
// score. It does not change the node's status.
func (m *Monitor) Observe(nodeID string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.nodes[nodeID]; ok {
		s.observe(latency)
	}
}

func (s *nodeState) observe(latency time.Duration) {
	if s.latency == 0 {
		s.latency = latency
		return
	}
	s.latency = time.Duration(latencyWeight*float64(latency) + (1-latencyWeight)*float64(s.latency))
}

func (m *Monitor) recordSuccess(nodeID string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.nodes[nodeID]
	if !ok {
		return
	}
	s.failures = 0
	s.lastProbe = time.Now()
	s.lastError = ""
	s.observe(latency)
	if s.status == Unhealthy {
		m.transition(s, Healthy, nil)
	}
}

// recordFailure counts a failure. immediate skips the threshold.
func (m *Monitor) recordFailure(nodeID string, err error, immediate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.nodes[nodeID]
	if !ok {
		return
	}
	s.failures++
	if immediate && s.failures < m.opts.threshold {
		s.failures = m.opts.threshold
	}
	if !immediate {
		s.lastProbe = time.Now()
	}
	if err != nil {
		s.lastError = err.Error()
	}
	if s.status == Healthy && s.failures >= m.opts.threshold {
		m.transition(s, Unhealthy, err)
	}
}

// Admit marks a node healthy without emitting a transition. It is used once a
// joining node holds its data.
func (m *Monitor) Admit(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.nodes[nodeID]; ok {
		s.status = Healthy
		s.failures = 0
		metrics.SetNodeHealthy(nodeID, true)
	}
}

// Demote moves a joining node to Unhealthy without emitting a transition. The
// next successful probe then recovers it, and the recovery event retries the
// copy that failed during the join.
func (m *Monitor) Demote(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.nodes[nodeID]; ok && s.status == Joining {
		s.status = Unhealthy
		metrics.SetNodeHealthy(nodeID, false)
	}
}

// m.mu must be held.
func (m *Monitor) transition(s *nodeState, to Status, cause error) {
	from := s.status
	s.status = to
	ev := Event{Node: s.node, From: from, To: to, At: time.Now(), Err: cause}

	metrics.SetNodeHealthy(s.node.ID, to == Healthy)
	metrics.RecordHealthTransition(s.node.ID, to.String())
	if to == Unhealthy {
		m.opts.logger.Warn("node unhealthy", "node_id", s.node.ID, "failures", s.failures, "error", cause)
	} else {
		m.opts.logger.Info("node recovered", "node_id", s.node.ID)
	}

	m.qmu.Lock()
	m.pending = append(m.pending, ev)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}

		m.qmu.Lock()
		events := m.pending
		m.pending = nil
		m.qmu.Unlock()

		m.mu.RLock()
		listeners := append([]Listener(nil), m.listeners...)
		m.mu.RUnlock()

		for _, ev := range events {
			for _, l := range listeners {
				l(ev)
			}
		}
	}
}

// IsHealthy reports whether the node is tracked and healthy.
func (m *Monitor) IsHealthy(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.nodes[nodeID]
	return ok && s.status == Healthy
}

// Eligible is IsHealthy in the form ring.ReplicaNodesFunc expects.
func (m *Monitor) Eligible(node ring.Node) bool {
	return m.IsHealthy(node.ID)
}

// Health returns a snapshot of one node.
func (m *Monitor) Health(nodeID string) (NodeHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.nodes[nodeID]
	if !ok {
		return NodeHealth{}, false
	}
	return s.snapshot(), true
}

func (s *nodeState) snapshot() NodeHealth {
	return NodeHealth{
		Node:                s.node,
		Status:              s.status,
		ConsecutiveFailures: s.failures,
		Latency:             s.latency,
		LastProbe:           s.lastProbe,
		LastError:           s.lastError,
		Score:               s.score(),
	}
}

// Snapshot returns every tracked node ordered by ID.
func (m *Monitor) Snapshot() []NodeHealth {
	m.mu.RLock()
	out := make([]NodeHealth, 0, len(m.nodes))
	for _, s := range m.nodes {
		out = append(out, s.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

// HealthyCount returns the number of healthy nodes.
func (m *Monitor) HealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.nodes {
		if s.status == Healthy {
			n++
		}
	}
	return n
}

// Rank orders nodes healthy first, then by ascending score. Ties keep the
// input order, which for a replica set is ring order. Untracked nodes rank
// last.
func (m *Monitor) Rank(nodes []ring.Node) []ring.Node {
	type ranked struct {
		node    ring.Node
		healthy bool
		known   bool
		score   float64
	}

	m.mu.RLock()
	rs := make([]ranked, len(nodes))
	for i, n := range nodes {
		rs[i] = ranked{node: n}
		if s, ok := m.nodes[n.ID]; ok {
			rs[i].known = true
			rs[i].healthy = s.status == Healthy
			rs[i].score = s.score()
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.known != b.known {
			return a.known
		}
		if a.healthy != b.healthy {
			return a.healthy
		}
		return a.score < b.score
	})

	out := make([]ring.Node, len(rs))
	for i, r := range rs {
		out[i] = r.node
	}
	return out
}

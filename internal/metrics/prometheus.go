// Package metrics exposes Prometheus collectors for the cache. All recorders
// are no-ops until InitPrometheus is called.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors of a cache process.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Client
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	replicaErrors     *prometheus.CounterVec
	readRepairs       *prometheus.CounterVec

	// Health
	probesTotal       *prometheus.CounterVec
	probeDuration     *prometheus.HistogramVec
	nodeHealthy       *prometheus.GaugeVec
	healthTransitions *prometheus.CounterVec

	// Replication
	migratedEntries   *prometheus.CounterVec
	migrationFailures *prometheus.CounterVec
	syncRuns          prometheus.Counter
	syncRepaired      prometheus.Counter

	// Topology and storage
	ringNodes        prometheus.Gauge
	storeEntries     *prometheus.GaugeVec
	storeMemoryBytes *prometheus.GaugeVec

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for operation latency (in milliseconds)
var defaultBuckets = []float64{0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

var (
	promMetrics *PrometheusMetrics
	startTime   = time.Now()
)

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Client operations by type and result",
			},
			[]string{"op", "result"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_milliseconds",
				Help:      "Duration of client operations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"op"},
		),

		replicaErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replica_errors_total",
				Help:      "Errors returned by replicas by node and operation",
			},
			[]string{"node", "op"},
		),

		readRepairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "read_repairs_total",
				Help:      "Replicas written back after a read, by result",
			},
			[]string{"result"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Health probes by node and result",
			},
			[]string{"node", "result"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_probe_duration_milliseconds",
				Help:      "Round-trip time of health probes in milliseconds",
				Buckets:   buckets,
			},
			[]string{"node"},
		),

		nodeHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "node_healthy",
				Help:      "1 if the node is healthy, 0 otherwise",
			},
			[]string{"node"},
		),

		healthTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_transitions_total",
				Help:      "Node health state transitions",
			},
			[]string{"node", "to_state"},
		),

		migratedEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrated_entries_total",
				Help:      "Entries copied between nodes by trigger",
			},
			[]string{"reason"},
		),

		migrationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_failures_total",
				Help:      "Failed migrations by trigger",
			},
			[]string{"reason"},
		),

		syncRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Completed periodic sync cycles",
			},
		),

		syncRepaired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_repaired_total",
				Help:      "Replica copies written by periodic sync",
			},
		),

		ringNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ring_nodes",
				Help:      "Physical nodes on the hash ring",
			},
		),

		storeEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_entries",
				Help:      "Entries held by a node",
			},
			[]string{"node"},
		),

		storeMemoryBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_memory_bytes",
				Help:      "Approximate memory used by a node's entries",
			},
			[]string{"node"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the process started",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	registry.MustRegister(
		pm.operationsTotal,
		pm.operationDuration,
		pm.replicaErrors,
		pm.readRepairs,
		pm.probesTotal,
		pm.probeDuration,
		pm.nodeHealthy,
		pm.healthTransitions,
		pm.migratedEntries,
		pm.migrationFailures,
		pm.syncRuns,
		pm.syncRepaired,
		pm.ringNodes,
		pm.storeEntries,
		pm.storeMemoryBytes,
		pm.uptime,
	)

	promMetrics = pm
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RecordOperation records a client operation and its latency.
func RecordOperation(op, result string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.operationsTotal.WithLabelValues(op, result).Inc()
	promMetrics.operationDuration.WithLabelValues(op).Observe(ms(d))
}

// RecordReplicaError records an error returned by a replica.
func RecordReplicaError(node, op string) {
	if promMetrics == nil {
		return
	}
	promMetrics.replicaErrors.WithLabelValues(node, op).Inc()
}

// RecordReadRepair records the outcome of a read repair.
func RecordReadRepair(repaired, failed int) {
	if promMetrics == nil {
		return
	}
	promMetrics.readRepairs.WithLabelValues("repaired").Add(float64(repaired))
	promMetrics.readRepairs.WithLabelValues("failed").Add(float64(failed))
}

// RecordProbe records a health probe.
func RecordProbe(node string, success bool, d time.Duration) {
	if promMetrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	promMetrics.probesTotal.WithLabelValues(node, result).Inc()
	promMetrics.probeDuration.WithLabelValues(node).Observe(ms(d))
}

// SetNodeHealthy sets the health gauge of a node.
func SetNodeHealthy(node string, healthy bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	promMetrics.nodeHealthy.WithLabelValues(node).Set(v)
}

// RecordHealthTransition records a node changing health state.
func RecordHealthTransition(node, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.healthTransitions.WithLabelValues(node, toState).Inc()
}

// ForgetNode drops the per-node series of a node leaving the cluster.
func ForgetNode(node string) {
	if promMetrics == nil {
		return
	}
	promMetrics.nodeHealthy.DeleteLabelValues(node)
	promMetrics.storeEntries.DeleteLabelValues(node)
	promMetrics.storeMemoryBytes.DeleteLabelValues(node)
}

// RecordMigration records entries copied for reason, or a failed migration.
func RecordMigration(reason string, entries int, err error) {
	if promMetrics == nil {
		return
	}
	promMetrics.migratedEntries.WithLabelValues(reason).Add(float64(entries))
	if err != nil {
		promMetrics.migrationFailures.WithLabelValues(reason).Inc()
	}
}

// RecordSync records a completed periodic sync cycle.
func RecordSync(repaired int) {
	if promMetrics == nil {
		return
	}
	promMetrics.syncRuns.Inc()
	promMetrics.syncRepaired.Add(float64(repaired))
}

// SetRingNodes sets the number of nodes on the ring.
func SetRingNodes(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.ringNodes.Set(float64(n))
}

// SetStoreStats publishes the size of a node's store.
func SetStoreStats(node string, entries int, memoryBytes int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.storeEntries.WithLabelValues(node).Set(float64(entries))
	promMetrics.storeMemoryBytes.WithLabelValues(node).Set(float64(memoryBytes))
}

// PrometheusHandler returns the HTTP handler serving the registry.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, or nil before InitPrometheus.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

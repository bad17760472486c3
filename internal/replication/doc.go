// Package replication keeps replica sets populated as the topology changes.
// The Coordinator copies entries to nodes that became owners of a key when a
// node joins, leaves, fails or recovers, and periodically reconciles replicas
// last-write-wins.
package replication

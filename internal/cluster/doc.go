// Package cluster wires the ring, health monitor, replication coordinator
// and client into one administrable cache cluster.
package cluster

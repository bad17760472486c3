// Package node runs a single cache node: a TTL store with its sweeper,
// served over gRPC together with the standard gRPC health service.
package node

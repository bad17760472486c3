// Package peer defines the boundary between cache components and the
// physical nodes that hold data. A Client is one node as seen from the
// outside; the cluster talks to nodes only through it, whether the node is
// in-process, reached over gRPC, or backed by a Redis server.
package peer

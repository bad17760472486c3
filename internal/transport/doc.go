// Package transport carries the peer operations of a cache node over gRPC.
//
// Messages are plain Go structs encoded with protowire under the "cachewire"
// codec, so no generated stubs are needed. The service is described by a
// hand-written grpc.ServiceDesc; Server exposes a storage.Store through it
// and Client implements peer.Client on top of a client connection.
package transport

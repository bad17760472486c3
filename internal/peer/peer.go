package peer

import (
	"context"
	"errors"
	"time"

	"cachering/internal/clock"
	"cachering/internal/ring"
	"cachering/internal/storage"
)

// ErrUnavailable is returned when a node cannot serve a request.
var ErrUnavailable = errors.New("peer: node unavailable")

// Client is the set of operations a physical node exposes.
type Client interface {
	// Put stores value under key. A zero version lets the node stamp the
	// write itself; otherwise the write is applied last-write-wins.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration, version clock.Version) error
	// Get returns the live entry stored under key.
	Get(ctx context.Context, key string) (storage.Entry, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Entries returns every live entry held by the node.
	Entries(ctx context.Context) ([]storage.Entry, error)
	// Apply merges migrated entries and returns how many were applied.
	Apply(ctx context.Context, entries []storage.Entry) (int, error)
	Stats(ctx context.Context) (storage.Stats, error)

	Close() error
}

// Resolver returns the client for a node. Registry.Client is a Resolver.
type Resolver func(ctx context.Context, node ring.Node) (Client, error)

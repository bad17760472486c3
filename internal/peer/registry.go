package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cachering/internal/ring"
)

// Dialer opens a Client for a node.
type Dialer func(ctx context.Context, node ring.Node) (Client, error)

type entry struct {
	addr   string
	client Client
}

// Registry caches one Client per node ID, dialing lazily.
// It is safe for concurrent use.
type Registry struct {
	dial Dialer

	mu      sync.Mutex
	clients map[string]entry
}

// NewRegistry creates a registry. A nil dialer means only clients added with
// Register can be resolved.
func NewRegistry(dial Dialer) *Registry {
	return &Registry{
		dial:    dial,
		clients: make(map[string]entry),
	}
}

// Register installs c as the client for node, replacing and closing any
// previous client.
func (r *Registry) Register(node ring.Node, c Client) {
	r.mu.Lock()
	old, ok := r.clients[node.ID]
	r.clients[node.ID] = entry{addr: node.Addr(), client: c}
	r.mu.Unlock()

	if ok && old.client != c {
		old.client.Close()
	}
}

// Client returns the client for node, dialing it if needed. A node whose
// address changed is redialed.
func (r *Registry) Client(ctx context.Context, node ring.Node) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.clients[node.ID]; ok {
		if e.addr == node.Addr() || r.dial == nil {
			return e.client, nil
		}
		e.client.Close()
		delete(r.clients, node.ID)
	}
	if r.dial == nil {
		return nil, fmt.Errorf("%w: no client for %s", ErrUnavailable, node.ID)
	}

	c, err := r.dial(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", node, err)
	}
	r.clients[node.ID] = entry{addr: node.Addr(), client: c}
	return c, nil
}

// Remove closes and forgets the client for nodeID.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	e, ok := r.clients[nodeID]
	delete(r.clients, nodeID)
	r.mu.Unlock()

	if ok {
		e.client.Close()
	}
}

// Close closes every client.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]entry)
	r.mu.Unlock()

	var errs []error
	for id, e := range clients {
		if err := e.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

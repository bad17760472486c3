package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"cachering/internal/clock"
	"cachering/internal/peer"
	"cachering/internal/ring"
	"cachering/internal/storage"
)

// Client implements peer.Client over a gRPC connection to one node.
type Client struct {
	nodeID string
	conn   *grpc.ClientConn
	now    func() time.Time
}

var _ peer.Client = (*Client)(nil)

// Dial creates a client for node. The connection is established lazily on
// the first call.
func Dial(node ring.Node, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithChainUnaryInterceptor(outgoingInterceptor),
	}
	conn, err := grpc.NewClient(node.Addr(), append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", node.Addr(), err)
	}
	return &Client{nodeID: node.ID, conn: conn, now: time.Now}, nil
}

// Dialer returns a peer.Dialer creating gRPC clients with opts.
func Dialer(opts ...grpc.DialOption) peer.Dialer {
	return func(ctx context.Context, node ring.Node) (peer.Client, error) {
		return Dial(node, opts...)
	}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp message) error {
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp)
	return fromStatus(c.nodeID, err)
}

func (c *Client) Put(ctx context.Context, key string, value []byte, ttl time.Duration, version clock.Version) error {
	req := &Entry{
		Key:           key,
		Value:         value,
		VersionTS:     version.Timestamp,
		VersionOrigin: version.Origin,
	}
	if ttl > 0 {
		req.TTLMillis = max(ttl.Milliseconds(), 1)
	}
	return c.invoke(ctx, "Put", req, &Empty{})
}

func (c *Client) Get(ctx context.Context, key string) (storage.Entry, bool, error) {
	var resp GetResponse
	if err := c.invoke(ctx, "Get", &KeyRequest{Key: key}, &resp); err != nil {
		return storage.Entry{}, false, err
	}
	if resp.Entry == nil {
		return storage.Entry{}, false, nil
	}
	return EntryFromWire(resp.Entry, c.now()), true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.invoke(ctx, "Delete", &KeyRequest{Key: key}, &Empty{})
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var resp ExistsResponse
	if err := c.invoke(ctx, "Exists", &KeyRequest{Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Found, nil
}

func (c *Client) Entries(ctx context.Context) ([]storage.Entry, error) {
	var resp EntryList
	if err := c.invoke(ctx, "Entries", &Empty{}, &resp); err != nil {
		return nil, err
	}
	now := c.now()
	entries := make([]storage.Entry, 0, len(resp.Entries))
	for _, w := range resp.Entries {
		entries = append(entries, EntryFromWire(w, now))
	}
	return entries, nil
}

func (c *Client) Apply(ctx context.Context, entries []storage.Entry) (int, error) {
	now := c.now()
	req := &EntryList{Entries: make([]*Entry, 0, len(entries))}
	for _, e := range entries {
		req.Entries = append(req.Entries, EntryToWire(e, now))
	}
	var resp ApplyResponse
	if err := c.invoke(ctx, "Apply", req, &resp); err != nil {
		return 0, err
	}
	return int(resp.Applied), nil
}

func (c *Client) Stats(ctx context.Context) (storage.Stats, error) {
	var resp StatsResponse
	if err := c.invoke(ctx, "Stats", &Empty{}, &resp); err != nil {
		return storage.Stats{}, err
	}
	return statsFromWire(&resp), nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"cachering/internal/logging"
	"cachering/internal/observability"
	"cachering/internal/storage"
)

// Server implements NodeServer on top of a store.
type Server struct {
	store  *storage.Store
	nodeID string
	logger *slog.Logger
	now    func() time.Time
}

var _ NodeServer = (*Server)(nil)

// NewServer creates a server exposing store as node nodeID.
func NewServer(store *storage.Store, nodeID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Op()
	}
	return &Server{
		store:  store,
		nodeID: nodeID,
		logger: logger.With("node_id", nodeID),
		now:    time.Now,
	}
}

// Register registers the node service on s.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	RegisterNodeServer(gs, s)
}

// Interceptor opens a server span per call, continuing the caller's trace,
// and maps handler errors to gRPC status codes.
func (s *Server) Interceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = observability.Extract(ctx, metadataCarrier(md))
	}
	ctx, span := observability.StartServerSpan(ctx, info.FullMethod, observability.AttrNodeID.String(s.nodeID))
	resp, err := handler(ctx, req)
	observability.End(span, err)

	if err != nil {
		s.logger.Debug("request failed", "method", info.FullMethod, "request_id", requestID(ctx), "error", err)
	}
	return resp, toStatus(err)
}

func (s *Server) checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidArgument)
	}
	return nil
}

func (s *Server) Put(ctx context.Context, req *Entry) (*Empty, error) {
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	s.logger.Debug("put", "key", req.Key, "request_id", requestID(ctx))

	if req.TTLMillis < 0 {
		return &Empty{}, nil
	}
	version := req.Version()
	if version.IsZero() {
		s.store.Put(req.Key, req.Value, req.TTL())
		return &Empty{}, nil
	}
	s.store.PutVersioned(req.Key, req.Value, req.TTL(), version)
	return &Empty{}, nil
}

func (s *Server) Get(ctx context.Context, req *KeyRequest) (*GetResponse, error) {
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	e, ok := s.store.Lookup(req.Key)
	if !ok {
		return &GetResponse{}, nil
	}
	return &GetResponse{Entry: EntryToWire(e, s.now())}, nil
}

func (s *Server) Delete(ctx context.Context, req *KeyRequest) (*Empty, error) {
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	s.logger.Debug("delete", "key", req.Key, "request_id", requestID(ctx))
	s.store.Delete(req.Key)
	return &Empty{}, nil
}

func (s *Server) Exists(ctx context.Context, req *KeyRequest) (*ExistsResponse, error) {
	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	return &ExistsResponse{Found: s.store.Exists(req.Key)}, nil
}

func (s *Server) Entries(ctx context.Context, _ *Empty) (*EntryList, error) {
	entries := s.store.Entries()
	now := s.now()
	resp := &EntryList{Entries: make([]*Entry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, EntryToWire(e, now))
	}
	return resp, nil
}

func (s *Server) Apply(ctx context.Context, req *EntryList) (*ApplyResponse, error) {
	now := s.now()
	entries := make([]storage.Entry, 0, len(req.Entries))
	for _, w := range req.Entries {
		if w.Key == "" {
			continue
		}
		entries = append(entries, EntryFromWire(w, now))
	}
	applied := s.store.Merge(entries)
	s.logger.Debug("applied entries", "received", len(req.Entries), "applied", applied, "request_id", requestID(ctx))
	return &ApplyResponse{Applied: int64(applied)}, nil
}

func (s *Server) Stats(ctx context.Context, _ *Empty) (*StatsResponse, error) {
	return statsToWire(s.store.Stats()), nil
}

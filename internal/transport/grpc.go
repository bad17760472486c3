package transport

import (
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCServer returns a gRPC server serving srv together with the standard
// gRPC health service. The health service reports SERVING for the node
// service and the server as a whole.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) (*grpc.Server, *grpchealth.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(srv.Interceptor)}, opts...)
	gs := grpc.NewServer(opts...)
	srv.Register(gs)

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

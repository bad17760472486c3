package transport

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "cachering.v1.CacheNode"

// NodeServer is the server side of the cache node service.
type NodeServer interface {
	Put(context.Context, *Entry) (*Empty, error)
	Get(context.Context, *KeyRequest) (*GetResponse, error)
	Delete(context.Context, *KeyRequest) (*Empty, error)
	Exists(context.Context, *KeyRequest) (*ExistsResponse, error)
	Entries(context.Context, *Empty) (*EntryList, error)
	Apply(context.Context, *EntryList) (*ApplyResponse, error)
	Stats(context.Context, *Empty) (*StatsResponse, error)
}

// RegisterNodeServer registers srv on s.
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unary builds a method handler for a NodeServer method taking Req.
func unary[Req any, PReq interface {
	*Req
	message
}, Resp any](name string, call func(NodeServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NodeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(NodeServer), ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Put", NodeServer.Put),
		unary("Get", NodeServer.Get),
		unary("Delete", NodeServer.Delete),
		unary("Exists", NodeServer.Exists),
		unary("Entries", NodeServer.Entries),
		unary("Apply", NodeServer.Apply),
		unary("Stats", NodeServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cachering/v1/node.proto",
}

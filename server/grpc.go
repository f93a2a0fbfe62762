package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified name of the eval service on both
// transports.
const ServiceName = "kestrel.v1.EvalService"

// Method names.
const (
	MethodEval         = "Eval"
	MethodCheck        = "Check"
	MethodOpenSession  = "OpenSession"
	MethodCloseSession = "CloseSession"
	MethodInspect      = "Inspect"
	MethodRelease      = "Release"
)

// procedure returns the RPC path of a method.
func procedure(method string) string {
	return "/" + ServiceName + "/" + method
}

// EvalServer is the server API of the eval service.
type EvalServer interface {
	Eval(context.Context, *EvalRequest) (*EvalResponse, error)
	Check(context.Context, *CheckRequest) (*CheckResponse, error)
	OpenSession(context.Context, *OpenSessionRequest) (*SessionInfo, error)
	CloseSession(context.Context, *CloseSessionRequest) (*SessionInfo, error)
	Inspect(context.Context, *InspectRequest) (*InspectResponse, error)
	Release(context.Context, *ReleaseRequest) (*Empty, error)
}

var (
	_ EvalServer = (*EvalService)(nil)
	_ EvalServer = (*ConnectClient)(nil)
)

// ---------------------------------------------------------------------------
// gRPC service
// ---------------------------------------------------------------------------

func unaryMethod[Req, Res any](method string, call func(EvalServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				res, err := call(srv.(EvalServer), ctx, req.(*Req))
				if err != nil {
					return nil, grpcError(err)
				}
				return res, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: procedure(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// EvalServiceDesc describes the eval service for grpc.Server. Messages are
// CBOR; clients must call with grpc.CallContentSubtype(CodecName).
var EvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvalServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodEval, EvalServer.Eval),
		unaryMethod(MethodCheck, EvalServer.Check),
		unaryMethod(MethodOpenSession, EvalServer.OpenSession),
		unaryMethod(MethodCloseSession, EvalServer.CloseSession),
		unaryMethod(MethodInspect, EvalServer.Inspect),
		unaryMethod(MethodRelease, EvalServer.Release),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kestrel/v1/eval",
}

// NewGRPCServer registers the eval service and the standard health service
// on a new grpc.Server.
func NewGRPCServer(svc EvalServer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&EvalServiceDesc, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// grpcError maps service errors onto status codes.
func grpcError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ErrWorkerStopped):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ---------------------------------------------------------------------------
// gRPC client
// ---------------------------------------------------------------------------

// EvalClient calls the eval service over a gRPC connection.
type EvalClient struct {
	cc grpc.ClientConnInterface
}

func NewEvalClient(cc grpc.ClientConnInterface) *EvalClient {
	return &EvalClient{cc: cc}
}

func invoke[Res any](ctx context.Context, c *EvalClient, method string, in any, opts []grpc.CallOption) (*Res, error) {
	out := new(Res)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, procedure(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EvalClient) Eval(ctx context.Context, in *EvalRequest, opts ...grpc.CallOption) (*EvalResponse, error) {
	return invoke[EvalResponse](ctx, c, MethodEval, in, opts)
}

func (c *EvalClient) Check(ctx context.Context, in *CheckRequest, opts ...grpc.CallOption) (*CheckResponse, error) {
	return invoke[CheckResponse](ctx, c, MethodCheck, in, opts)
}

func (c *EvalClient) OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*SessionInfo, error) {
	return invoke[SessionInfo](ctx, c, MethodOpenSession, in, opts)
}

func (c *EvalClient) CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*SessionInfo, error) {
	return invoke[SessionInfo](ctx, c, MethodCloseSession, in, opts)
}

func (c *EvalClient) Inspect(ctx context.Context, in *InspectRequest, opts ...grpc.CallOption) (*InspectResponse, error) {
	return invoke[InspectResponse](ctx, c, MethodInspect, in, opts)
}

func (c *EvalClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, MethodRelease, in, opts)
}

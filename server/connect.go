package server

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
)

// ---------------------------------------------------------------------------
// Connect handlers
// ---------------------------------------------------------------------------

func handleUnary[Req, Res any](mux *http.ServeMux, method string, fn func(context.Context, *Req) (*Res, error), opts []connect.HandlerOption) {
	path := procedure(method)
	mux.Handle(path, connect.NewUnaryHandler(path,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, connectError(err)
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	))
}

// RegisterConnect mounts the eval service on mux. Connect, gRPC and
// gRPC-Web clients can reach it with the CBOR codec.
func RegisterConnect(mux *http.ServeMux, svc EvalServer, opts ...connect.HandlerOption) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)
	handleUnary(mux, MethodEval, svc.Eval, opts)
	handleUnary(mux, MethodCheck, svc.Check, opts)
	handleUnary(mux, MethodOpenSession, svc.OpenSession, opts)
	handleUnary(mux, MethodCloseSession, svc.CloseSession, opts)
	handleUnary(mux, MethodInspect, svc.Inspect, opts)
	handleUnary(mux, MethodRelease, svc.Release, opts)
}

// connectError maps service errors onto Connect codes.
func connectError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, ErrWorkerStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// ---------------------------------------------------------------------------
// Connect client
// ---------------------------------------------------------------------------

// ConnectClient calls the eval service over HTTP. It satisfies EvalServer,
// so a remote VM can stand in for a local one.
type ConnectClient struct {
	eval         *connect.Client[EvalRequest, EvalResponse]
	check        *connect.Client[CheckRequest, CheckResponse]
	openSession  *connect.Client[OpenSessionRequest, SessionInfo]
	closeSession *connect.Client[CloseSessionRequest, SessionInfo]
	inspect      *connect.Client[InspectRequest, InspectResponse]
	release      *connect.Client[ReleaseRequest, Empty]
}

// NewConnectClient creates a client for the server at baseURL, for
// example "http://localhost:7070".
func NewConnectClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ConnectClient {
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &ConnectClient{
		eval:         connect.NewClient[EvalRequest, EvalResponse](httpClient, baseURL+procedure(MethodEval), opts...),
		check:        connect.NewClient[CheckRequest, CheckResponse](httpClient, baseURL+procedure(MethodCheck), opts...),
		openSession:  connect.NewClient[OpenSessionRequest, SessionInfo](httpClient, baseURL+procedure(MethodOpenSession), opts...),
		closeSession: connect.NewClient[CloseSessionRequest, SessionInfo](httpClient, baseURL+procedure(MethodCloseSession), opts...),
		inspect:      connect.NewClient[InspectRequest, InspectResponse](httpClient, baseURL+procedure(MethodInspect), opts...),
		release:      connect.NewClient[ReleaseRequest, Empty](httpClient, baseURL+procedure(MethodRelease), opts...),
	}
}

func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], in *Req) (*Res, error) {
	res, err := c.CallUnary(ctx, connect.NewRequest(in))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (c *ConnectClient) Eval(ctx context.Context, in *EvalRequest) (*EvalResponse, error) {
	return call(ctx, c.eval, in)
}

func (c *ConnectClient) Check(ctx context.Context, in *CheckRequest) (*CheckResponse, error) {
	return call(ctx, c.check, in)
}

func (c *ConnectClient) OpenSession(ctx context.Context, in *OpenSessionRequest) (*SessionInfo, error) {
	return call(ctx, c.openSession, in)
}

func (c *ConnectClient) CloseSession(ctx context.Context, in *CloseSessionRequest) (*SessionInfo, error) {
	return call(ctx, c.closeSession, in)
}

func (c *ConnectClient) Inspect(ctx context.Context, in *InspectRequest) (*InspectResponse, error) {
	return call(ctx, c.inspect, in)
}

func (c *ConnectClient) Release(ctx context.Context, in *ReleaseRequest) (*Empty, error) {
	return call(ctx, c.release, in)
}

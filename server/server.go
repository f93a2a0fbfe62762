// Package server exposes a VM to tools: an eval service reachable over
// Connect and gRPC, and a language server for assembly source.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chazu/kestrel/vm"
)

var log = commonlog.GetLogger("kestrel.server")

// Handle sweeping defaults.
const (
	DefaultHandleTTL     = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	shutdownGrace        = 5 * time.Second
)

// KestrelServer serves one VM over Connect (HTTP) and gRPC.
type KestrelServer struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
	eval     *EvalService
	mux      *http.ServeMux
	grpc     *grpc.Server
	health   *health.Server

	stopSweeper func()
}

// ServerOption configures a KestrelServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	handleTTL     time.Duration
	sweepInterval time.Duration
	evalTimeout   time.Duration
}

// WithHandleTTL sets how long an unused handle survives.
func WithHandleTTL(ttl time.Duration) ServerOption {
	return func(c *serverConfig) { c.handleTTL = ttl }
}

// WithSweepInterval sets how often idle handles are swept.
func WithSweepInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.sweepInterval = d }
}

// WithEvalTimeout bounds every Eval call. Zero means no bound.
func WithEvalTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.evalTimeout = d }
}

// New creates a KestrelServer wrapping the given VM. The server owns the
// VM from now on; all access goes through its worker.
func New(v *vm.VM, opts ...ServerOption) *KestrelServer {
	cfg := &serverConfig{
		handleTTL:     DefaultHandleTTL,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewVMWorker(v)
	handles := NewHandleStore(worker)
	sessions := NewSessionStore(handles)
	eval := NewEvalService(worker, handles, sessions)
	eval.timeout = cfg.evalTimeout

	s := &KestrelServer{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
		eval:     eval,
		mux:      http.NewServeMux(),
	}

	RegisterConnect(s.mux, eval)
	s.grpc, s.health = NewGRPCServer(eval)

	s.stopSweeper = handles.StartSweeper(cfg.sweepInterval, cfg.handleTTL)

	return s
}

// Handler returns the HTTP handler serving the Connect endpoints.
func (s *KestrelServer) Handler() http.Handler { return s.mux }

// GRPCServer returns the gRPC server carrying the eval and health services.
func (s *KestrelServer) GRPCServer() *grpc.Server { return s.grpc }

// Service returns the transport-neutral eval service.
func (s *KestrelServer) Service() *EvalService { return s.eval }

// Serve runs the Connect endpoint on addr and, unless grpcAddr is empty,
// the gRPC endpoint on grpcAddr. It returns when ctx ends or either
// listener fails.
func (s *KestrelServer) Serve(ctx context.Context, addr, grpcAddr string) error {
	httpLis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	var grpcLis net.Listener
	if grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
			httpLis.Close()
			return err
		}
	}
	return s.ServeListeners(ctx, httpLis, grpcLis)
}

// ServeListeners is Serve on existing listeners. grpcLis may be nil.
func (s *KestrelServer) ServeListeners(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	httpSrv := &http.Server{Handler: s.mux}

	log.Noticef("connect endpoint on http://%s%s", httpLis.Addr(), procedure(MethodEval))
	g.Go(func() error {
		if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcLis != nil {
		log.Noticef("grpc endpoint on %s", grpcLis.Addr())
		g.Go(func() error {
			return s.grpc.Serve(grpcLis)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if grpcLis != nil {
			s.grpc.GracefulStop()
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop shuts down the server.
func (s *KestrelServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.health.Shutdown()
	s.grpc.Stop()
	s.worker.Stop()
}

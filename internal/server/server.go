// Package server hosts the engine's gRPC admin endpoint. It serves the
// standard grpc.health.v1 service, which reports NOT_SERVING until the
// engine has finished booting, and engine.Admin/Stats, which returns the
// live statistics sample as a google.protobuf.Struct.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/snapshot"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "engine"

// Server is the admin gRPC server.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger pslog.Logger
}

// New builds a server whose health status starts as NOT_SERVING.
func New(logger pslog.Logger) *Server {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger.With("sys", "server"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetReady(false)
	return s
}

// SetReady flips the reported status.
func (s *Server) SetReady(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// FollowReady marks the server ready once ready is closed.
func (s *Server) FollowReady(ctx context.Context, ready <-chan struct{}) {
	go func() {
		select {
		case <-ready:
			s.SetReady(true)
			s.logger.Info("server.health.serving")
		case <-ctx.Done():
		}
	}()
}

// Serve accepts connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server.listening", "addr", ln.Addr().String())
	err := s.grpc.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.Serve(ln)
}

// Stop reports NOT_SERVING to watchers and drains open calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// ServeStats exposes fn as engine.Admin/Stats. It must be called before
// Serve.
func (s *Server) ServeStats(fn func(context.Context) snapshot.Data) {
	s.grpc.RegisterService(&adminDesc, &adminService{stats: fn})
}

// CheckHealth asks the health service at addr for the status of service.
func CheckHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", addr, err)
	}
	return resp.GetStatus(), nil
}

// FetchStats asks the engine at addr for its live statistics.
func FetchStats(ctx context.Context, addr string) (snapshot.Data, error) {
	var data snapshot.Data
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return data, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, statsMethod, &emptypb.Empty{}, out); err != nil {
		return data, fmt.Errorf("stats %s: %w", addr, err)
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return data, err
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("decode stats: %w", err)
	}
	return data, nil
}

// ============================================================================
// engine.Admin
// ============================================================================

const statsMethod = "/engine.Admin/Stats"

type adminServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type adminService struct {
	stats func(context.Context) snapshot.Data
}

func (a *adminService) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if a.stats == nil {
		return nil, status.Error(codes.Unavailable, "stats not available")
	}
	raw, err := json.Marshal(a.stats(ctx))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(adminServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var adminDesc = grpc.ServiceDesc{
	ServiceName: "engine.Admin",
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "engine/admin",
}

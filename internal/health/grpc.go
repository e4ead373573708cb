package health

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BackendService is the gRPC health service name that tracks the supervised
// backend. The empty service name reports the gateway itself.
const BackendService = "backend"

// GRPCServer exposes grpc.health.v1 for orchestrators that probe over gRPC.
type GRPCServer struct {
	Addr string

	server *grpc.Server
	health *grpchealth.Server
	ln     net.Listener
	done   chan struct{}
}

func StartGRPC(addr string) (*GRPCServer, error) {
	if addr == "" {
		return nil, errors.New("grpc health addr is empty")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(BackendService, healthpb.HealthCheckResponse_NOT_SERVING)

	s := &GRPCServer{
		Addr:   ln.Addr().String(),
		server: server,
		health: healthServer,
		ln:     ln,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		_ = server.Serve(ln)
	}()
	return s, nil
}

func (s *GRPCServer) SetBackendServing(serving bool) {
	if s == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(BackendService, status)
}

// Track polls running every interval and mirrors it into the backend service
// status until ctx is done.
func (s *GRPCServer) Track(ctx context.Context, interval time.Duration, running func() bool) {
	if s == nil || running == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.SetBackendServing(running())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SetBackendServing(running())
		}
	}
}

// Stop marks everything NOT_SERVING and drains in-flight RPCs until ctx ends.
func (s *GRPCServer) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
	}
	<-s.done
	return nil
}

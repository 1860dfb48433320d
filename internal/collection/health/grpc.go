package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/raulk/clock"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the collector.
const ServiceName = "collector"

// GRPCServer serves the standard gRPC health protocol backed by the monitor.
type GRPCServer struct {
	monitor *Monitor
	health  *grpchealth.Server
	server  *grpc.Server
	port    int
	clock   clock.Clock
	log     *slog.Logger
}

// NewGRPCServer creates a gRPC health server.
func NewGRPCServer(monitor *Monitor, port int, clk clock.Clock) *GRPCServer {
	if clk == nil {
		clk = clock.New()
	}
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{
		monitor: monitor,
		health:  hs,
		server:  srv,
		port:    port,
		clock:   clk,
		log:     slog.Default().With("component", "grpc-health"),
	}
}

// Start listens and serves until Stop is called.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen on %d: %w", g.port, err)
	}
	return g.server.Serve(lis)
}

// Watch refreshes the serving status from the monitor until ctx is done.
func (g *GRPCServer) Watch(ctx context.Context, every time.Duration) {
	ticker := g.clock.Ticker(every)
	defer ticker.Stop()

	g.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

// Refresh maps the current report onto the gRPC serving status.
// Degraded still serves; only critical stops serving.
func (g *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	report := g.monitor.CheckHealth(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if report.SystemStatus == StatusCritical {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
	return status
}

// Check answers a health check in-process.
func (g *GRPCServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Stop shuts the server down gracefully.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EngineService is the service name reported by the gRPC health server
// alongside the overall "" status
const EngineService = "perimeter.Engine"

const healthSyncInterval = 5 * time.Second

// GRPCServer serves the standard gRPC health protocol so load balancers and
// orchestrators can probe the engine without HTTP
type GRPCServer struct {
	grpc   *grpc.Server
	health *health.Server
	clock  quartz.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGRPCServer creates the gRPC server. Health starts as NOT_SERVING until
// the first sync.
func NewGRPCServer(clock quartz.Clock) *GRPCServer {
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := log.WithComponent("grpc")

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(EngineService, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor(logger)))
	healthpb.RegisterHealthServer(server, hs)

	return &GRPCServer{
		grpc:   server,
		health: hs,
		clock:  clock,
		logger: logger,
	}
}

// SyncHealth copies the readiness of the critical components into the
// serving status
func (g *GRPCServer) SyncHealth() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if metrics.GetReadiness().Status != "ready" {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(EngineService, status)
	return status
}

// Start listens on addr and serves until Stop
func (g *GRPCServer) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentGRPC, false, err.Error())
		return fmt.Errorf("failed to listen: %w", err)
	}
	return g.Serve(ctx, lis)
}

// Serve serves on an existing listener
func (g *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	g.mu.Lock()
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	done := g.done
	g.mu.Unlock()

	go func() {
		defer close(done)
		g.SyncHealth()
		waiter := g.clock.TickerFunc(ctx, healthSyncInterval, func() error {
			g.SyncHealth()
			return nil
		}, "grpc-health")
		_ = waiter.Wait()
	}()

	metrics.RegisterComponent(metrics.ComponentGRPC, true, lis.Addr().String())
	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return g.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (g *GRPCServer) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel = nil
	g.mu.Unlock()

	g.health.Shutdown()
	g.grpc.GracefulStop()
	if cancel != nil {
		cancel()
		<-done
	}
	metrics.UpdateComponent(metrics.ComponentGRPC, false, "stopped")
}

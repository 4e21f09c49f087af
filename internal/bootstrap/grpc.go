package bootstrap

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.uber.org/fx"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/eleven-am/voice-relay/internal/health"
)

// relayService is the gRPC health service name that mirrors readiness.
const relayService = "voicerelay.Relay"

const readinessInterval = 15 * time.Second

func NewGRPCServer() *grpc.Server {
	return grpc.NewServer()
}

func ProvideGRPCHealthServer(server *grpc.Server) *grpchealth.Server {
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return hs
}

func servingStatus(status health.Status) healthpb.HealthCheckResponse_ServingStatus {
	if status == health.StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// watchReadiness copies the readiness result into the gRPC health service
// until ctx is cancelled.
func watchReadiness(ctx context.Context, hs *grpchealth.Server, checker *health.Handler) {
	update := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		status, _ := checker.Check(checkCtx)
		hs.SetServingStatus(relayService, servingStatus(status))
	}

	update()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func StartGRPCServer(
	lc fx.Lifecycle,
	server *grpc.Server,
	hs *grpchealth.Server,
	checker *health.Handler,
	cfg *Config,
	logger *slog.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				cancel()
				return err
			}
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			go watchReadiness(ctx, hs, checker)
			go func() {
				logger.Info("gRPC server starting", "addr", cfg.GRPCAddr)
				if err := server.Serve(lis); err != nil {
					logger.Error("gRPC server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			hs.Shutdown()
			server.GracefulStop()
			return nil
		},
	})
}

var GRPCModule = fx.Options(
	fx.Provide(NewGRPCServer, ProvideGRPCHealthServer),
	fx.Invoke(StartGRPCServer),
)

// Package grpcserver exposes the booking service's gRPC surface: standard
// health checking driven by the same dependency checks as /readyz.
package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/md-rashed-zaman/carshare/libs/config"
	"github.com/md-rashed-zaman/carshare/libs/grpcx"
	"github.com/md-rashed-zaman/carshare/libs/runtime"
)

const ServiceName = "carshare.booking.v1.BookingService"

// Health flips ServiceName between SERVING and NOT_SERVING as the required
// checks pass or fail. Optional checks are ignored.
type Health struct {
	srv    *health.Server
	checks []runtime.ReadyCheck
	logger *slog.Logger
	every  time.Duration
}

func NewHealth(logger *slog.Logger, every time.Duration, checks ...runtime.ReadyCheck) *Health {
	if every <= 0 {
		every = 5 * time.Second
	}
	h := &Health{srv: health.NewServer(), checks: checks, logger: logger, every: every}
	h.srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Probe runs the checks once and publishes the result.
func (h *Health) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for _, check := range h.checks {
		if check.Check == nil || check.Optional {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check.Check(checkCtx)
		cancel()
		if err != nil {
			h.logger.Warn("health check failed", "check", check.Name, "err", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	h.srv.SetServingStatus(ServiceName, status)
	return status
}

// Run probes until ctx is done, then reports NOT_SERVING to every watcher.
func (h *Health) Run(ctx context.Context) {
	ticker := time.NewTicker(h.every)
	defer ticker.Stop()
	for {
		h.Probe(ctx)
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// Start listens on GRPC_PORT and serves until ctx is cancelled.
func Start(ctx context.Context, logger *slog.Logger, h *Health) error {
	port, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	go h.Run(ctx)
	Serve(ctx, logger, lis, h)
	return nil
}

// Serve runs a server on lis in the background and stops it gracefully with ctx.
func Serve(ctx context.Context, logger *slog.Logger, lis net.Listener, h *Health) *grpc.Server {
	srv := grpc.NewServer(grpcx.ServerOptions(logger)...)
	h.Register(srv)

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	return srv
}

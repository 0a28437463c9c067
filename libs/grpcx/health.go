// Package grpcx runs the gRPC health endpoint that orchestrators probe.
package grpcx

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

const RequestIDMetadataKey = "x-request-id"

type Check func(context.Context) error

// HealthServer reports SERVING while every check passes and NOT_SERVING otherwise.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	checks []Check
	logger *slog.Logger
}

func NewHealthServer(logger *slog.Logger, checks ...Check) *HealthServer {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(requestIDInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthServer{srv: srv, health: hs, checks: checks, logger: logger}
}

// Probe runs every check once and updates the overall serving status.
func (h *HealthServer) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for _, check := range h.checks {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(cctx)
		cancel()
		if err != nil {
			h.logger.Warn("health check failed", "err", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	h.health.SetServingStatus("", status)
	return status
}

// Serve blocks until ctx is done, re-probing every interval.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener, interval time.Duration) error {
	h.Probe(ctx)
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				h.health.Shutdown()
				h.srv.GracefulStop()
				return
			case <-t.C:
				h.Probe(ctx)
			}
		}
	}()
	return h.srv.Serve(lis)
}

func requestIDInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(RequestIDMetadataKey); len(vals) > 0 {
				id = vals[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDMetadataKey, id))
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("grpc call failed", "method", info.FullMethod, "request_id", id, "err", err)
		}
		return resp, err
	}
}

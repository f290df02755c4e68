package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"stepwise.studio/internal/obs"
)

// GRPCHealth implements grpc.health.v1 on top of the store readiness probe.
// The empty service name and serviceName both report the API's health.
type GRPCHealth struct {
	healthpb.UnimplementedHealthServer

	ready ReadyProbe
}

// NewGRPCHealth creates the health service. A nil probe reports SERVING.
func NewGRPCHealth(r ReadyProbe) *GRPCHealth {
	return &GRPCHealth{ready: r}
}

// Register attaches the health service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h)
}

// Check evaluates readiness.
func (h *GRPCHealth) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", serviceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if h.ready != nil {
		if err := h.ready.Ping(ctx); err != nil {
			obs.SetReady(false)
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

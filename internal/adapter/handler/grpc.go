package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hive-corporation/ioc-connectors/internal/core/pipeline"
)

// HealthServer exposes the standard gRPC health service for the connector.
// The overall status and the named connector service are both driven by the
// runner status.
type HealthServer struct {
	health  *health.Server
	source  StatusSource
	service string
	logger  *zap.Logger
}

func NewHealthServer(source StatusSource, service string, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HealthServer{
		health:  health.NewServer(),
		source:  source,
		service: service,
		logger:  logger,
	}
	s.Refresh()
	return s
}

// Register adds the health service to a gRPC server.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Check answers a health request without going through the network.
func (s *HealthServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Refresh sets the serving status from the current runner status.
func (s *HealthServer) Refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.source.Status().LastKind == pipeline.KindFatal.String() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}

// Watch refreshes the status every interval until ctx is done, then marks
// every service NOT_SERVING.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.logger.Debug("health watcher stopped")
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

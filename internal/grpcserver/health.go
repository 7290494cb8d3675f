// Package grpcserver exposes daemon health over the standard gRPC health
// protocol. Each poller is reported as its own service.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/tripsync/pkg/polling"
)

const pollerServicePrefix = "tripsync.poller."

// HealthReporter tracks poller run state on a health.Server.
type HealthReporter struct {
	server *health.Server
	logger *zap.Logger
}

// NewHealthReporter returns a reporter whose overall status is SERVING.
func NewHealthReporter(logger *zap.Logger) *HealthReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthReporter{server: server, logger: logger}
}

// PollerService is the health service name for a poller.
func PollerService(name string) string {
	return pollerServicePrefix + strings.TrimSpace(name)
}

// Track registers pollers as NOT_SERVING until they report a start.
func (reporter *HealthReporter) Track(names ...string) {
	for _, name := range names {
		reporter.server.SetServingStatus(PollerService(name), healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// RunStateListener feeds poller transitions into the health server.
func (reporter *HealthReporter) RunStateListener() polling.RunStateListener {
	return func(name string, running bool) {
		servingStatus := healthpb.HealthCheckResponse_NOT_SERVING
		if running {
			servingStatus = healthpb.HealthCheckResponse_SERVING
		}
		reporter.server.SetServingStatus(PollerService(name), servingStatus)
		reporter.logger.Debug("poller health", zap.String("poller", name), zap.String("status", servingStatus.String()))
	}
}

// Check answers a health query without a network round trip.
func (reporter *HealthReporter) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	response, err := reporter.server.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return response.GetStatus(), nil
}

// Register attaches the health service to grpcServer.
func (reporter *HealthReporter) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, reporter.server)
}

// Shutdown flips every service to NOT_SERVING and ignores later updates.
func (reporter *HealthReporter) Shutdown() {
	reporter.server.Shutdown()
}

// Serve runs a gRPC server carrying the health service until ctx ends.
func (reporter *HealthReporter) Serve(ctx context.Context, listener net.Listener) error {
	grpcServer := grpc.NewServer()
	reporter.Register(grpcServer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		reporter.Shutdown()
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// IsUnknownService reports whether err is the health server's answer for an
// untracked service.
func IsUnknownService(err error) bool {
	return status.Code(err) == codes.NotFound
}

// Package grpcserver exposes the standard gRPC health service, reporting the
// model lifecycle to orchestrators that health-check over gRPC.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/accessibility-check/internal/logging"
	"github.com/example/accessibility-check/internal/model"
)

// ServiceName is the health entry tracking the classifier model.
const ServiceName = "accessibility.Classifier"

// Server wraps a grpc.Server carrying health and reflection.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds a server reporting SERVING until the model fails.
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("grpc")

	s := &Server{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger))),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// OnModelState maps a provider state onto the health status. It is safe to
// use as the provider's state-change hook.
func (s *Server) OnModelState(state model.State) {
	status := healthpb.HealthCheckResponse_SERVING
	if state == model.StateFailed || state == model.StateClosed {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil {
		return logging.NewOperationError("grpcserver.serve", "", err)
	}
	return nil
}

// Stop drains in-flight calls, forcing closure once ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("forcing gRPC shutdown", zap.Error(ctx.Err()))
		s.grpc.Stop()
		<-done
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("gRPC call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("gRPC call", fields...)
		}
		return resp, err
	}
}

package server

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported by ns-engine.
const ServiceName = "gons.Sessionizer"

// Server is the gRPC endpoint of the streaming daemon. It only carries the
// standard health service; orchestrators poll it to learn whether the
// sessionizer is accepting records.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logrus.FieldLogger
}

// New creates a server whose services start as NOT_SERVING.
func New(log logrus.FieldLogger) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log.WithField("component", "grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips both the overall and the sessionizer health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Infof("gRPC health server starting on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Listen opens addr and serves on it in a background goroutine.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.log.Errorf("gRPC server stopped: %v", err)
		}
	}()
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

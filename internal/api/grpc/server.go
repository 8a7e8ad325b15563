// Package grpcapi serves the gRPC health surface of the session engine.
package grpcapi

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/session"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

// ServiceName is SERVING only while a session is CONNECTED. The overall
// ("") status is SERVING for the life of the process.
const ServiceName = "aims.interview.SessionEngine"

// Server wraps a gRPC server with health and reflection registered.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

var _ session.Observer = (*Server)(nil)

func New(m *metrics.Metrics) *Server {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)

	return &Server{grpc: g, health: hs, log: logging.WithComponent("grpc")}
}

// Serve blocks until the listener fails or the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server started")
	return s.grpc.Serve(lis)
}

// GracefulStop reports NOT_SERVING everywhere, then drains.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) OnPartial(string, transcript.Speaker, string) {}

func (s *Server) OnCommit(string, transcript.Entry) {}

func (s *Server) OnStateChange(change session.StateChange) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if change.To == session.StateConnected {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

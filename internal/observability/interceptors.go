// Package observability holds the gRPC interceptors and the metrics/probe
// HTTP server.
package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
)

// UnaryServerInterceptor counts every unary call by method and status code.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	l := logging.WithComponent("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err).String()
		m.RecordGRPCCall(info.FullMethod, code)
		callEvent(ctx, l.Debug(), info.FullMethod, code, time.Since(start)).Msg("Unary call")
		return resp, err
	}
}

// StreamServerInterceptor tracks open streams. Health Watch calls stay open
// for as long as the client watches.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	l := logging.WithComponent("grpc")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.RecordGRPCStreamStart()
		err := handler(srv, ss)

		elapsed := time.Since(start)
		code := status.Code(err).String()
		m.RecordGRPCStreamEnd(info.FullMethod, code, elapsed.Seconds())

		ctx := context.Background()
		if ss != nil {
			ctx = ss.Context()
		}
		callEvent(ctx, l.Info(), info.FullMethod, code, elapsed).Msg("Stream closed")
		return err
	}
}

func callEvent(ctx context.Context, e *zerolog.Event, method, code string, d time.Duration) *zerolog.Event {
	e = e.Str("method", method).Str("code", code).Dur("duration", d)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		e = e.Str("peer", p.Addr.String())
	}
	return e
}

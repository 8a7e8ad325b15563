package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
)

func TestServer_Endpoints(t *testing.T) {
	var notReady error
	s := NewServer(":0", func(context.Context) error { return notReady })

	tests := []struct {
		path string
		code int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, rec.Code)
		}
	}

	notReady = errors.New("controller closed")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"reason":"controller closed"`) {
		t.Errorf("expected 503 with reason, got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", rec.Code)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}

	busy := NewServer("127.0.0.1:-1", nil)
	if err := busy.Start(); err == nil {
		t.Error("expected bind error for invalid address")
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	icpt := UnaryServerInterceptor(metrics.DefaultMetrics)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := icpt(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return "resp", nil
	})
	if err != nil || resp != "resp" {
		t.Errorf("expected passthrough, got %v %v", resp, err)
	}

	_, err = icpt(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound to pass through, got %v", err)
	}
}

func TestStreamServerInterceptor(t *testing.T) {
	icpt := StreamServerInterceptor(metrics.DefaultMetrics)
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}

	want := status.Error(codes.Canceled, "client went away")
	err := icpt(nil, nil, info, func(srv any, ss grpc.ServerStream) error { return want })
	if err != want {
		t.Errorf("expected handler error, got %v", err)
	}
}

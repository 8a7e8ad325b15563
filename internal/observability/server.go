package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
)

// ReadyFunc reports whether the service can take traffic.
type ReadyFunc func(ctx context.Context) error

// Server exposes /metrics and the process probes on their own port, apart
// from the API.
type Server struct {
	srv   *http.Server
	ready ReadyFunc
	log   zerolog.Logger
	addr  string
}

// NewServer builds the server. A nil ready func always reports ready.
func NewServer(addr string, ready ReadyFunc) *Server {
	s := &Server{ready: ready, addr: addr, log: logging.WithComponent("observability")}

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		probe(w, http.StatusOK, "ok", "")
	})
	r.Get("/readyz", s.readyz)

	s.srv = &http.Server{
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			probe(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	probe(w, http.StatusOK, "ready", "")
}

func probe(w http.ResponseWriter, code int, status, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
	}{status, reason})
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start binds the port and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", lis.Addr().String()).Msg("Metrics server started")
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

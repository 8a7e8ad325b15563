// Package app wires configuration, the session controller and every
// serving surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	grpcapi "github.com/rj0009/AIMS-Journey-Mapper/internal/api/grpc"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/config"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/events"
	apihttp "github.com/rj0009/AIMS-Journey-Mapper/internal/http"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/session"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
	Controller  *session.Controller

	transport transport.Transport
	hub       *apihttp.Hub
	publisher *events.Publisher
	grpc      *grpcapi.Server
	http      *http.Server
	obs       *observability.Server

	httpAddr string
	stopHub  context.CancelFunc
}

// New constructs the application. Nothing listens until Start.
func New(cfg *config.Config) (*Application, error) {
	logging.Init(logging.Config{
		Level:   cfg.Observability.LogLevel,
		Format:  cfg.Observability.LogFormat,
		Service: cfg.Service.Principal,
	})

	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}

	tr, err := NewTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	device, err := NewDevice(cfg.Audio)
	if err != nil {
		return nil, err
	}
	a.transport = tr

	a.hub = apihttp.NewHub()
	a.publisher = events.New(&events.Config{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicPartial:    cfg.Kafka.TopicPartial,
		TopicCommitted:  cfg.Kafka.TopicCommitted,
		TopicState:      cfg.Kafka.TopicState,
		Principal:       cfg.Kafka.Principal,
		PublishPartials: cfg.Kafka.PublishPartials,
	})
	a.grpc = grpcapi.New(metrics.DefaultMetrics)

	a.Controller = session.New(tr, device, SessionConfig(cfg), a.hub, a.publisher, a.grpc)

	a.http = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           apihttp.NewRouter(a.Controller, a.hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.obs = observability.NewServer(":"+cfg.Observability.MetricsPort, func(ctx context.Context) error {
		_, err := a.Controller.Status(ctx)
		return err
	})

	a.Logger.Info().
		Str("provider", tr.Name()).
		Str("device", cfg.Audio.Device).
		Str("principal", cfg.Service.Principal).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("Interview engine application created")
	return a, nil
}

// Start opens the listeners and serves in the background.
func (a *Application) Start() error {
	grpcLis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	httpLis, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("http listen: %w", err)
	}
	a.httpAddr = httpLis.Addr().String()

	if err := a.obs.Start(); err != nil {
		grpcLis.Close()
		httpLis.Close()
		return fmt.Errorf("metrics listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.stopHub = cancel
	go a.hub.Run(ctx)

	go func() {
		if err := a.grpc.Serve(grpcLis); err != nil {
			a.Logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()
	go func() {
		a.Logger.Info().Str("addr", a.httpAddr).Msg("HTTP API started")
		if err := a.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("HTTP API stopped")
		}
	}()

	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Interview engine starting")
	return nil
}

// HTTPAddr is the bound API address once started.
func (a *Application) HTTPAddr() string { return a.httpAddr }

// Shutdown ends any live session so the pending human text is committed
// and published, then stops every server.
func (a *Application) Shutdown(ctx context.Context) {
	a.Logger.Info().Msg("Interview engine shutting down")

	if err := a.Controller.Disconnect(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Disconnect on shutdown")
	}
	if err := a.http.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("HTTP API shutdown")
	}
	a.grpc.GracefulStop()
	a.Controller.Close()
	if a.stopHub != nil {
		a.stopHub()
	}
	if err := a.publisher.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Kafka publisher close")
	}
	if c, ok := a.transport.(io.Closer); ok {
		c.Close()
	}
	if err := a.obs.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Observability server shutdown")
	}
}

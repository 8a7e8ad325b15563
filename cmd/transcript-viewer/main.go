// Command transcript-viewer follows the engine's Kafka topics and shows the
// live transcript in a browser.
package main

import (
	"context"
	"embed"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	apihttp "github.com/rj0009/AIMS-Journey-Mapper/internal/http"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
)

//go:embed static/*
var staticFiles embed.FS

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topics := flag.String("topics", "interview.transcript.partial,interview.transcript.committed,interview.session.state", "Topics to follow (comma-separated)")
	lookback := flag.Duration("lookback", time.Hour, "Replay messages newer than this on start")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := apihttp.NewHub()
	go hub.Run(ctx)

	for _, topic := range strings.Split(*topics, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		// Partition reader without a consumer group works through port-forwards.
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   strings.Split(*brokers, ","),
			Topic:     topic,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
		if err := reader.SetOffsetAt(ctx, time.Now().Add(-*lookback)); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Could not rewind, reading from the start")
		}
		go consume(ctx, reader, hub.Broadcast, logging.WithComponent("viewer").With().Str("topic", topic).Logger())
	}

	staticFS, _ := fs.Sub(staticFiles, "static")
	mux := chi.NewRouter()
	mux.Get("/ws", func(w http.ResponseWriter, r *http.Request) { hub.ServeWS(w, r, nil) })
	mux.Handle("/*", http.FileServer(http.FS(staticFS)))

	srv := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("url", "http://localhost:"+*port).
		Str("brokers", *brokers).
		Str("topics", *topics).
		Msg("Transcript viewer starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Server error")
		os.Exit(1)
	}
}

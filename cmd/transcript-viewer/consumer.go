package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// consume forwards every well-formed event on r to sink until ctx ends.
func consume(ctx context.Context, r messageReader, sink func([]byte) bool, log zerolog.Logger) {
	defer r.Close()
	log.Info().Msg("Consuming")

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var head struct {
			EventType string `json:"eventType"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg.Value, &head); err != nil || head.EventType == "" {
			log.Debug().Int64("offset", msg.Offset).Msg("Skipping message without an event type")
			continue
		}

		if !sink(msg.Value) {
			log.Debug().Str("eventType", head.EventType).Msg("Broadcast queue full, event dropped")
			continue
		}
		log.Debug().
			Str("eventType", head.EventType).
			Str("sessionId", head.SessionID).
			Int64("offset", msg.Offset).
			Msg("Event forwarded")
	}
}

// Package events publishes transcript and session events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/models"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/session"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicPartial    string
	TopicCommitted  string
	TopicState      string
	Principal       string
	Enabled         bool
	PublishPartials bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one topic per event kind, keyed by session id. When Kafka
// is disabled events are only logged.
//
// Publisher implements session.Observer. Real writers run in async mode so
// observer callbacks never wait on the broker.
type Publisher struct {
	writerPartial   messageWriter
	writerCommitted messageWriter
	writerState     messageWriter
	topicPartial    string
	topicCommitted  string
	topicState      string
	principal       string
	enabled         bool
	async           bool
	publishPartials bool
	metrics         *metrics.Metrics
	log             zerolog.Logger
}

var _ session.Observer = (*Publisher)(nil)

// New creates a publisher. A nil config, Enabled=false or no brokers yields
// a log-only publisher.
func New(cfg *Config) *Publisher {
	p := &Publisher{
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("events"),
	}

	if cfg == nil {
		p.log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}

	p.principal = cfg.Principal
	p.topicPartial = cfg.TopicPartial
	p.topicCommitted = cfg.TopicCommitted
	p.topicState = cfg.TopicState
	p.publishPartials = cfg.PublishPartials

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	tr := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerPartial = p.newWriter(cfg.Brokers, cfg.TopicPartial, models.EventTranscriptPartial, tr)
	p.writerCommitted = p.newWriter(cfg.Brokers, cfg.TopicCommitted, models.EventTranscriptCommitted, tr)
	p.writerState = p.newWriter(cfg.Brokers, cfg.TopicState, models.EventSessionState, tr)
	p.enabled = true
	p.async = true

	p.log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicCommitted", cfg.TopicCommitted).
		Str("topicState", cfg.TopicState).
		Str("principal", cfg.Principal).
		Bool("publishPartials", cfg.PublishPartials).
		Msg("Kafka publisher initialized")

	return p
}

func (p *Publisher) newWriter(brokers []string, topic, eventType string, tr *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    tr,
		Completion: func(msgs []kafka.Message, err error) {
			for _, m := range msgs {
				p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(m.Time).Seconds())
			}
			if err != nil {
				p.log.Error().Err(err).Str("topic", topic).Int("messages", len(msgs)).Msg("Failed to write to Kafka")
			}
		},
	}
}

// PublishPartial publishes to the partial topic.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerPartial, p.topicPartial, models.EventTranscriptPartial, key, event)
}

// PublishCommitted publishes to the committed topic.
func (p *Publisher) PublishCommitted(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerCommitted, p.topicCommitted, models.EventTranscriptCommitted, key, event)
}

// PublishState publishes to the session state topic.
func (p *Publisher) PublishState(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerState, p.topicState, models.EventSessionState, key, event)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	p.log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  start,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	// Async writers report through Completion.
	if !p.async {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	}
	return nil
}

func (p *Publisher) OnPartial(sessionID string, speaker transcript.Speaker, pending string) {
	if !p.publishPartials {
		return
	}
	_ = p.PublishPartial(context.Background(), sessionID, models.NewTranscriptPartial(sessionID, speaker, pending))
}

func (p *Publisher) OnCommit(sessionID string, entry transcript.Entry) {
	_ = p.PublishCommitted(context.Background(), sessionID, models.NewTranscriptCommitted(sessionID, entry))
}

func (p *Publisher) OnStateChange(change session.StateChange) {
	_ = p.PublishState(context.Background(), change.SessionID, models.NewSessionStateChanged(change))
}

// Close flushes and closes all writers.
func (p *Publisher) Close() error {
	var err error
	for name, w := range map[string]messageWriter{
		"partial":   p.writerPartial,
		"committed": p.writerCommitted,
		"state":     p.writerState,
	} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			p.log.Error().Err(e).Str("writer", name).Msg("Error closing writer")
			err = e
		}
	}
	return err
}

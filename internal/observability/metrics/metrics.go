// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aims_interview"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	SessionErrors    *prometheus.CounterVec

	// Audio metrics
	AudioFramesCaptured prometheus.Counter
	AudioFramesDropped  *prometheus.CounterVec
	AudioFramesSent     prometheus.Counter
	AudioBytesSent      prometheus.Counter

	// Transcript metrics
	TranscriptDeltas    *prometheus.CounterVec
	TranscriptCommits   *prometheus.CounterVec
	TranscriptDiscarded *prometheus.CounterVec

	// Transport metrics
	TransportEvents  *prometheus.CounterVec
	MalformedEvents  *prometheus.CounterVec
	TransportLatency *prometheus.HistogramVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCCalls         *prometheus.CounterVec
	GRPCStreamsActive prometheus.Gauge
	GRPCStreamLength  prometheus.Histogram

	// UI push metrics
	WebsocketClients prometheus.Gauge
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of interview sessions opened",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions not in DISCONNECTED state",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of interview sessions in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1200, 1800, 3600},
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state machine transitions",
		}, []string{"from", "to"}),
		SessionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Session errors by kind (device, connect, transport)",
		}, []string{"kind"}),

		AudioFramesCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_captured_total",
			Help:      "Total audio frames produced by capture",
		}),
		AudioFramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped under backpressure or after close",
		}, []string{"stage"}),
		AudioFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Total audio frames handed to the transport",
		}),
		AudioBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total PCM bytes handed to the transport",
		}),

		TranscriptDeltas: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_deltas_total",
			Help:      "Partial transcript deltas received",
		}, []string{"speaker"}),
		TranscriptCommits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_commits_total",
			Help:      "Transcript entries committed",
		}, []string{"speaker", "reason"}),
		TranscriptDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_discarded_total",
			Help:      "Buffered text discarded without a commit",
		}, []string{"speaker", "reason"}),

		TransportEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Inbound transport events by type",
		}, []string{"provider", "type"}),
		MalformedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_malformed_events_total",
			Help:      "Inbound messages ignored because they failed validation",
		}, []string{"provider"}),
		TransportLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_open_seconds",
			Help:      "Time taken to open a transport session",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"provider"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total Kafka publish attempts",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"topic"}),

		GRPCCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "gRPC calls by method and status code",
		}, []string{"method", "code"}),
		GRPCStreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_streams_active",
			Help:      "Number of open gRPC server streams",
		}),
		GRPCStreamLength: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_stream_duration_seconds",
			Help:      "Duration of gRPC server streams in seconds",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 1800},
		}),

		WebsocketClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected UI websocket clients",
		}),
	}
}

// RecordSessionStart records a session leaving DISCONNECTED.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session returning to DISCONNECTED.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordStateTransition records a state machine edge.
func (m *Metrics) RecordStateTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordSessionError records a device, connect or transport failure.
func (m *Metrics) RecordSessionError(kind string) {
	m.SessionErrors.WithLabelValues(kind).Inc()
}

// RecordFrameCaptured records a frame produced by capture.
func (m *Metrics) RecordFrameCaptured() {
	m.AudioFramesCaptured.Inc()
}

// RecordFrameDropped records a frame that never reached the remote service.
func (m *Metrics) RecordFrameDropped(stage string) {
	m.AudioFramesDropped.WithLabelValues(stage).Inc()
}

// RecordFrameSent records a frame handed to the transport.
func (m *Metrics) RecordFrameSent(bytes int) {
	m.AudioFramesSent.Inc()
	m.AudioBytesSent.Add(float64(bytes))
}

func (m *Metrics) RecordDelta(speaker string) {
	m.TranscriptDeltas.WithLabelValues(speaker).Inc()
}

func (m *Metrics) RecordCommit(speaker, reason string) {
	m.TranscriptCommits.WithLabelValues(speaker, reason).Inc()
}

func (m *Metrics) RecordDiscard(speaker, reason string) {
	m.TranscriptDiscarded.WithLabelValues(speaker, reason).Inc()
}

// RecordTransportEvent records an inbound event delivered by a transport.
func (m *Metrics) RecordTransportEvent(provider, eventType string) {
	m.TransportEvents.WithLabelValues(provider, eventType).Inc()
}

// RecordMalformedEvent records an inbound message that was ignored.
func (m *Metrics) RecordMalformedEvent(provider string) {
	m.MalformedEvents.WithLabelValues(provider).Inc()
}

// RecordTransportOpen records how long Open took.
func (m *Metrics) RecordTransportOpen(provider string, latencySeconds float64) {
	m.TransportLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordGRPCCall records a completed unary call.
func (m *Metrics) RecordGRPCCall(method, code string) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}

// RecordGRPCStreamStart records a server stream opening.
func (m *Metrics) RecordGRPCStreamStart() {
	m.GRPCStreamsActive.Inc()
}

// RecordGRPCStreamEnd records a server stream closing.
func (m *Metrics) RecordGRPCStreamEnd(method, code string, durationSeconds float64) {
	m.GRPCStreamsActive.Dec()
	m.GRPCStreamLength.Observe(durationSeconds)
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}

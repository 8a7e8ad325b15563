// Package google provides a transport backed by Google Cloud
// Speech-to-Text streaming recognition. It transcribes the human channel
// only; there is no agent voice, so text turns are unsupported.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
)

const providerName = "google"

// Config holds recognition settings.
type Config struct {
	LanguageCode string
	Model        string
	// SpeechEndTimeout asks the service to end an utterance after this much
	// trailing silence. Zero leaves the service default.
	SpeechEndTimeout time.Duration
	SendQueue        int
}

// DefaultConfig returns the default recognition settings.
func DefaultConfig() Config {
	return Config{
		LanguageCode: "en-US",
		SendQueue:    32,
	}
}

// Transport opens one StreamingRecognize call per session over a shared
// client. Requires GOOGLE_APPLICATION_CREDENTIALS.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	client *speech.Client
}

func New(cfg Config) *Transport {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = DefaultConfig().LanguageCode
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultConfig().SendQueue
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) Name() string { return providerName }

func (t *Transport) speechClient() (*speech.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	c, err := speech.NewClient(context.Background())
	if err != nil {
		return nil, err
	}
	t.client = c
	return c, nil
}

// Close releases the shared client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *Transport) streamingConfig(cfg transport.Config) *speechpb.StreamingRecognitionConfig {
	lang := cfg.LanguageCode
	if lang == "" {
		lang = t.cfg.LanguageCode
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	model := cfg.Model
	if model == "" {
		model = t.cfg.Model
	}

	sc := &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(rate),
			AudioChannelCount:          1,
			LanguageCode:               lang,
			Model:                      model,
			EnableAutomaticPunctuation: true,
		},
		// Interim hypotheses replace earlier ones instead of extending them,
		// so only final results are forwarded.
		InterimResults: false,
	}
	if t.cfg.SpeechEndTimeout > 0 {
		sc.EnableVoiceActivityEvents = true
		sc.VoiceActivityTimeout = &speechpb.StreamingRecognitionConfig_VoiceActivityTimeout{
			SpeechEndTimeout: durationpb.New(t.cfg.SpeechEndTimeout),
		}
	}
	return sc
}

func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	start := time.Now()
	client, err := t.speechClient()
	if err != nil {
		return nil, fmt.Errorf("%w: speech client: %w", transport.ErrConnect, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnect, err)
	}

	// The stream outlives Open, but until the config is accepted it is
	// bound to ctx.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	fail := func(what string, err error) (transport.Stream, error) {
		stop()
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %w", transport.ErrConnect, what, err)
	}

	rs, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		return fail("streaming recognize", err)
	}

	// Send streaming config as the first message
	err = rs.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: t.streamingConfig(cfg),
		},
	})
	if err != nil {
		return fail("send config", err)
	}
	if !stop() {
		// ctx ended after the config went out; the stream is already cancelled.
		return fail("send config", ctx.Err())
	}

	s := &stream{
		id:     cfg.SessionID,
		rs:     rs,
		ctx:    streamCtx,
		cancel: cancel,
		log:    logging.WithTransport(providerName, cfg.SessionID),
		out:    make(chan []byte, t.cfg.SendQueue),
		em:     transport.NewEmitter(32),
	}
	go s.sendLoop()
	go s.recvLoop()

	metrics.DefaultMetrics.RecordTransportOpen(providerName, time.Since(start).Seconds())
	s.log.Info().Msg("Streaming recognition opened")
	return s, nil
}

type stream struct {
	id     string
	rs     speechpb.Speech_StreamingRecognizeClient
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	out    chan []byte
	em     *transport.Emitter
	once   sync.Once
}

func (s *stream) ID() string                      { return s.id }
func (s *stream) Events() <-chan transport.Event { return s.em.Events() }

func (s *stream) SendAudio(frame audio.Frame) error {
	if s.ctx.Err() != nil {
		return transport.ErrStreamClosed
	}
	select {
	case s.out <- frame.Bytes():
		return nil
	default:
		return transport.ErrBackpressure
	}
}

func (s *stream) SendText(string) error {
	return transport.ErrUnsupported
}

// Close cancels the RPC. Recognition results still in flight are dropped.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.em.Stop()
		s.cancel()
		s.log.Info().Msg("Streaming recognition closed")
	})
	return nil
}

func (s *stream) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.out:
			err := s.rs.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: data,
				},
			})
			if err != nil {
				// Recv reports the underlying status.
				s.log.Warn().Err(err).Msg("Audio send failed")
				return
			}
		}
	}
}

func (s *stream) recvLoop() {
	defer s.em.Finish()

	for {
		resp, err := s.rs.Recv()
		if err != nil {
			s.handleRecvError(err)
			return
		}
		if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_END {
			s.log.Debug().Msg("Speech activity ended")
		}
		for _, ev := range responseEvents(resp) {
			metrics.DefaultMetrics.RecordTransportEvent(providerName, ev.Type.String())
			if !s.em.Emit(ev) {
				return
			}
		}
	}
}

func (s *stream) handleRecvError(err error) {
	if s.em.Stopped() {
		return
	}
	if errors.Is(err, io.EOF) {
		s.log.Info().Msg("Streaming recognition ended by server")
		s.em.Emit(transport.Closed())
		return
	}
	if status.Code(err) == codes.Canceled && s.ctx.Err() != nil {
		return
	}
	s.log.Error().Err(err).Msg("Streaming recognition failed")
	s.em.Emit(transport.Failure(err))
}

// responseEvents maps final recognition results to a human delta followed
// by a turn boundary. A status error in the response becomes an Error event.
func responseEvents(resp *speechpb.StreamingRecognizeResponse) []transport.Event {
	var events []transport.Event
	if st := resp.GetError(); st != nil && st.GetCode() != 0 {
		events = append(events, transport.Failure(fmt.Errorf("recognition error %d: %s", st.GetCode(), st.GetMessage())))
		return events
	}
	for _, r := range resp.GetResults() {
		if !r.GetIsFinal() || len(r.GetAlternatives()) == 0 {
			continue
		}
		text := strings.TrimSpace(r.GetAlternatives()[0].GetTranscript())
		if text == "" {
			continue
		}
		events = append(events,
			transport.Partial(transcript.Human, text+" "),
			transport.TurnComplete(),
		)
	}
	return events
}

// Package mock provides a scripted transport for running interviews without
// a remote service. It answers the kickoff with the first interview
// question, turns incoming audio frames into progressive human transcript
// deltas, and closes each exchange with a turn boundary followed by the
// next question.
package mock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
)

const providerName = "mock"

// Exchange is one simulated question and the interviewee's answer, spoken
// as progressive deltas.
type Exchange struct {
	Question string
	Answer   []string
}

// DefaultScript is a short product-discovery interview.
var DefaultScript = []Exchange{
	{
		Question: "Thanks for joining. Can you walk me through the last time you booked a trip?",
		Answer:   []string{"Sure, ", "I started ", "on my phone ", "but switched ", "to the laptop."},
	},
	{
		Question: "What made you switch devices?",
		Answer:   []string{"The seat ", "picker kept ", "timing out ", "on mobile."},
	},
	{
		Question: "How did that make you feel?",
		Answer:   []string{"Honestly ", "pretty frustrated, ", "I almost ", "gave up."},
	},
}

// ClosingLine is spoken once the script is exhausted, right before the
// simulated remote side closes the session.
const ClosingLine = "That is everything I wanted to ask. Thank you!"

type Options struct {
	Script []Exchange
	// FramesPerDelta is how many audio frames produce one human delta.
	FramesPerDelta int
	// WordDelay paces agent deltas.
	WordDelay time.Duration
	OpenDelay time.Duration
	// FailOpen makes every Open fail with this cause.
	FailOpen error
	// CloseAfterScript makes the simulated remote close the session after
	// the closing line.
	CloseAfterScript bool
}

func DefaultOptions() Options {
	return Options{
		Script:           DefaultScript,
		FramesPerDelta:   2,
		WordDelay:        60 * time.Millisecond,
		OpenDelay:        50 * time.Millisecond,
		CloseAfterScript: true,
	}
}

// Transport implements transport.Transport with scripted responses.
type Transport struct {
	opts Options
}

func New(opts Options) *Transport {
	if len(opts.Script) == 0 {
		opts.Script = DefaultScript
	}
	if opts.FramesPerDelta <= 0 {
		opts.FramesPerDelta = 1
	}
	return &Transport{opts: opts}
}

func (t *Transport) Name() string { return providerName }

func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	start := time.Now()
	if t.opts.OpenDelay > 0 {
		timer := time.NewTimer(t.opts.OpenDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", transport.ErrConnect, ctx.Err())
		}
	}
	if t.opts.FailOpen != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnect, t.opts.FailOpen)
	}

	s := &stream{
		id:    cfg.SessionID,
		opts:  t.opts,
		log:   logging.WithTransport(providerName, cfg.SessionID),
		inbox: make(chan input, 16),
		em:    transport.NewEmitter(32),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.run()

	metrics.DefaultMetrics.RecordTransportOpen(providerName, time.Since(start).Seconds())
	s.log.Info().Int("exchanges", len(t.opts.Script)).Msg("Mock session opened")
	return s, nil
}

type input struct {
	text  string
	audio bool
}

type stream struct {
	id     string
	opts   Options
	log    zerolog.Logger
	inbox  chan input
	em     *transport.Emitter
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *stream) ID() string                      { return s.id }
func (s *stream) Events() <-chan transport.Event { return s.em.Events() }

func (s *stream) SendAudio(audio.Frame) error {
	return s.enqueue(input{audio: true})
}

func (s *stream) SendText(text string) error {
	return s.enqueue(input{text: text})
}

func (s *stream) enqueue(in input) error {
	if s.ctx.Err() != nil {
		return transport.ErrStreamClosed
	}
	select {
	case s.inbox <- in:
		return nil
	default:
		return transport.ErrBackpressure
	}
}

func (s *stream) Close() error {
	s.em.Stop()
	s.cancel()
	return nil
}

func (s *stream) run() {
	defer s.em.Finish()

	exchange := 0
	asked := false
	delta := 0
	frames := 0

	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.inbox:
			if !in.audio {
				// Any text turn prompts the current question.
				if !s.speak(s.opts.Script[exchange].Question) {
					return
				}
				asked = true
				continue
			}
			if !asked {
				continue
			}

			frames++
			if frames%s.opts.FramesPerDelta != 0 {
				continue
			}
			answer := s.opts.Script[exchange].Answer
			if delta < len(answer) {
				if !s.emit(transport.Partial(transcript.Human, answer[delta])) {
					return
				}
				delta++
				continue
			}

			// Answer finished: close the turn and move on.
			if !s.emit(transport.TurnComplete()) {
				return
			}
			exchange++
			delta = 0
			if exchange >= len(s.opts.Script) {
				if !s.speak(ClosingLine) {
					return
				}
				if s.opts.CloseAfterScript {
					s.emit(transport.Closed())
					return
				}
				exchange = 0
				asked = false
				continue
			}
			if !s.speak(s.opts.Script[exchange].Question) {
				return
			}
		}
	}
}

// speak emits text word by word as agent deltas followed by a turn boundary.
func (s *stream) speak(text string) bool {
	for _, word := range strings.SplitAfter(text, " ") {
		if s.opts.WordDelay > 0 {
			select {
			case <-time.After(s.opts.WordDelay):
			case <-s.ctx.Done():
				return false
			}
		}
		if !s.emit(transport.Partial(transcript.Agent, word)) {
			return false
		}
	}
	return s.emit(transport.TurnComplete())
}

func (s *stream) emit(ev transport.Event) bool {
	metrics.DefaultMetrics.RecordTransportEvent(providerName, ev.Type.String())
	return s.em.Emit(ev)
}

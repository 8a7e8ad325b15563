// Package transport defines the bidirectional streaming channel to the
// remote speech-dialogue service.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

var (
	// ErrConnect wraps every failure to open a stream.
	ErrConnect = errors.New("transport connect failed")
	// ErrTransport wraps mid-session failures reported by the remote side.
	ErrTransport = errors.New("transport failure")
	// ErrMalformedEvent marks inbound messages missing expected fields.
	ErrMalformedEvent = errors.New("malformed transport event")
	// ErrStreamClosed is returned by sends on a closed stream.
	ErrStreamClosed = errors.New("transport stream closed")
	// ErrBackpressure is returned when the outbound queue is full.
	ErrBackpressure = errors.New("transport send queue full")
	ErrUnsupported  = errors.New("operation not supported by transport")
)

// EventType enumerates inbound events.
type EventType int

const (
	EventPartialTranscript EventType = iota + 1
	EventTurnComplete
	EventError
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventPartialTranscript:
		return "partial_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is one inbound delivery. Speaker and Text are set for partial
// transcripts, Err for errors.
type Event struct {
	Type    EventType
	Speaker transcript.Speaker
	Text    string
	Err     error
}

func Partial(sp transcript.Speaker, text string) Event {
	return Event{Type: EventPartialTranscript, Speaker: sp, Text: text}
}

func TurnComplete() Event { return Event{Type: EventTurnComplete} }

func Failure(err error) Event {
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return Event{Type: EventError, Err: err}
}

func Closed() Event { return Event{Type: EventClosed} }

// Validate reports ErrMalformedEvent for events missing the fields their
// type requires.
func (e Event) Validate() error {
	switch e.Type {
	case EventPartialTranscript:
		if !e.Speaker.Valid() {
			return fmt.Errorf("%w: partial transcript with speaker %q", ErrMalformedEvent, e.Speaker)
		}
	case EventError:
		if e.Err == nil {
			return fmt.Errorf("%w: error event without error", ErrMalformedEvent)
		}
	case EventTurnComplete, EventClosed:
	default:
		return fmt.Errorf("%w: unknown event type %d", ErrMalformedEvent, int(e.Type))
	}
	return nil
}

// Config is passed to Open for every session.
type Config struct {
	SessionID         string
	SampleRate        int
	LanguageCode      string
	Model             string
	SystemInstruction string
	Voice             string
}

// Transport opens sessions against the remote service.
type Transport interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Open blocks until the remote side confirms the session or fails.
	// Failures wrap ErrConnect.
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is one open session. SendAudio and SendText queue without waiting
// for delivery. Events is closed once the stream has fully ended.
type Stream interface {
	ID() string
	SendAudio(frame audio.Frame) error
	SendText(text string) error
	Events() <-chan Event
	// Close releases the session without waiting for the remote side.
	// Events delivered after Close are discarded.
	Close() error
}

// Emitter is the inbound half of a Stream. A single producer goroutine
// calls Emit and finally Finish; Stop may be called from anywhere and makes
// further Emits no-ops.
type Emitter struct {
	ch       chan Event
	done     chan struct{}
	stopOnce sync.Once
}

func NewEmitter(buffer int) *Emitter {
	return &Emitter{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit delivers ev unless the stream was stopped. It blocks while the
// consumer is behind.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Emitter) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

func (e *Emitter) Stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Done is closed by Stop.
func (e *Emitter) Done() <-chan struct{} { return e.done }

// Finish closes the event channel. Only the producer goroutine may call it.
func (e *Emitter) Finish() {
	close(e.ch)
}

package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"human partial", Partial(transcript.Human, "hi"), false},
		{"agent partial empty text", Partial(transcript.Agent, ""), false},
		{"partial without speaker", Event{Type: EventPartialTranscript, Text: "hi"}, true},
		{"partial unknown speaker", Partial(transcript.Speaker("narrator"), "hi"), true},
		{"turn complete", TurnComplete(), false},
		{"closed", Closed(), false},
		{"error with cause", Failure(errors.New("boom")), false},
		{"error without cause", Event{Type: EventError}, true},
		{"zero event", Event{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr && !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("expected ErrMalformedEvent, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFailure_WrapsOnce(t *testing.T) {
	cause := errors.New("socket reset")
	ev := Failure(cause)
	if !errors.Is(ev.Err, ErrTransport) || !errors.Is(ev.Err, cause) {
		t.Errorf("expected ErrTransport wrapping cause, got %v", ev.Err)
	}

	again := Failure(ev.Err)
	if again.Err != ev.Err {
		t.Errorf("expected already-wrapped error to pass through, got %v", again.Err)
	}
}

func TestEventType_String(t *testing.T) {
	tests := map[EventType]string{
		EventPartialTranscript: "partial_transcript",
		EventTurnComplete:      "turn_complete",
		EventError:             "error",
		EventClosed:            "closed",
		EventType(42):          "unknown(42)",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestEmitter_StopDiscards(t *testing.T) {
	em := NewEmitter(1)

	if !em.Emit(TurnComplete()) {
		t.Fatal("expected first emit to be delivered")
	}

	// Buffer is full: a blocked Emit must be released by Stop.
	result := make(chan bool)
	go func() { result <- em.Emit(Closed()) }()

	time.Sleep(20 * time.Millisecond)
	em.Stop()

	select {
	case ok := <-result:
		if ok {
			t.Error("expected blocked emit to be discarded after stop")
		}
	case <-time.After(time.Second):
		t.Fatal("emit did not return after stop")
	}

	if em.Emit(TurnComplete()) {
		t.Error("expected emit after stop to be discarded")
	}
	if !em.Stopped() {
		t.Error("expected Stopped to be true")
	}
	em.Stop()

	em.Finish()
	ev, ok := <-em.Events()
	if !ok || ev.Type != EventTurnComplete {
		t.Errorf("expected buffered turn complete, got %+v (ok=%v)", ev, ok)
	}
	if _, ok := <-em.Events(); ok {
		t.Error("expected channel closed after finish")
	}
}

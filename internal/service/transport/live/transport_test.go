package live

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
)

var upgrader = websocket.Upgrader{}

// newServer runs handle for every websocket connection and returns a ws://
// URL for it.
func newServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	var msg map[string]json.RawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Errorf("server read failed: %v", err)
		return nil
	}
	return msg
}

func send(conn *websocket.Conn, raw string) {
	conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func nextEvent(t *testing.T, events <-chan transport.Event) (transport.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}, false
	}
}

func TestOpen_HandshakeAndEvents(t *testing.T) {
	samples := []int16{1, 2, 3, 4}
	wantAudio := audio.Frame{Samples: samples}.Bytes()

	url := newServer(t, func(conn *websocket.Conn) {
		first := readJSON(t, conn)
		var s setup
		json.Unmarshal(first["setup"], &s)
		if s.Model != "models/interviewer" {
			t.Errorf("expected model 'models/interviewer', got %q", s.Model)
		}
		if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
			t.Error("expected both transcription streams to be requested")
		}
		if s.SystemInstruction == nil || s.SystemInstruction.Parts[0].Text != "be curious" {
			t.Error("expected system instruction to be forwarded")
		}
		send(conn, `{"setupComplete":{}}`)

		kickoff := readJSON(t, conn)
		var cc clientContent
		json.Unmarshal(kickoff["clientContent"], &cc)
		if !cc.TurnComplete || len(cc.Turns) != 1 || cc.Turns[0].Parts[0].Text != "start the interview" {
			t.Errorf("unexpected kickoff %+v", cc)
		}

		send(conn, `{"serverContent":{"outputTranscription":{"text":"Hi, "}}}`)
		send(conn, `{"serverContent":{"inputTranscription":{}}}`)
		send(conn, `{"bogus":true}`)
		send(conn, `{"serverContent":{"outputTranscription":{"text":"tell me"},"turnComplete":true}}`)

		media := readJSON(t, conn)
		var ri realtimeInput
		json.Unmarshal(media["realtimeInput"], &ri)
		if len(ri.MediaChunks) != 1 || ri.MediaChunks[0].MimeType != audio.MIMEType {
			t.Errorf("unexpected media chunk %+v", ri)
		} else {
			got, _ := base64.StdEncoding.DecodeString(ri.MediaChunks[0].Data)
			if !bytes.Equal(got, wantAudio) {
				t.Errorf("expected audio %v, got %v", wantAudio, got)
			}
		}

		send(conn, `{"serverContent":{"inputTranscription":{"text":"I think"}}}`)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.ReadMessage()
	})

	tr := New(Options{URL: url})
	st, err := tr.Open(context.Background(), transport.Config{
		SessionID:         "sess-1",
		Model:             "models/interviewer",
		SystemInstruction: "be curious",
	})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer st.Close()

	if st.ID() != "sess-1" {
		t.Errorf("expected id sess-1, got %s", st.ID())
	}
	if err := st.SendText("start the interview"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	events := st.Events()
	want := []transport.Event{
		transport.Partial(transcript.Agent, "Hi, "),
		transport.Partial(transcript.Agent, "tell me"),
		transport.TurnComplete(),
	}
	for i, w := range want {
		ev, ok := nextEvent(t, events)
		if !ok {
			t.Fatalf("event %d: channel closed early", i)
		}
		if ev.Type != w.Type || ev.Speaker != w.Speaker || ev.Text != w.Text {
			t.Errorf("event %d: expected %+v, got %+v", i, w, ev)
		}
	}

	if err := st.SendAudio(audio.Frame{Samples: samples}); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	ev, _ := nextEvent(t, events)
	if ev.Type != transport.EventPartialTranscript || ev.Speaker != transcript.Human || ev.Text != "I think" {
		t.Errorf("expected human partial 'I think', got %+v", ev)
	}
	ev, _ = nextEvent(t, events)
	if ev.Type != transport.EventClosed {
		t.Errorf("expected closed event, got %+v", ev)
	}
	if _, ok := nextEvent(t, events); ok {
		t.Error("expected events channel to be closed")
	}
}

func TestOpen_SetupRejected(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn)
		send(conn, `{"error":{"code":403,"message":"permission denied"}}`)
		conn.ReadMessage()
	})

	_, err := New(Options{URL: url}).Open(context.Background(), transport.Config{SessionID: "s"})
	if !errors.Is(err, transport.ErrConnect) {
		t.Errorf("expected ErrConnect, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("expected server message in error, got %v", err)
	}
}

func TestOpen_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}).
		Open(context.Background(), transport.Config{SessionID: "s"})
	if !errors.Is(err, transport.ErrConnect) {
		t.Errorf("expected ErrConnect, got %v", err)
	}
}

func TestOpen_ContextCancelledDuringSetup(t *testing.T) {
	release := make(chan struct{})
	url := newServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn)
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(Options{URL: url, SetupTimeout: time.Minute}).Open(ctx, transport.Config{SessionID: "s"})
	if !errors.Is(err, transport.ErrConnect) {
		t.Errorf("expected ErrConnect, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("expected open to give up promptly, took %v", time.Since(start))
	}
}

func TestStream_CloseDiscardsLaterDeliveries(t *testing.T) {
	closed := make(chan struct{})
	url := newServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn)
		send(conn, `{"setupComplete":{}}`)
		<-closed
		for i := 0; i < 5; i++ {
			send(conn, `{"serverContent":{"inputTranscription":{"text":"late"}}}`)
		}
		conn.ReadMessage()
	})

	st, err := New(Options{URL: url}).Open(context.Background(), transport.Config{SessionID: "s"})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	st.Close()
	close(closed)

	for {
		ev, ok := nextEvent(t, st.Events())
		if !ok {
			break
		}
		t.Errorf("expected no events after close, got %+v", ev)
	}

	if err := st.SendAudio(audio.Frame{Samples: []int16{1}}); err != transport.ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
	if err := st.SendText("hello"); err != transport.ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("expected second close to succeed, got %v", err)
	}
}

func TestStream_AbnormalDisconnectIsTransportError(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn)
		send(conn, `{"setupComplete":{}}`)
		conn.UnderlyingConn().Close()
	})

	st, err := New(Options{URL: url}).Open(context.Background(), transport.Config{SessionID: "s"})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer st.Close()

	ev, ok := nextEvent(t, st.Events())
	if !ok {
		t.Fatal("expected an error event before channel close")
	}
	if ev.Type != transport.EventError || !errors.Is(ev.Err, transport.ErrTransport) {
		t.Errorf("expected transport error event, got %+v", ev)
	}
}

func TestStream_ServerErrorMessage(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		readJSON(t, conn)
		send(conn, `{"setupComplete":{}}`)
		send(conn, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
		conn.ReadMessage()
	})

	st, err := New(Options{URL: url}).Open(context.Background(), transport.Config{SessionID: "s"})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer st.Close()

	ev, _ := nextEvent(t, st.Events())
	if ev.Type != transport.EventError {
		t.Fatalf("expected error event, got %+v", ev)
	}
	if !errors.Is(ev.Err, transport.ErrTransport) || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Errorf("unexpected error %v", ev.Err)
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		key     string
		want    string
		wantErr bool
	}{
		{"no key", "wss://example.test/ws", "", "wss://example.test/ws", false},
		{"with key", "wss://example.test/ws", "abc", "wss://example.test/ws?key=abc", false},
		{"keeps query", "ws://localhost:9000/ws?v=1", "k", "ws://localhost:9000/ws?key=k&v=1", false},
		{"http scheme", "https://example.test/ws", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(Options{URL: tt.url, APIKey: tt.key}).endpoint()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestServerMessage_Events(t *testing.T) {
	var msg serverMessage
	raw := `{"serverContent":{"inputTranscription":{"text":"so"},"outputTranscription":{"text":"right"},"turnComplete":true}}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	events, malformed := msg.events()
	if len(malformed) != 0 {
		t.Errorf("expected no malformed parts, got %v", malformed)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Speaker != transcript.Human || events[1].Speaker != transcript.Agent {
		t.Errorf("expected human then agent, got %s then %s", events[0].Speaker, events[1].Speaker)
	}
	if events[2].Type != transport.EventTurnComplete {
		t.Errorf("expected turn complete last, got %s", events[2].Type)
	}

	empty := ""
	msg = serverMessage{ServerContent: &serverContent{OutputTranscription: &transcription{Text: &empty}}}
	events, _ = msg.events()
	if len(events) != 1 || events[0].Text != "" {
		t.Errorf("expected an empty agent delta to pass through, got %+v", events)
	}
}

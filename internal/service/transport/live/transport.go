// Package live implements the transport over the realtime speech-dialogue
// websocket protocol: JSON setup handshake, base64 PCM media chunks up,
// input/output transcriptions and turn boundaries down.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
)

const providerName = "live"

// Options configures the websocket connection.
type Options struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	SetupTimeout     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	SendQueue        int
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		SetupTimeout:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		SendQueue:        32,
	}
}

// Transport dials one websocket per session.
type Transport struct {
	opts   Options
	dialer *websocket.Dialer
}

func New(opts Options) *Transport {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = def.SetupTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}
	return &Transport{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

func (t *Transport) Name() string { return providerName }

func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.opts.URL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if t.opts.APIKey != "" {
		q := u.Query()
		q.Set("key", t.opts.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Open dials the service, sends the setup message and waits for
// setupComplete. The connection is closed on every failure path.
func (t *Transport) Open(ctx context.Context, cfg transport.Config) (transport.Stream, error) {
	start := time.Now()
	logger := logging.WithTransport(providerName, cfg.SessionID)

	endpoint, err := t.endpoint()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnect, err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial: %w (http %d)", transport.ErrConnect, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial: %w", transport.ErrConnect, err)
	}

	if err := t.handshake(ctx, conn, cfg); err != nil {
		conn.Close()
		logger.Warn().Err(err).Msg("Live session setup failed")
		return nil, fmt.Errorf("%w: %w", transport.ErrConnect, err)
	}

	s := &stream{
		id:   cfg.SessionID,
		conn: conn,
		opts: t.opts,
		log:  logger,
		out:  make(chan []byte, t.opts.SendQueue),
		em:   transport.NewEmitter(64),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	})

	go s.readLoop()
	go s.writeLoop()

	metrics.DefaultMetrics.RecordTransportOpen(providerName, time.Since(start).Seconds())
	logger.Info().Dur("openLatency", time.Since(start)).Msg("Live session opened")
	return s, nil
}

func (t *Transport) handshake(ctx context.Context, conn *websocket.Conn, cfg transport.Config) error {
	// Unblock reads and writes as soon as the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
		conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	setup, err := codec.Marshal(newSetup(cfg))
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, setup); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(t.opts.SetupTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await setupComplete: %w", err)
		}
		if _, err := inboundSchema.Validate(data); err != nil {
			continue
		}
		var msg serverMessage
		if err := codec.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("setup rejected: %w", msg.Error)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

type stream struct {
	id   string
	conn *websocket.Conn
	opts Options
	log  zerolog.Logger
	out  chan []byte
	em   *transport.Emitter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *stream) ID() string                      { return s.id }
func (s *stream) Events() <-chan transport.Event { return s.em.Events() }

func (s *stream) SendAudio(frame audio.Frame) error {
	return s.enqueue(realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []blob{{MimeType: audio.MIMEType, Data: frame.Base64()}},
	}})
}

func (s *stream) SendText(text string) error {
	return s.enqueue(newTextTurn(text))
}

func (s *stream) enqueue(msg any) error {
	if s.ctx.Err() != nil {
		return transport.ErrStreamClosed
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.out <- data:
		return nil
	case <-s.ctx.Done():
		return transport.ErrStreamClosed
	default:
		return transport.ErrBackpressure
	}
}

// Close sends a close frame with a short deadline and drops the socket
// without waiting for the peer's acknowledgment.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.em.Stop()
		s.cancel()
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.conn.Close()
		s.log.Info().Msg("Live session closed")
	})
	return nil
}

func (s *stream) writeLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn().Err(err).Msg("Live write failed")
				// Force the reader to observe the broken connection.
				s.conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Warn().Err(err).Msg("Live ping failed")
				s.conn.Close()
				return
			}
		}
	}
}

func (s *stream) readLoop() {
	defer s.em.Finish()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		if _, err := inboundSchema.Validate(data); err != nil {
			s.malformed(err)
			continue
		}
		var msg serverMessage
		if err := codec.Unmarshal(data, &msg); err != nil {
			s.malformed(fmt.Errorf("%w: %v", transport.ErrMalformedEvent, err))
			continue
		}

		if msg.GoAway != nil {
			s.log.Warn().Str("timeLeft", msg.GoAway.TimeLeft).Msg("Server announced disconnect")
		}
		if msg.ServerContent != nil && msg.ServerContent.Interrupted {
			s.log.Debug().Msg("Agent output interrupted")
		}

		events, bad := msg.events()
		for _, err := range bad {
			s.malformed(err)
		}
		for _, ev := range events {
			metrics.DefaultMetrics.RecordTransportEvent(providerName, ev.Type.String())
			if !s.em.Emit(ev) {
				return
			}
		}
	}
}

func (s *stream) handleReadError(err error) {
	if s.em.Stopped() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Info().Err(err).Msg("Live session closed by remote")
		metrics.DefaultMetrics.RecordTransportEvent(providerName, transport.EventClosed.String())
		s.em.Emit(transport.Closed())
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		err = fmt.Errorf("remote closed with code %d: %s", ce.Code, ce.Text)
	}
	s.log.Error().Err(err).Msg("Live session failed")
	metrics.DefaultMetrics.RecordTransportEvent(providerName, transport.EventError.String())
	s.em.Emit(transport.Failure(err))
}

func (s *stream) malformed(err error) {
	metrics.DefaultMetrics.RecordMalformedEvent(providerName)
	s.log.Warn().Err(err).Msg("Ignoring malformed server message")
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
)

// DefaultKickoff is sent as a text turn right after the transport opens so
// the agent starts the interview.
const DefaultKickoff = "Hello! I'm ready to begin the interview. Please introduce yourself and ask your first question."

// Config holds session settings.
type Config struct {
	QuietPeriod time.Duration
	// Kickoff is sent once per session after open. Empty disables it.
	Kickoff        string
	ConnectTimeout time.Duration
	// Transport is the template passed to every Open; SessionID is filled
	// per session.
	Transport transport.Config
	Audio     audio.Config
}

func DefaultConfig() Config {
	return Config{
		QuietPeriod:    transcript.DefaultQuietPeriod,
		Kickoff:        DefaultKickoff,
		ConnectTimeout: 15 * time.Second,
		Transport:      transport.Config{SampleRate: audio.SampleRate},
		Audio:          audio.DefaultConfig(),
	}
}

// PendingText is the live view of both partial buffers.
type PendingText struct {
	Human         string     `json:"human"`
	Agent         string     `json:"agent"`
	HumanCommitAt *time.Time `json:"humanCommitAt,omitempty"`
	AgentCommitAt *time.Time `json:"agentCommitAt,omitempty"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State         State       `json:"state"`
	Provider      string      `json:"provider"`
	SessionID     string      `json:"sessionId,omitempty"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	Degraded      bool        `json:"degraded"`
	LastError     string      `json:"lastError,omitempty"`
	Pending       PendingText `json:"pending"`
	FramesSent    uint64      `json:"framesSent"`
	FramesDropped uint64      `json:"framesDropped"`
	Entries       int         `json:"entries"`
}

// Controller owns the session state machine. Every mutation happens on one
// goroutine (run); public methods post commands to it and wait for a reply.
type Controller struct {
	cfg       Config
	transport transport.Transport
	device    audio.Device
	history   *transcript.History
	observers Observers
	log       zerolog.Logger

	commands  chan any
	internal  chan any
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by run.
	state   State
	sess    *session
	lastErr error
}

type session struct {
	id      string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger

	stream  transport.Stream
	capture *audio.Capture
	frames  <-chan audio.Frame
	buffer  *transcript.Buffer

	// degraded: the device failed but the transport is still serving.
	degraded     bool
	connectReply chan error

	framesSent    uint64
	framesDropped uint64
}

type (
	connectCmd    struct{ reply chan error }
	disconnectCmd struct{ reply chan error }
	sendTextCmd   struct {
		text  string
		reply chan error
	}
	manualCmd struct {
		text  string
		reply chan manualResult
	}
	statusCmd struct{ reply chan Status }
	resetCmd  struct{ reply chan error }
)

type manualResult struct {
	entry transcript.Entry
	err   error
}

type (
	openResult struct {
		sessionID string
		stream    transport.Stream
		err       error
	}
	streamEvent struct {
		sessionID string
		event     transport.Event
	}
	streamEnded struct{ sessionID string }
	timerFired  struct {
		sessionID  string
		speaker    transcript.Speaker
		generation uint64
	}
)

// New creates a controller and starts its event loop. A nil device makes
// every session degraded (transcript only, no microphone).
func New(tr transport.Transport, device audio.Device, cfg Config, observers ...Observer) *Controller {
	def := DefaultConfig()
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = def.QuietPeriod
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.Transport.SampleRate <= 0 {
		cfg.Transport.SampleRate = audio.SampleRate
	}

	c := &Controller{
		cfg:       cfg,
		transport: tr,
		device:    device,
		history:   transcript.NewHistory(),
		observers: Observers(observers),
		log:       logging.WithComponent("session"),
		commands:  make(chan any),
		internal:  make(chan any, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateDisconnected,
	}
	go c.run()
	return c
}

// Connect starts a session and returns once it is CONNECTED or has failed.
// A device failure after the transport opened returns an ErrDevice error
// while the session keeps serving transcript events in degraded mode.
func (c *Controller) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, connectCmd{reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, c, reply)
}

// Disconnect tears the current session down. It is a no-op when already
// disconnected.
func (c *Controller) Disconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, disconnectCmd{reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, c, reply)
}

// SendText sends a typed human turn to the agent and records it in the
// transcript.
func (c *Controller) SendText(ctx context.Context, text string) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, sendTextCmd{text: text, reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, c, reply)
}

// AddManualEntry appends a human entry typed by the operator. Allowed in any
// state.
func (c *Controller) AddManualEntry(ctx context.Context, text string) (transcript.Entry, error) {
	reply := make(chan manualResult, 1)
	if err := c.submit(ctx, manualCmd{text: text, reply: reply}); err != nil {
		return transcript.Entry{}, err
	}
	res, waitErr := await(ctx, c, reply)
	if waitErr != nil {
		return transcript.Entry{}, waitErr
	}
	return res.entry, res.err
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := c.submit(ctx, statusCmd{reply: reply}); err != nil {
		return Status{}, err
	}
	return await(ctx, c, reply)
}

// ResetTranscript clears committed history. Only allowed while disconnected.
func (c *Controller) ResetTranscript(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.submit(ctx, resetCmd{reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, c, reply)
}

// Transcript returns a copy of the committed entries in commit order.
func (c *Controller) Transcript() []transcript.Entry {
	return c.history.Snapshot()
}

// TranscriptSince returns entries after the first n.
func (c *Controller) TranscriptSince(n int) []transcript.Entry {
	return c.history.Since(n)
}

// Len is the number of committed entries.
func (c *Controller) Len() int {
	return c.history.Len()
}

// Close tears down any active session and stops the event loop.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	<-c.done
	return nil
}

func (c *Controller) submit(ctx context.Context, cmd any) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func awaitErr(ctx context.Context, c *Controller, reply chan error) error {
	err, waitErr := await(ctx, c, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func await[T any](ctx context.Context, c *Controller, reply chan T) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-c.done:
		// The loop may have replied just before exiting.
		select {
		case v := <-reply:
			return v, nil
		default:
		}
		var zero T
		return zero, ErrClosed
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// post hands a message from a helper goroutine to the loop. It gives up when
// the loop has exited or ctx is done.
func (c *Controller) post(ctx context.Context, msg any) bool {
	select {
	case c.internal <- msg:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		var frames <-chan audio.Frame
		if c.sess != nil {
			frames = c.sess.frames
		}

		select {
		case <-c.quit:
			c.teardown("shutdown")
			c.log.Info().Msg("Session controller stopped")
			return
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case msg := <-c.internal:
			c.handleInternal(msg)
		case frame, ok := <-frames:
			c.handleFrame(frame, ok)
		}
	}
}

func (c *Controller) handleCommand(cmd any) {
	switch cmd := cmd.(type) {
	case connectCmd:
		c.handleConnect(cmd.reply)
	case disconnectCmd:
		if c.state != StateDisconnected {
			c.teardown("disconnect")
		}
		cmd.reply <- nil
	case sendTextCmd:
		cmd.reply <- c.handleSendText(cmd.text)
	case manualCmd:
		entry, err := c.handleManual(cmd.text)
		cmd.reply <- manualResult{entry: entry, err: err}
	case statusCmd:
		cmd.reply <- c.status()
	case resetCmd:
		if c.state != StateDisconnected {
			cmd.reply <- fmt.Errorf("%w: cannot reset transcript while %s", ErrInvalidState, c.state)
			return
		}
		c.history.Reset()
		c.log.Info().Msg("Transcript reset")
		cmd.reply <- nil
	}
}

func (c *Controller) handleInternal(msg any) {
	switch msg := msg.(type) {
	case openResult:
		c.handleOpenResult(msg)
	case streamEvent:
		c.handleStreamEvent(msg)
	case streamEnded:
		c.handleStreamEnded(msg)
	case timerFired:
		c.handleTimer(msg)
	}
}

func (c *Controller) handleConnect(reply chan error) {
	if !c.state.CanConnect() {
		c.log.Warn().Str("state", c.state.String()).Msg("Connect rejected")
		reply <- fmt.Errorf("%w: connect while %s", ErrInvalidState, c.state)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:           id,
		started:      time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		log:          logging.WithSession("session", id),
		connectReply: reply,
	}
	s.buffer = transcript.NewBuffer(c.cfg.QuietPeriod, c.armFunc(ctx, id))

	c.sess = s
	c.lastErr = nil
	c.setState(StateConnecting, nil)

	tcfg := c.cfg.Transport
	tcfg.SessionID = id
	timeout := c.cfg.ConnectTimeout

	go func() {
		openCtx, cancelOpen := context.WithTimeout(ctx, timeout)
		defer cancelOpen()

		st, err := c.transport.Open(openCtx, tcfg)
		if err != nil && !errors.Is(err, transport.ErrConnect) {
			err = fmt.Errorf("%w: %w", transport.ErrConnect, err)
		}
		if !c.post(ctx, openResult{sessionID: id, stream: st, err: err}) && st != nil {
			st.Close()
		}
	}()
}

func (c *Controller) handleOpenResult(r openResult) {
	s := c.sess
	if s == nil || s.id != r.sessionID || c.state != StateConnecting {
		if r.stream != nil {
			r.stream.Close()
		}
		return
	}

	if r.err != nil {
		s.log.Error().Err(r.err).Msg("Transport open failed")
		c.lastErr = r.err
		metrics.DefaultMetrics.RecordSessionError("connect")
		c.setState(StateError, r.err)
		s.replyConnect(r.err)
		return
	}

	s.stream = r.stream
	go c.pump(s.ctx, s.id, r.stream)

	s.capture = audio.NewCapture(c.device, c.cfg.Audio)
	frames, err := s.capture.Start(s.ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Audio capture unavailable, continuing without microphone")
		s.degraded = true
		c.lastErr = err
		metrics.DefaultMetrics.RecordSessionError("device")
		c.setState(StateError, err)
		c.sendKickoff(s)
		s.replyConnect(err)
		return
	}
	s.frames = frames

	c.setState(StateConnected, nil)
	c.sendKickoff(s)
	s.replyConnect(nil)
}

func (s *session) replyConnect(err error) {
	if s.connectReply == nil {
		return
	}
	s.connectReply <- err
	s.connectReply = nil
}

func (c *Controller) sendKickoff(s *session) {
	if c.cfg.Kickoff == "" {
		return
	}
	if err := s.stream.SendText(c.cfg.Kickoff); err != nil {
		s.log.Warn().Err(err).Msg("Kickoff not sent")
		return
	}
	s.log.Debug().Msg("Kickoff sent")
}

// pump forwards stream events into the loop, tagged with the session id so
// events from an old stream are recognised after a reconnect.
func (c *Controller) pump(ctx context.Context, id string, st transport.Stream) {
	events := st.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.post(ctx, streamEnded{sessionID: id})
				return
			}
			if !c.post(ctx, streamEvent{sessionID: id, event: ev}) {
				return
			}
		}
	}
}

// armFunc schedules quiet-period expiries back onto the loop.
func (c *Controller) armFunc(ctx context.Context, id string) transcript.ArmFunc {
	return func(sp transcript.Speaker, gen uint64, d time.Duration) transcript.Timer {
		return time.AfterFunc(d, func() {
			c.post(ctx, timerFired{sessionID: id, speaker: sp, generation: gen})
		})
	}
}

// routing reports whether inbound transcript events are applied.
func (c *Controller) routing() bool {
	return c.state == StateConnected || (c.state == StateError && c.sess != nil && c.sess.degraded)
}

func (c *Controller) handleStreamEvent(msg streamEvent) {
	s := c.sess
	if s == nil || s.id != msg.sessionID || s.stream == nil {
		return
	}

	ev := msg.event
	if err := ev.Validate(); err != nil {
		metrics.DefaultMetrics.RecordMalformedEvent(c.transport.Name())
		s.log.Warn().Err(err).Msg("Ignoring malformed transport event")
		return
	}

	switch ev.Type {
	case transport.EventPartialTranscript:
		if !c.routing() {
			return
		}
		if ev.Text == "" {
			return
		}
		if err := s.buffer.Append(ev.Speaker, ev.Text); err != nil {
			s.log.Warn().Err(err).Msg("Delta rejected")
			return
		}
		metrics.DefaultMetrics.RecordDelta(string(ev.Speaker))
		c.observers.OnPartial(s.id, ev.Speaker, s.buffer.Pending(ev.Speaker))

	case transport.EventTurnComplete:
		if !c.routing() {
			return
		}
		for _, cm := range s.buffer.TurnComplete() {
			c.commit(s, cm)
		}

	case transport.EventError:
		s.log.Error().Err(ev.Err).Msg("Transport reported an error")
		c.lastErr = ev.Err
		metrics.DefaultMetrics.RecordSessionError("transport")
		c.stopCapture(s)
		s.degraded = false
		if c.state == StateError {
			return
		}
		c.setState(StateError, ev.Err)

	case transport.EventClosed:
		s.log.Info().Msg("Transport closed by remote")
		c.teardown("remote_closed")
	}
}

func (c *Controller) handleStreamEnded(msg streamEnded) {
	s := c.sess
	if s == nil || s.id != msg.sessionID {
		return
	}
	// A stream that ends without a Closed event while serving counts as a
	// remote close. After a transport error the session waits for disconnect.
	if c.routing() {
		s.log.Info().Msg("Transport event stream ended")
		c.teardown("remote_closed")
	}
}

func (c *Controller) handleTimer(msg timerFired) {
	s := c.sess
	if s == nil || s.id != msg.sessionID {
		return
	}
	if cm, ok := s.buffer.Expire(msg.speaker, msg.generation); ok {
		c.commit(s, cm)
	}
}

func (c *Controller) handleFrame(frame audio.Frame, ok bool) {
	s := c.sess
	if !ok {
		s.frames = nil
		err := s.capture.Err()
		if err == nil {
			s.log.Info().Msg("Audio input ended")
			return
		}
		s.log.Error().Err(err).Msg("Audio capture failed")
		if c.state != StateConnected {
			return
		}
		s.degraded = true
		c.lastErr = err
		metrics.DefaultMetrics.RecordSessionError("device")
		c.setState(StateError, err)
		return
	}

	if c.state != StateConnected || s.stream == nil {
		s.framesDropped++
		metrics.DefaultMetrics.RecordFrameDropped("session")
		return
	}
	if err := s.stream.SendAudio(frame); err != nil {
		s.framesDropped++
		metrics.DefaultMetrics.RecordFrameDropped("transport")
		s.log.Debug().Err(err).Uint64("seq", frame.Seq).Msg("Frame not sent")
		return
	}
	s.framesSent++
	metrics.DefaultMetrics.RecordFrameSent(len(frame.Samples) * 2)
}

func (c *Controller) handleSendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return transcript.ErrEmptyText
	}
	s := c.sess
	if s == nil || s.stream == nil || !c.routing() {
		return fmt.Errorf("%w: send text while %s", ErrInvalidState, c.state)
	}
	if err := s.stream.SendText(text); err != nil {
		return err
	}
	entry, err := c.history.Commit(s.id, transcript.Human, text, transcript.SourceTyped)
	if err != nil {
		return err
	}
	metrics.DefaultMetrics.RecordCommit(string(entry.Speaker), string(entry.Source))
	c.observers.OnCommit(s.id, entry)
	return nil
}

func (c *Controller) handleManual(text string) (transcript.Entry, error) {
	prefix, sessionID := transcript.ManualPrefix, ""
	if c.sess != nil {
		prefix, sessionID = c.sess.id, c.sess.id
	}
	entry, err := c.history.Commit(prefix, transcript.Human, text, transcript.SourceManual)
	if err != nil {
		return transcript.Entry{}, err
	}
	metrics.DefaultMetrics.RecordCommit(string(entry.Speaker), string(entry.Source))
	c.log.Info().Str("entryId", entry.ID).Msg("Manual entry added")
	c.observers.OnCommit(sessionID, entry)
	return entry, nil
}

func (c *Controller) commit(s *session, cm transcript.Commit) {
	entry, err := c.history.Commit(s.id, cm.Speaker, cm.Text, transcript.SourceStream)
	if err != nil {
		s.log.Debug().Err(err).Str("speaker", string(cm.Speaker)).Msg("Nothing to commit")
		return
	}
	metrics.DefaultMetrics.RecordCommit(string(cm.Speaker), string(cm.Reason))
	l := logging.WithSpeaker("session", s.id, string(entry.Speaker))
	l.Info().
		Str("entryId", entry.ID).
		Str("reason", string(cm.Reason)).
		Int("length", len(entry.Text)).
		Msg("Transcript entry committed")
	c.observers.OnCommit(s.id, entry)
}

func (c *Controller) stopCapture(s *session) {
	if s.capture != nil {
		if err := s.capture.Stop(); err != nil {
			s.log.Debug().Err(err).Msg("Audio device close")
		}
	}
	s.frames = nil
}

// teardown ends the current session: stop capture, close the transport,
// flush the human buffer, drop unfinished agent text.
func (c *Controller) teardown(reason string) {
	s := c.sess
	if s == nil {
		return
	}

	c.stopCapture(s)
	s.cancel()
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Transport close failed")
		}
	}

	cm, ok, discarded := s.buffer.Flush()
	if ok {
		c.commit(s, cm)
	}
	if discarded != "" {
		metrics.DefaultMetrics.RecordDiscard(string(transcript.Agent), reason)
		s.log.Info().Int("length", len(discarded)).Msg("Discarded unfinished agent text")
	}

	s.replyConnect(fmt.Errorf("%w (%s)", ErrConnectAborted, reason))

	dur := time.Since(s.started)
	metrics.DefaultMetrics.RecordSessionEnd(dur.Seconds())
	s.log.Info().
		Str("reason", reason).
		Dur("duration", dur).
		Uint64("framesSent", s.framesSent).
		Uint64("framesDropped", s.framesDropped).
		Msg("Session ended")

	c.setState(StateDisconnected, nil)
	c.sess = nil
}

func (c *Controller) setState(to State, err error) {
	from := c.state
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		c.log.Error().Str("from", from.String()).Str("to", to.String()).Msg("Unexpected state transition")
	}
	c.state = to

	change := StateChange{From: from, To: to, Err: err, At: time.Now().UTC()}
	if c.sess != nil {
		change.SessionID = c.sess.id
		change.Degraded = c.sess.degraded
	}
	if from == StateDisconnected {
		metrics.DefaultMetrics.RecordSessionStart()
	}
	metrics.DefaultMetrics.RecordStateTransition(from.String(), to.String())

	ev := c.log.Info()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("sessionId", change.SessionID).
		Str("from", from.String()).
		Str("to", to.String()).
		Bool("degraded", change.Degraded).
		Msg("Session state changed")

	c.observers.OnStateChange(change)
}

func (c *Controller) status() Status {
	st := Status{
		State:    c.state,
		Provider: c.transport.Name(),
		Entries:  c.history.Len(),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	s := c.sess
	if s == nil {
		return st
	}
	started := s.started.UTC()
	st.SessionID = s.id
	st.StartedAt = &started
	st.Degraded = s.degraded
	st.FramesSent = s.framesSent
	st.FramesDropped = s.framesDropped
	if s.capture != nil {
		st.FramesDropped += s.capture.Dropped()
	}
	st.Pending = PendingText{
		Human:         s.buffer.Pending(transcript.Human),
		Agent:         s.buffer.Pending(transcript.Agent),
		HumanCommitAt: deadline(s.buffer.Deadline(transcript.Human)),
		AgentCommitAt: deadline(s.buffer.Deadline(transcript.Agent)),
	}
	return st
}

func deadline(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

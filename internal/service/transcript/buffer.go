package transcript

import (
	"strings"
	"time"
)

// DefaultQuietPeriod is how long a channel must stay silent before its
// accumulated text is committed without an explicit turn boundary.
const DefaultQuietPeriod = 1500 * time.Millisecond

// Timer is the cancellable handle returned by an ArmFunc. *time.Timer
// satisfies it.
type Timer interface {
	Stop() bool
}

// ArmFunc schedules a commit check for speaker after d. The callee must
// deliver (speaker, generation) back to whoever owns the Buffer, which then
// calls Expire. Expiries carrying an old generation are ignored.
type ArmFunc func(speaker Speaker, generation uint64, d time.Duration) Timer

// Reason says why a channel was committed.
type Reason string

const (
	ReasonQuiet    Reason = "quiet_period"
	ReasonTurn     Reason = "turn_complete"
	ReasonTeardown Reason = "teardown"
)

// Commit is text leaving a channel buffer. Text is already trimmed.
type Commit struct {
	Speaker Speaker
	Text    string
	Reason  Reason
}

type channelBuffer struct {
	speaker    Speaker
	text       strings.Builder
	deadline   time.Time
	timer      Timer
	generation uint64
}

func (c *channelBuffer) cancel() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.deadline = time.Time{}
	c.generation++
}

func (c *channelBuffer) take(reason Reason) (Commit, bool) {
	text := strings.TrimSpace(c.text.String())
	c.text.Reset()
	c.cancel()
	if text == "" {
		return Commit{Speaker: c.speaker, Reason: reason}, false
	}
	return Commit{Speaker: c.speaker, Text: text, Reason: reason}, true
}

// Buffer accumulates partial deltas for the human and agent channels and
// applies the debounced commit policy.
//
// Buffer is not safe for concurrent use. It is driven from a single event
// loop; timer expiry re-enters through that same loop via Expire.
type Buffer struct {
	quiet time.Duration
	arm   ArmFunc
	now   func() time.Time
	human *channelBuffer
	agent *channelBuffer
}

func NewBuffer(quiet time.Duration, arm ArmFunc) *Buffer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Buffer{
		quiet: quiet,
		arm:   arm,
		now:   time.Now,
		human: &channelBuffer{speaker: Human},
		agent: &channelBuffer{speaker: Agent},
	}
}

func (b *Buffer) channel(sp Speaker) *channelBuffer {
	switch sp {
	case Human:
		return b.human
	case Agent:
		return b.agent
	default:
		return nil
	}
}

// Append adds delta to the speaker's channel and restarts its quiet timer.
func (b *Buffer) Append(sp Speaker, delta string) error {
	cb := b.channel(sp)
	if cb == nil {
		return ErrUnknownSpeaker
	}
	cb.text.WriteString(delta)

	cb.cancel()
	cb.deadline = b.now().Add(b.quiet)
	if b.arm != nil {
		cb.timer = b.arm(sp, cb.generation, b.quiet)
	}
	return nil
}

// Expire handles a fired quiet timer. It commits only when generation is
// still the channel's current one.
func (b *Buffer) Expire(sp Speaker, generation uint64) (Commit, bool) {
	cb := b.channel(sp)
	if cb == nil || cb.deadline.IsZero() || generation != cb.generation {
		return Commit{}, false
	}
	cb.timer = nil
	return cb.take(ReasonQuiet)
}

// TurnComplete force-commits the human channel, then the agent channel when
// it holds any text. Pending timers on both channels are cancelled.
func (b *Buffer) TurnComplete() []Commit {
	var out []Commit
	if c, ok := b.human.take(ReasonTurn); ok {
		out = append(out, c)
	}
	if c, ok := b.agent.take(ReasonTurn); ok {
		out = append(out, c)
	}
	return out
}

// Flush is the teardown path: the human channel is committed if non-empty,
// unfinished agent text is discarded and returned for accounting.
func (b *Buffer) Flush() (commit Commit, ok bool, discarded string) {
	commit, ok = b.human.take(ReasonTeardown)
	discarded = strings.TrimSpace(b.agent.text.String())
	b.agent.text.Reset()
	b.agent.cancel()
	return commit, ok, discarded
}

// Pending returns the uncommitted text of a channel.
func (b *Buffer) Pending(sp Speaker) string {
	cb := b.channel(sp)
	if cb == nil {
		return ""
	}
	return cb.text.String()
}

// Deadline returns when the channel will commit absent new text; zero when
// nothing is pending.
func (b *Buffer) Deadline(sp Speaker) time.Time {
	cb := b.channel(sp)
	if cb == nil {
		return time.Time{}
	}
	return cb.deadline
}

package transcript

import (
	"testing"
	"time"
)

type fakeTimer struct {
	speaker    Speaker
	generation uint64
	after      time.Duration
	stopped    bool
}

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

// recordingArm captures every armed timer so tests can fire them by hand.
type recordingArm struct {
	timers []*fakeTimer
}

func (r *recordingArm) arm(sp Speaker, gen uint64, d time.Duration) Timer {
	t := &fakeTimer{speaker: sp, generation: gen, after: d}
	r.timers = append(r.timers, t)
	return t
}

func (r *recordingArm) last() *fakeTimer {
	if len(r.timers) == 0 {
		return nil
	}
	return r.timers[len(r.timers)-1]
}

func TestBuffer_QuietPeriodCommitsConcatenation(t *testing.T) {
	rec := &recordingArm{}
	buf := NewBuffer(time.Second, rec.arm)

	if err := buf.Append(Human, "Hel"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := buf.Append(Human, "lo there "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rec.timers) != 2 {
		t.Fatalf("expected 2 armed timers, got %d", len(rec.timers))
	}
	if !rec.timers[0].stopped {
		t.Error("expected first timer to be stopped when re-armed")
	}
	if rec.last().after != time.Second {
		t.Errorf("expected quiet period 1s, got %v", rec.last().after)
	}

	commit, ok := buf.Expire(Human, rec.last().generation)
	if !ok {
		t.Fatal("expected commit on expiry")
	}
	if commit.Text != "Hello there" {
		t.Errorf("expected 'Hello there', got %q", commit.Text)
	}
	if commit.Reason != ReasonQuiet {
		t.Errorf("expected reason %s, got %s", ReasonQuiet, commit.Reason)
	}
	if buf.Pending(Human) != "" {
		t.Errorf("expected empty buffer after commit, got %q", buf.Pending(Human))
	}
	if !buf.Deadline(Human).IsZero() {
		t.Error("expected no deadline after commit")
	}
}

func TestBuffer_StaleExpiryIgnored(t *testing.T) {
	rec := &recordingArm{}
	buf := NewBuffer(time.Second, rec.arm)

	buf.Append(Human, "first")
	stale := rec.last().generation
	buf.Append(Human, " second")

	if _, ok := buf.Expire(Human, stale); ok {
		t.Error("expected stale generation to be ignored")
	}
	if buf.Pending(Human) != "first second" {
		t.Errorf("expected text to remain pending, got %q", buf.Pending(Human))
	}

	commit, ok := buf.Expire(Human, rec.last().generation)
	if !ok || commit.Text != "first second" {
		t.Errorf("expected commit 'first second', got %q (ok=%v)", commit.Text, ok)
	}

	// A second expiry for the same generation must not commit again.
	if _, ok := buf.Expire(Human, rec.last().generation); ok {
		t.Error("expected duplicate expiry to be ignored")
	}
}

func TestBuffer_WhitespaceNeverCommitted(t *testing.T) {
	tests := []struct {
		name  string
		delta string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"newlines and tabs", "\n\t \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingArm{}
			buf := NewBuffer(time.Second, rec.arm)
			buf.Append(Human, tt.delta)

			if _, ok := buf.Expire(Human, rec.last().generation); ok {
				t.Error("expected whitespace-only text not to commit on expiry")
			}

			buf.Append(Agent, tt.delta)
			buf.Append(Human, tt.delta)
			if commits := buf.TurnComplete(); len(commits) != 0 {
				t.Errorf("expected no commits on turn complete, got %d", len(commits))
			}

			buf.Append(Human, tt.delta)
			if _, ok, _ := buf.Flush(); ok {
				t.Error("expected whitespace-only text not to commit on flush")
			}
		})
	}
}

func TestBuffer_TurnCompleteForcesCommit(t *testing.T) {
	rec := &recordingArm{}
	// A quiet period that would never elapse during the test.
	buf := NewBuffer(24*365*time.Hour, rec.arm)

	buf.Append(Human, "I felt")
	humanTimer := rec.last()

	commits := buf.TurnComplete()
	if len(commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(commits))
	}
	if commits[0].Speaker != Human || commits[0].Text != "I felt" {
		t.Errorf("expected human 'I felt', got %s %q", commits[0].Speaker, commits[0].Text)
	}
	if commits[0].Reason != ReasonTurn {
		t.Errorf("expected reason %s, got %s", ReasonTurn, commits[0].Reason)
	}
	if !humanTimer.stopped {
		t.Error("expected human timer to be cancelled")
	}
	if _, ok := buf.Expire(Human, humanTimer.generation); ok {
		t.Error("expected cancelled timer expiry to be ignored")
	}
}

func TestBuffer_TurnCompleteCommitsAgentWhenPending(t *testing.T) {
	rec := &recordingArm{}
	buf := NewBuffer(time.Minute, rec.arm)

	buf.Append(Agent, "What frustrated you")
	buf.Append(Agent, " most?")

	commits := buf.TurnComplete()
	if len(commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(commits))
	}
	if commits[0].Speaker != Agent || commits[0].Text != "What frustrated you most?" {
		t.Errorf("unexpected commit: %+v", commits[0])
	}

	buf.Append(Human, "The checkout")
	buf.Append(Agent, "Go on")
	commits = buf.TurnComplete()
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].Speaker != Human || commits[1].Speaker != Agent {
		t.Errorf("expected human then agent, got %s then %s", commits[0].Speaker, commits[1].Speaker)
	}
}

func TestBuffer_FlushDiscardsAgent(t *testing.T) {
	rec := &recordingArm{}
	buf := NewBuffer(time.Minute, rec.arm)

	buf.Append(Agent, "Thinking")
	agentTimer := rec.last()
	buf.Append(Human, "and then I gave up")

	commit, ok, discarded := buf.Flush()
	if !ok {
		t.Fatal("expected human flush to commit")
	}
	if commit.Speaker != Human || commit.Text != "and then I gave up" {
		t.Errorf("unexpected commit: %+v", commit)
	}
	if commit.Reason != ReasonTeardown {
		t.Errorf("expected reason %s, got %s", ReasonTeardown, commit.Reason)
	}
	if discarded != "Thinking" {
		t.Errorf("expected discarded 'Thinking', got %q", discarded)
	}
	if buf.Pending(Agent) != "" {
		t.Errorf("expected agent buffer cleared, got %q", buf.Pending(Agent))
	}
	if !agentTimer.stopped {
		t.Error("expected agent timer to be cancelled")
	}
	if _, ok := buf.Expire(Agent, agentTimer.generation); ok {
		t.Error("expected agent expiry after flush to be ignored")
	}
}

func TestBuffer_ChannelsIndependent(t *testing.T) {
	rec := &recordingArm{}
	buf := NewBuffer(time.Second, rec.arm)

	buf.Append(Human, "I was")
	humanGen := rec.last().generation
	buf.Append(Agent, "Tell me more.")
	agentGen := rec.last().generation

	commit, ok := buf.Expire(Agent, agentGen)
	if !ok || commit.Text != "Tell me more." {
		t.Errorf("expected agent commit, got %q (ok=%v)", commit.Text, ok)
	}
	if buf.Pending(Human) != "I was" {
		t.Errorf("expected human text untouched, got %q", buf.Pending(Human))
	}
	if _, ok := buf.Expire(Human, humanGen); !ok {
		t.Error("expected human commit on its own expiry")
	}
}

func TestBuffer_UnknownSpeaker(t *testing.T) {
	buf := NewBuffer(time.Second, nil)
	if err := buf.Append(Speaker("narrator"), "hello"); err != ErrUnknownSpeaker {
		t.Errorf("expected ErrUnknownSpeaker, got %v", err)
	}
	if _, ok := buf.Expire(Speaker("narrator"), 0); ok {
		t.Error("expected unknown speaker expiry to be ignored")
	}
}

func TestBuffer_DefaultQuietPeriod(t *testing.T) {
	rec := &recordingArm{}
	buf := NewBuffer(0, rec.arm)
	buf.Append(Human, "x")
	if rec.last().after != DefaultQuietPeriod {
		t.Errorf("expected %v, got %v", DefaultQuietPeriod, rec.last().after)
	}
}

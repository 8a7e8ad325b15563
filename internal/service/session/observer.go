package session

import (
	"time"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

// StateChange describes one state machine transition.
type StateChange struct {
	SessionID string
	From      State
	To        State
	Err       error
	Degraded  bool
	At        time.Time
}

// Observer receives session activity. Methods run on the controller's event
// loop: they must return quickly and must not call back into the Controller.
type Observer interface {
	// OnPartial reports the full uncommitted text of a channel after a delta.
	OnPartial(sessionID string, speaker transcript.Speaker, pending string)
	OnCommit(sessionID string, entry transcript.Entry)
	OnStateChange(change StateChange)
}

// Observers fans every call out to each member in order.
type Observers []Observer

func (o Observers) OnPartial(sessionID string, speaker transcript.Speaker, pending string) {
	for _, obs := range o {
		obs.OnPartial(sessionID, speaker, pending)
	}
}

func (o Observers) OnCommit(sessionID string, entry transcript.Entry) {
	for _, obs := range o {
		obs.OnCommit(sessionID, entry)
	}
}

func (o Observers) OnStateChange(change StateChange) {
	for _, obs := range o {
		obs.OnStateChange(change)
	}
}

// Package models defines the wire payloads for transcript and session events.
package models

import (
	"time"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/session"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

const (
	EventTranscriptPartial   = "transcript.partial"
	EventTranscriptCommitted = "transcript.committed"
	EventSessionState        = "session.state"
)

// TranscriptPartial carries the full uncommitted text of one channel.
type TranscriptPartial struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

// TranscriptCommitted is a finalized transcript entry.
type TranscriptCommitted struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	EntryID   string `json:"entryId"`
	Speaker   string `json:"speaker"`
	Source    string `json:"source"`
	Text      string `json:"text"`
}

// SessionStateChanged reports a connection state transition.
type SessionStateChanged struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Degraded  bool   `json:"degraded,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewTranscriptPartial(sessionID string, speaker transcript.Speaker, text string) TranscriptPartial {
	return TranscriptPartial{
		EventType: EventTranscriptPartial,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Speaker:   string(speaker),
		Text:      text,
	}
}

func NewTranscriptCommitted(sessionID string, entry transcript.Entry) TranscriptCommitted {
	return TranscriptCommitted{
		EventType: EventTranscriptCommitted,
		SessionID: sessionID,
		Timestamp: entry.Timestamp.UnixMilli(),
		EntryID:   entry.ID,
		Speaker:   string(entry.Speaker),
		Source:    string(entry.Source),
		Text:      entry.Text,
	}
}

func NewSessionStateChanged(change session.StateChange) SessionStateChanged {
	ev := SessionStateChanged{
		EventType: EventSessionState,
		SessionID: change.SessionID,
		Timestamp: change.At.UnixMilli(),
		From:      change.From.String(),
		To:        change.To.String(),
		Degraded:  change.Degraded,
	}
	if change.Err != nil {
		ev.Error = change.Err.Error()
	}
	return ev
}

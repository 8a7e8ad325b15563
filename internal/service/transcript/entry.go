// Package transcript holds the per-channel partial buffers, the debounced
// commit policy and the committed transcript history.
package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Speaker identifies one of the two logical transcript channels.
type Speaker string

const (
	Human Speaker = "human"
	Agent Speaker = "agent"
)

// Valid reports whether s is a known channel.
func (s Speaker) Valid() bool {
	return s == Human || s == Agent
}

// Source records how an entry reached the history.
type Source string

const (
	SourceStream Source = "stream"
	SourceManual Source = "manual"
	// SourceTyped marks a human turn sent to the agent as text.
	SourceTyped Source = "typed"
)

var (
	ErrEmptyText      = errors.New("transcript text is empty")
	ErrUnknownSpeaker = errors.New("unknown speaker")
)

// Entry is a committed transcript line. Entries are never mutated after
// they are appended to a History.
type Entry struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ManualPrefix prefixes the ids of manual entries added with no session open.
const ManualPrefix = "manual"

const idInfix = "-entry-"

// SessionID recovers the session an entry was committed in from its id.
// Manual entries added outside a session have none.
func (e Entry) SessionID() string {
	i := strings.LastIndex(e.ID, idInfix)
	if i <= 0 || e.ID[:i] == ManualPrefix {
		return ""
	}
	return e.ID[:i]
}

// IDGenerator hands out monotonically numbered entry ids.
type IDGenerator struct {
	counter uint64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

func (g *IDGenerator) Next(prefix string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s%s%d", prefix, idInfix, n)
}

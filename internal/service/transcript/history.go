package transcript

import (
	"strings"
	"sync"
	"time"
)

// History is the ordered, append-only list of committed entries.
//
// Only the session controller writes to it. Readers on other goroutines get
// copies, so nothing outside the package can mutate a committed entry.
type History struct {
	mu      sync.RWMutex
	entries []Entry
	ids     *IDGenerator
	now     func() time.Time
}

func NewHistory() *History {
	return &History{
		ids: NewIDGenerator(),
		now: time.Now,
	}
}

// Commit trims text, stamps it with an id and timestamp and appends it.
// Empty-after-trim text is rejected with ErrEmptyText.
func (h *History) Commit(prefix string, speaker Speaker, text string, source Source) (Entry, error) {
	if !speaker.Valid() {
		return Entry{}, ErrUnknownSpeaker
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyText
	}

	entry := Entry{
		ID:        h.ids.Next(prefix),
		Speaker:   speaker,
		Text:      text,
		Source:    source,
		Timestamp: h.now().UTC(),
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()
	return entry, nil
}

// Snapshot returns a copy of every committed entry in commit order.
func (h *History) Snapshot() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Since returns a copy of the entries after the first n.
func (h *History) Since(n int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(h.entries) {
		return nil
	}
	out := make([]Entry, len(h.entries)-n)
	copy(out, h.entries[n:])
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Reset drops every entry.
func (h *History) Reset() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

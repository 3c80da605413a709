package router

import (
	"strings"
	"sync"

	"zapdesk/pkg/responder/types"
)

// History is a bounded, ordered transcript. Appending past the cap drops the
// oldest turns.
type History struct {
	mu      sync.RWMutex
	max     int
	entries []types.Turn
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultMaxHistory
	}
	return &History{max: max}
}

func (h *History) Append(role string, text string) {
	role = strings.TrimSpace(role)
	text = strings.TrimSpace(text)
	if role == "" || text == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, types.Turn{Role: role, Text: text})
	if overflow := len(h.entries) - h.max; overflow > 0 {
		h.entries = append(h.entries[:0:0], h.entries[overflow:]...)
	}
}

func (h *History) Turns() []types.Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.entries) == 0 {
		return nil
	}

	out := make([]types.Turn, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.entries)
}

package session

const defaultHistoryLimit = 12

// historyEntry is one bounded-history record. Role is user, assistant,
// system, or tool.
type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Tool    string `json:"tool,omitempty"`
}

// history keeps the most recent conversation entries, evicting the oldest
// once the limit is reached. Owned by the event loop; not safe for
// concurrent use.
type history struct {
	entries []historyEntry
	limit   int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &history{entries: make([]historyEntry, 0, limit), limit: limit}
}

func (h *history) append(role, content string) {
	h.push(historyEntry{Role: role, Content: content})
}

func (h *history) appendToolResult(tool, content string) {
	h.push(historyEntry{Role: "tool", Tool: tool, Content: content})
}

func (h *history) push(e historyEntry) {
	h.entries = append(h.entries, e)
	if len(h.entries) > h.limit {
		h.entries = h.entries[1:]
	}
}

func (h *history) len() int { return len(h.entries) }

func (h *history) last() (historyEntry, bool) {
	if len(h.entries) == 0 {
		return historyEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

func (h *history) snapshot() []historyEntry {
	out := make([]historyEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

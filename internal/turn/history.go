package turn

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// DefaultHistoryCapacity is how many entries a [History] retains.
const DefaultHistoryCapacity = 100

// Entry is one message in the conversation history.
type Entry struct {
	// Role is llm.RoleUser or llm.RoleAssistant.
	Role string

	// Text is what was said. For an interrupted assistant turn it is the
	// prefix whose playback had started.
	Text string

	// Interrupted marks an assistant turn cut short by barge-in.
	Interrupted bool

	// At records when the entry was added.
	At time.Time

	// Metrics holds the merged turn metrics of assistant entries.
	Metrics *Metrics
}

// History is an in-memory rolling window of conversation entries. Entries
// beyond the capacity are evicted oldest first.
//
// All methods are safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
}

// NewHistory returns a History retaining at most capacity entries. A
// non-positive capacity selects [DefaultHistoryCapacity].
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{capacity: capacity}
}

// Add appends entries and evicts the oldest beyond capacity.
func (h *History) Add(entries ...Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, entries...)
	if over := len(h.entries) - h.capacity; over > 0 {
		// Copy so evicted entries do not pin the old backing array.
		h.entries = slices.Clone(h.entries[over:])
	}
}

// Messages returns the last n entries as completion messages, oldest first.
func (h *History) Messages(n int) []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := max(len(h.entries)-n, 0)
	out := make([]llm.Message, 0, len(h.entries)-start)
	for _, e := range h.entries[start:] {
		out = append(out, llm.Message{Role: e.Role, Content: e.Text})
	}
	return out
}

// Entries returns a copy of all retained entries, oldest first.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.entries)
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Clear drops every entry.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

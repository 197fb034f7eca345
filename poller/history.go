package poller

import (
	"fmt"
	"sync"

	"github.com/timzifer/signalboard/signals"
)

// DefaultHistorySize is the number of snapshots retained when no size is set.
const DefaultHistorySize = 20

// History is a fixed-size ring buffer of successful fetches. Once full, the
// oldest entry is overwritten.
type History struct {
	capacity int

	mu      sync.Mutex
	entries []signals.HistoryEntry
	head    int
	size    int
	dropped uint64
}

// NewHistory constructs a history buffer.
func NewHistory(capacity int) (*History, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("history must have positive capacity, got %d", capacity)
	}
	return &History{
		capacity: capacity,
		entries:  make([]signals.HistoryEntry, capacity),
	}, nil
}

// Push appends an entry and reports whether the oldest one was evicted.
func (h *History) Push(entry signals.HistoryEntry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < h.capacity {
		h.entries[(h.head+h.size)%h.capacity] = entry
		h.size++
		return false
	}
	h.entries[h.head] = entry
	h.head = (h.head + 1) % h.capacity
	h.dropped++
	return true
}

// Entries returns a copy of the retained entries, oldest first.
func (h *History) Entries() []signals.HistoryEntry {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]signals.HistoryEntry, h.size)
	for i := 0; i < h.size; i++ {
		entry := h.entries[(h.head+i)%h.capacity]
		entry.Snapshot = entry.Snapshot.Clone()
		out[i] = entry
	}
	return out
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Dropped returns how many entries have been evicted.
func (h *History) Dropped() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

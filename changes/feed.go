package changes

import (
	"sync"
	"time"
)

// DefaultDisplay is how long a notification stays visible.
const DefaultDisplay = 5 * time.Second

// Feed keeps recent notifications for a display window.
type Feed struct {
	display  time.Duration
	capacity int

	mu      sync.Mutex
	items   []Notification
	enabled bool
}

// NewFeed creates an enabled feed. Non-positive arguments fall back to the
// defaults.
func NewFeed(display time.Duration, capacity int) *Feed {
	if display <= 0 {
		display = DefaultDisplay
	}
	if capacity <= 0 {
		capacity = 50
	}
	return &Feed{display: display, capacity: capacity, enabled: true}
}

// SetEnabled toggles the feed. Disabling clears pending notifications.
func (f *Feed) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
	if !enabled {
		f.items = nil
	}
}

// Enabled reports whether notifications are collected.
func (f *Feed) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Push adds notifications, dropping the oldest beyond capacity. It reports how
// many were accepted.
func (f *Feed) Push(items ...Notification) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled || len(items) == 0 {
		return 0
	}
	f.items = append(f.items, items...)
	if over := len(f.items) - f.capacity; over > 0 {
		f.items = append([]Notification(nil), f.items[over:]...)
	}
	return len(items)
}

// Active prunes expired notifications and returns the remaining ones, oldest
// first.
func (f *Feed) Active(now time.Time) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	for _, n := range f.items {
		if now.Sub(n.CreatedAt) < f.display {
			kept = append(kept, n)
		}
	}
	f.items = kept
	out := make([]Notification, len(kept))
	copy(out, kept)
	return out
}

package changes

import (
	"time"

	"github.com/google/uuid"

	"github.com/timzifer/signalboard/signals"
)

// Kind classifies a change event.
type Kind string

const (
	KindSignalChanged    Kind = "signal-changed"
	KindStatusChanged    Kind = "status-changed"
	KindDurationChanged  Kind = "duration-changed"
	KindDirectionAdded   Kind = "direction-added"
	KindDirectionRemoved Kind = "direction-removed"
)

// Event describes one field of one direction that differs between two
// snapshots.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Direction string    `json:"direction"`
	Old       string    `json:"old"`
	New       string    `json:"new"`
	Timestamp time.Time `json:"timestamp"`
}

// Detector diffs snapshots. The zero value reports field changes only.
type Detector struct {
	// TrackMembership also reports directions that appear or disappear.
	TrackMembership bool
	// Now stamps events; time.Now when nil.
	Now func() time.Time
}

// Diff compares previous and current with the default detector.
func Diff(previous, current signals.Snapshot) []Event {
	return Detector{}.Diff(previous, current)
}

// Diff returns the events between previous and current ordered by direction
// and then by signal, status and duration.
func (d Detector) Diff(previous, current signals.Snapshot) []Event {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	ts := now()

	keys := make([]string, 0, len(current)+len(previous))
	for k := range current {
		keys = append(keys, k)
	}
	for k := range previous {
		if _, ok := current[k]; !ok {
			keys = append(keys, k)
		}
	}
	signals.SortDirections(keys)

	var events []Event
	emit := func(kind Kind, direction, old, new string) {
		events = append(events, Event{
			ID:        uuid.NewString(),
			Kind:      kind,
			Direction: direction,
			Old:       old,
			New:       new,
			Timestamp: ts,
		})
	}

	for _, direction := range keys {
		prev, hadPrev := previous[direction]
		cur, hasCur := current[direction]
		switch {
		case hadPrev && hasCur:
			if prev.Signal != cur.Signal {
				emit(KindSignalChanged, direction, string(prev.Signal), string(cur.Signal))
			}
			if prev.Status != cur.Status {
				emit(KindStatusChanged, direction, string(prev.Status), string(cur.Status))
			}
			if prev.Duration != cur.Duration {
				emit(KindDurationChanged, direction, string(prev.Duration), string(cur.Duration))
			}
		case hasCur && d.TrackMembership && len(previous) > 0:
			emit(KindDirectionAdded, direction, "", string(cur.Signal))
		case hadPrev && d.TrackMembership:
			emit(KindDirectionRemoved, direction, string(prev.Signal), "")
		}
	}
	return events
}

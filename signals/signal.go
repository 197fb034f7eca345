package signals

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Color is the light currently shown by a direction.
type Color string

const (
	// ColorRed stops traffic.
	ColorRed Color = "red"
	// ColorYellow announces a change.
	ColorYellow Color = "yellow"
	// ColorGreen releases traffic.
	ColorGreen Color = "green"
	// ColorBlack marks an error or unknown state reported by the feed.
	ColorBlack Color = "black"
)

// Known reports whether the color is one of the documented values.
func (c Color) Known() bool {
	switch c {
	case ColorRed, ColorYellow, ColorGreen, ColorBlack:
		return true
	default:
		return false
	}
}

// Status tells whether a signal head is powered.
type Status string

const (
	// StatusOn marks an active signal.
	StatusOn Status = "on"
	// StatusOff marks an inactive signal.
	StatusOff Status = "off"
)

// TimestampLayout is the format used for proxy assigned timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders ts the way the proxy stamps snapshots.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// Duration keeps the textual duration sent by the feed. The feed uses strings
// ("30") but numbers are accepted as well; the value is always encoded as a
// JSON string.
type Duration string

// Seconds parses the duration. ok is false for empty, non numeric, non finite
// or out of range values.
func (d Duration) Seconds() (int, bool) {
	text := strings.TrimSpace(string(d))
	if text == "" {
		return 0, false
	}
	if v, err := strconv.Atoi(text); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// UnmarshalJSON accepts strings, numbers and null.
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode duration: %w", err)
		}
		*d = Duration(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		// booleans, objects and arrays carry no usable duration
		*d = ""
		return nil
	}
	*d = Duration(n.String())
	return nil
}

// Signal is the state of one traffic direction.
type Signal struct {
	Signal    Color    `json:"signal"`
	Duration  Duration `json:"duration"`
	Status    Status   `json:"status"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Active reports whether the signal status is on.
func (s Signal) Active() bool {
	return s.Status == StatusOn
}

// Snapshot maps a direction key to its signal. Keys are free form and are
// kept exactly as received.
type Snapshot map[string]Signal

// UnmarshalJSON decodes a direction map. Entries that are not JSON objects are
// dropped instead of failing the whole snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(Snapshot, len(raw))
	for key, value := range raw {
		value = bytes.TrimSpace(value)
		if len(value) == 0 || value[0] != '{' {
			continue
		}
		var sig Signal
		if err := json.Unmarshal(value, &sig); err != nil {
			continue
		}
		out[key] = sig
	}
	*s = out
	return nil
}

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Stamp returns a copy of the snapshot with ts attached to every entry.
func (s Snapshot) Stamp(ts time.Time) Snapshot {
	stamp := FormatTimestamp(ts)
	out := make(Snapshot, len(s))
	for k, v := range s {
		v.Timestamp = stamp
		out[k] = v
	}
	return out
}

// Equal reports whether both snapshots hold the same directions and values.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		o, ok := other[k]
		if !ok || o != v {
			return false
		}
	}
	return true
}

// Canonical directions in display order.
const (
	East  = "east"
	West  = "west"
	North = "north"
	South = "south"
)

var canonicalOrder = map[string]int{East: 0, West: 1, North: 2, South: 3}

// Directions returns the snapshot keys with the canonical directions first
// followed by any other keys in lexical order.
func Directions(s Snapshot) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	SortDirections(keys)
	return keys
}

// SortDirections orders keys in place using the canonical direction order.
func SortDirections(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		oi, iok := canonicalOrder[keys[i]]
		oj, jok := canonicalOrder[keys[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok:
			return true
		case jok:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}

// FallbackDuration is the duration used for fallback data.
const FallbackDuration Duration = "50"

// Fallback returns the fixed dataset served when the upstream feed cannot be
// reached.
func Fallback(ts time.Time) Snapshot {
	stamp := FormatTimestamp(ts)
	return Snapshot{
		East:  {Signal: ColorGreen, Duration: FallbackDuration, Status: StatusOn, Timestamp: stamp},
		West:  {Signal: ColorRed, Duration: FallbackDuration, Status: StatusOn, Timestamp: stamp},
		North: {Signal: ColorYellow, Duration: FallbackDuration, Status: StatusOn, Timestamp: stamp},
		South: {Signal: ColorYellow, Duration: FallbackDuration, Status: StatusOn, Timestamp: stamp},
	}
}

// ChartValue maps a color onto the level used by charts.
func ChartValue(c Color) int {
	switch c {
	case ColorRed:
		return 100
	case ColorYellow:
		return 50
	default:
		return 0
	}
}

// HistoryEntry is one successful fetch retained in history.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Snapshot  Snapshot  `json:"snapshot"`
}

// Package insights derives dashboard figures from the engine state. All
// functions are pure.
package insights

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/signalboard/changes"
	"github.com/timzifer/signalboard/signals"
)

const (
	// ChartPoints is the number of history entries plotted.
	ChartPoints = 10
	// TimelineEntries is the maximum timeline length per direction.
	TimelineEntries = 5
)

// Score is the performance rating of one direction.
type Score struct {
	Direction   string `json:"direction"`
	Score       int    `json:"score"`
	Category    string `json:"category"`
	Insight     string `json:"insight"`
	Attention   bool   `json:"attention"`
	Transitions int    `json:"transitions"`
	RedRatio    string `json:"red_ratio"`
}

// HeatMap scores every direction of current against history. Fewer than two
// history entries yield nil.
func HeatMap(current signals.Snapshot, history []signals.HistoryEntry) []Score {
	if len(history) < 2 {
		return nil
	}
	directions := signals.Directions(current)
	out := make([]Score, 0, len(directions))
	for _, direction := range directions {
		transitions, reds, total := 0, 0, 0
		for i := 1; i < len(history); i++ {
			prev, okPrev := history[i-1].Snapshot[direction]
			cur, okCur := history[i].Snapshot[direction]
			if !okPrev || !okCur {
				continue
			}
			if prev.Signal != cur.Signal {
				transitions++
			}
			if cur.Signal == signals.ColorRed {
				reds++
			}
			total++
		}

		score := 100
		if float64(transitions) > float64(len(history))*0.5 {
			score -= 30
		}
		ratio := decimal.Zero
		if total > 0 {
			ratio = decimal.NewFromInt(int64(reds)).Div(decimal.NewFromInt(int64(total)))
			if ratio.GreaterThan(decimal.RequireFromString("0.6")) {
				score -= 20
			}
		}
		if current[direction].Status != signals.StatusOn {
			score -= 50
		}
		score = clamp(score)

		out = append(out, Score{
			Direction:   direction,
			Score:       score,
			Category:    Category(score),
			Insight:     Insight(direction, score),
			Attention:   score < 40,
			Transitions: transitions,
			RedRatio:    ratio.StringFixed(2),
		})
	}
	return out
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Category names the band a score falls into.
func Category(score int) string {
	switch {
	case score >= 80:
		return "Excellent"
	case score >= 60:
		return "Good"
	case score >= 40:
		return "Average"
	case score >= 20:
		return "Poor"
	default:
		return "Critical"
	}
}

// Insight returns the advice shown for a score.
func Insight(direction string, score int) string {
	switch {
	case score < 30:
		return fmt.Sprintf("%s signal shows critical performance issues. Maintenance required.", direction)
	case score < 50:
		return fmt.Sprintf("%s signal performance is below average. Consider optimization.", direction)
	case score < 70:
		return fmt.Sprintf("%s signal is performing adequately but could be improved.", direction)
	default:
		return fmt.Sprintf("%s signal is performing optimally. No action needed.", direction)
	}
}

// Overview summarises the current snapshot.
type Overview struct {
	Active      int    `json:"active"`
	Errors      int    `json:"errors"`
	AvgDuration string `json:"avg_duration"`
	Directions  int    `json:"directions"`
}

// Summarize computes the overview. The average covers parseable durations
// only and is rounded half up; it is "0" when none parse.
func Summarize(snap signals.Snapshot) Overview {
	ov := Overview{Directions: len(snap), AvgDuration: "0"}
	sum := decimal.Zero
	count := 0
	for _, sig := range snap {
		if sig.Active() {
			ov.Active++
		}
		if sig.Signal == signals.ColorBlack {
			ov.Errors++
		}
		if seconds, ok := sig.Duration.Seconds(); ok {
			sum = sum.Add(decimal.NewFromInt(int64(seconds)))
			count++
		}
	}
	if count > 0 {
		ov.AvgDuration = sum.Div(decimal.NewFromInt(int64(count))).Round(0).String()
	}
	return ov
}

// Point is one chart sample.
type Point struct {
	At        time.Time      `json:"at"`
	Label     string         `json:"label"`
	Values    map[string]int `json:"values"`
	Durations map[string]int `json:"durations"`
}

// Series returns the chart points for the last ChartPoints history entries.
func Series(history []signals.HistoryEntry) []Point {
	if len(history) > ChartPoints {
		history = history[len(history)-ChartPoints:]
	}
	out := make([]Point, 0, len(history))
	for _, entry := range history {
		p := Point{
			At:        entry.Timestamp,
			Label:     entry.Timestamp.UTC().Format("15:04:05"),
			Values:    make(map[string]int, len(entry.Snapshot)),
			Durations: make(map[string]int, len(entry.Snapshot)),
		}
		for direction, sig := range entry.Snapshot {
			p.Values[direction] = signals.ChartValue(sig.Signal)
			seconds, _ := sig.Duration.Seconds()
			p.Durations[direction] = seconds
		}
		out = append(out, p)
	}
	return out
}

// TimelineEntry is one colour change of a direction.
type TimelineEntry struct {
	At     time.Time     `json:"at"`
	Signal signals.Color `json:"signal"`
}

// Timeline returns the colour changes of direction, newest first.
func Timeline(history []signals.HistoryEntry, direction string) []TimelineEntry {
	var changesOldestFirst []TimelineEntry
	for _, entry := range history {
		sig, ok := entry.Snapshot[direction]
		if !ok {
			continue
		}
		if n := len(changesOldestFirst); n > 0 && changesOldestFirst[n-1].Signal == sig.Signal {
			continue
		}
		changesOldestFirst = append(changesOldestFirst, TimelineEntry{At: entry.Timestamp, Signal: sig.Signal})
	}
	out := make([]TimelineEntry, 0, TimelineEntries)
	for i := len(changesOldestFirst) - 1; i >= 0 && len(out) < TimelineEntries; i-- {
		out = append(out, changesOldestFirst[i])
	}
	return out
}

// Report bundles everything the insights endpoint serves.
type Report struct {
	HeatMap   []Score                    `json:"heat_map"`
	Overview  Overview                   `json:"overview"`
	Series    []Point                    `json:"series"`
	Timelines map[string][]TimelineEntry `json:"timelines"`
	Attention []string                   `json:"attention"`
}

// Build computes a full report.
func Build(current signals.Snapshot, history []signals.HistoryEntry) Report {
	r := Report{
		HeatMap:   HeatMap(current, history),
		Overview:  Summarize(current),
		Series:    Series(history),
		Timelines: make(map[string][]TimelineEntry, len(current)),
	}
	for _, direction := range signals.Directions(current) {
		r.Timelines[direction] = Timeline(history, direction)
	}
	for _, s := range r.HeatMap {
		if s.Attention {
			r.Attention = append(r.Attention, changes.Title(s.Direction))
		}
	}
	return r
}

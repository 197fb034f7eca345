package insights

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/signalboard/signals"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func entries(colors ...signals.Color) []signals.HistoryEntry {
	out := make([]signals.HistoryEntry, len(colors))
	for i, c := range colors {
		out[i] = signals.HistoryEntry{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			Snapshot:  signals.Snapshot{"east": {Signal: c, Duration: "30", Status: signals.StatusOn}},
		}
	}
	return out
}

func TestHeatMapNeedsTwoEntries(t *testing.T) {
	current := signals.Snapshot{"east": {Signal: signals.ColorRed, Status: signals.StatusOn}}
	require.Nil(t, HeatMap(current, entries(signals.ColorRed)))
}

func TestHeatMapPenalties(t *testing.T) {
	r, g, y := signals.ColorRed, signals.ColorGreen, signals.ColorYellow
	cases := map[string]struct {
		history []signals.HistoryEntry
		status  signals.Status
		score   int
		cat     string
	}{
		"stable":        {entries(g, g, g, g), signals.StatusOn, 100, "Excellent"},
		"flapping":      {entries(r, g, r, g), signals.StatusOn, 70, "Good"},
		"mostly red":    {entries(g, r, r, r), signals.StatusOn, 80, "Excellent"},
		"flapping red":  {entries(g, r, y, r, g, r, r), signals.StatusOn, 50, "Average"},
		"offline":       {entries(g, g), signals.StatusOff, 50, "Average"},
		"offline + red": {entries(r, r, r), signals.StatusOff, 30, "Poor"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			current := signals.Snapshot{"east": {Signal: signals.ColorRed, Status: tc.status}}
			scores := HeatMap(current, tc.history)
			require.Len(t, scores, 1)
			require.Equal(t, tc.score, scores[0].Score)
			require.Equal(t, tc.cat, scores[0].Category)
			require.Equal(t, tc.score < 40, scores[0].Attention)
		})
	}
}

func TestHeatMapClampsAndFlagsCritical(t *testing.T) {
	r, g := signals.ColorRed, signals.ColorGreen
	current := signals.Snapshot{"east": {Signal: r, Status: signals.StatusOff}}
	scores := HeatMap(current, entries(g, r, g, r, r, g, r, r))
	require.Equal(t, 0, scores[0].Score)
	require.Equal(t, "Critical", scores[0].Category)
	require.True(t, scores[0].Attention)
	require.Contains(t, scores[0].Insight, "Maintenance required")
}

func TestInsightThresholds(t *testing.T) {
	require.Contains(t, Insight("east", 29), "critical")
	require.Contains(t, Insight("east", 30), "below average")
	require.Contains(t, Insight("east", 50), "adequately")
	require.Contains(t, Insight("east", 70), "optimally")
}

func TestSummarize(t *testing.T) {
	ov := Summarize(signals.Snapshot{
		"east":  {Signal: signals.ColorGreen, Duration: "30", Status: signals.StatusOn},
		"west":  {Signal: signals.ColorBlack, Duration: "45", Status: signals.StatusOff},
		"north": {Signal: signals.ColorRed, Duration: "", Status: signals.StatusOn},
	})
	require.Equal(t, 2, ov.Active)
	require.Equal(t, 1, ov.Errors)
	require.Equal(t, 3, ov.Directions)
	require.Equal(t, "38", ov.AvgDuration, "37.5 rounds half up")

	require.Equal(t, "0", Summarize(nil).AvgDuration)
}

func TestSeriesKeepsLastTenPoints(t *testing.T) {
	var colors []signals.Color
	for i := 0; i < 12; i++ {
		colors = append(colors, signals.ColorYellow)
	}
	series := Series(entries(colors...))
	require.Len(t, series, ChartPoints)
	require.Equal(t, base.Add(20*time.Second), series[0].At)
	require.Equal(t, 50, series[0].Values["east"])
	require.Equal(t, 30, series[0].Durations["east"])
}

func TestTimelineRecordsChangesNewestFirst(t *testing.T) {
	r, g, y := signals.ColorRed, signals.ColorGreen, signals.ColorYellow
	history := entries(r, r, g, g, y, r, g, y, r)
	timeline := Timeline(history, "east")
	require.Len(t, timeline, TimelineEntries)
	got := make([]signals.Color, len(timeline))
	for i, e := range timeline {
		got[i] = e.Signal
	}
	require.Equal(t, []signals.Color{r, y, g, r, y}, got)
	require.Equal(t, history[8].Timestamp, timeline[0].At)

	require.Empty(t, Timeline(history, "west"))
}

func TestBuildReport(t *testing.T) {
	r := signals.ColorRed
	history := entries(r, r, r)
	current := signals.Snapshot{"east": {Signal: r, Duration: "30", Status: signals.StatusOff}}
	report := Build(current, history)
	require.Len(t, report.HeatMap, 1)
	require.Equal(t, []string{"East"}, report.Attention)
	require.Contains(t, report.Timelines, "east")
	require.Len(t, report.Series, 3)
}

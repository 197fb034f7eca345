package changes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/signalboard/signals"
)

var at = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func fixed() time.Time { return at }

func sig(color signals.Color, duration string, status signals.Status) signals.Signal {
	return signals.Signal{Signal: color, Duration: signals.Duration(duration), Status: status}
}

func TestDiffSelfIsEmpty(t *testing.T) {
	snap := signals.Fallback(at)
	require.Empty(t, Diff(snap, snap))
	require.Empty(t, Detector{TrackMembership: true}.Diff(snap, snap.Clone()))
}

func TestDiffSignalChange(t *testing.T) {
	prev := signals.Snapshot{"east": sig(signals.ColorRed, "50", signals.StatusOn)}
	cur := signals.Snapshot{"east": sig(signals.ColorGreen, "50", signals.StatusOn)}

	events := Detector{Now: fixed}.Diff(prev, cur)
	require.Len(t, events, 1)
	require.Equal(t, KindSignalChanged, events[0].Kind)
	require.Equal(t, "east", events[0].Direction)
	require.Equal(t, "red", events[0].Old)
	require.Equal(t, "green", events[0].New)
	require.Equal(t, at, events[0].Timestamp)
	require.NotEmpty(t, events[0].ID)
}

func TestDiffOrdersByDirectionThenField(t *testing.T) {
	prev := signals.Snapshot{
		"west":  sig(signals.ColorRed, "30", signals.StatusOn),
		"east":  sig(signals.ColorRed, "30", signals.StatusOn),
		"South": sig(signals.ColorRed, "30", signals.StatusOn),
	}
	cur := signals.Snapshot{
		"west":  sig(signals.ColorGreen, "40", signals.StatusOff),
		"east":  sig(signals.ColorRed, "45", signals.StatusOn),
		"South": sig(signals.ColorYellow, "30", signals.StatusOn),
	}

	events := Diff(prev, cur)
	var got []string
	for _, e := range events {
		got = append(got, e.Direction+":"+string(e.Kind))
	}
	require.Equal(t, []string{
		"east:duration-changed",
		"west:signal-changed",
		"west:status-changed",
		"west:duration-changed",
		"South:signal-changed",
	}, got)
}

func TestDiffIgnoresMembershipByDefault(t *testing.T) {
	prev := signals.Snapshot{"east": sig(signals.ColorRed, "50", signals.StatusOn)}
	cur := signals.Snapshot{"outh": sig(signals.ColorRed, "50", signals.StatusOn)}
	require.Empty(t, Diff(prev, cur))
}

func TestDetectorTracksMembership(t *testing.T) {
	prev := signals.Snapshot{"east": sig(signals.ColorRed, "50", signals.StatusOn)}
	cur := signals.Snapshot{"outh": sig(signals.ColorGreen, "50", signals.StatusOn)}

	events := Detector{TrackMembership: true}.Diff(prev, cur)
	require.Len(t, events, 2)
	require.Equal(t, KindDirectionRemoved, events[0].Kind)
	require.Equal(t, "east", events[0].Direction)
	require.Equal(t, KindDirectionAdded, events[1].Kind)
	require.Equal(t, "green", events[1].New)

	require.Empty(t, Detector{TrackMembership: true}.Diff(nil, cur), "first snapshot must not report additions")
}

func TestDescribeMessages(t *testing.T) {
	cases := []struct {
		event    Event
		severity Severity
		message  string
	}{
		{Event{Kind: KindSignalChanged, Direction: "east", Old: "red", New: "green"}, SeverityInfo, "East signal changed from red to green"},
		{Event{Kind: KindStatusChanged, Direction: "west", Old: "off", New: "on"}, SeveritySuccess, "West signal is now active"},
		{Event{Kind: KindStatusChanged, Direction: "north", Old: "on", New: "off"}, SeverityWarning, "North signal is now inactive"},
		{Event{Kind: KindDurationChanged, Direction: "south", Old: "50", New: "30"}, SeverityInfo, "South signal duration updated to 30s"},
	}
	for _, tc := range cases {
		n := Describe(tc.event)
		require.Equal(t, tc.severity, n.Severity)
		require.Equal(t, tc.message, n.Message)
		require.Equal(t, string(tc.event.Kind), n.Kind)
	}
}

func TestTitle(t *testing.T) {
	require.Equal(t, "East", Title("east"))
	require.Equal(t, "", Title(""))
	require.Equal(t, "Ñorth", Title("ñorth"))
}

func TestFeedExpiresAfterDisplayWindow(t *testing.T) {
	feed := NewFeed(5*time.Second, 10)
	feed.Push(NewNotification("test", SeverityInfo, "first", at))
	feed.Push(NewNotification("test", SeverityInfo, "second", at.Add(3*time.Second)))

	require.Len(t, feed.Active(at.Add(4*time.Second)), 2)
	active := feed.Active(at.Add(6 * time.Second))
	require.Len(t, active, 1)
	require.Equal(t, "second", active[0].Message)
	require.Empty(t, feed.Active(at.Add(9*time.Second)))
}

func TestFeedCapacityAndToggle(t *testing.T) {
	feed := NewFeed(0, 2)
	for _, msg := range []string{"a", "b", "c"} {
		feed.Push(NewNotification("test", SeverityInfo, msg, at))
	}
	active := feed.Active(at)
	require.Len(t, active, 2)
	require.Equal(t, "b", active[0].Message)

	feed.SetEnabled(false)
	require.False(t, feed.Enabled())
	require.Empty(t, feed.Active(at))
	require.Equal(t, 0, feed.Push(NewNotification("test", SeverityInfo, "d", at)))
}

func TestParseSeverity(t *testing.T) {
	require.Equal(t, SeverityWarning, ParseSeverity(" Warning "))
	require.Equal(t, SeverityInfo, ParseSeverity("loud"))
}

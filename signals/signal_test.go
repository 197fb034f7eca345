package signals

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotDecodeLenient(t *testing.T) {
	payload := `{
		"east": {"signal": "red", "duration": "30", "status": "on"},
		"west": {"signal": "green", "duration": 45, "status": "off"},
		"South": {"signal": "yellow", "status": "on"},
		"meta": "ignored",
		"broken": null
	}`
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(payload), &snap))
	require.Len(t, snap, 3)

	require.Equal(t, ColorRed, snap["east"].Signal)
	require.Equal(t, Duration("30"), snap["east"].Duration)
	require.Equal(t, Duration("45"), snap["west"].Duration)

	seconds, ok := snap["South"].Duration.Seconds()
	require.False(t, ok)
	require.Zero(t, seconds)
}

func TestSnapshotDecodeRejectsNonObject(t *testing.T) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(`["east"]`), &snap); err == nil {
		t.Fatalf("expected error for array payload")
	}
}

func TestDurationEncodesAsString(t *testing.T) {
	sig := Signal{Signal: ColorGreen, Duration: "50", Status: StatusOn}
	raw, err := json.Marshal(sig)
	require.NoError(t, err)
	require.JSONEq(t, `{"signal":"green","duration":"50","status":"on"}`, string(raw))
}

func TestStampSharesTimestamp(t *testing.T) {
	snap := Snapshot{
		"east": {Signal: ColorRed, Duration: "30", Status: StatusOn},
		"west": {Signal: ColorGreen, Duration: "30", Status: StatusOn},
	}
	ts := time.Date(2024, 5, 1, 12, 30, 0, 250*int(time.Millisecond), time.UTC)
	stamped := snap.Stamp(ts)

	require.Empty(t, snap["east"].Timestamp, "stamp must not mutate the source")
	require.Equal(t, "2024-05-01T12:30:00.250Z", stamped["east"].Timestamp)
	require.Equal(t, stamped["east"].Timestamp, stamped["west"].Timestamp)
}

func TestDurationSecondsRejectsUnusableNumbers(t *testing.T) {
	for _, raw := range []string{"NaN", "Inf", "-Inf", "1e300", "-1e300", "99999999999999999999"} {
		if seconds, ok := Duration(raw).Seconds(); ok {
			t.Fatalf("%s: got %d seconds, want unknown", raw, seconds)
		}
	}
	seconds, ok := Duration("42.9").Seconds()
	require.True(t, ok)
	require.Equal(t, 42, seconds)
}

func TestFallbackDataset(t *testing.T) {
	ts := time.Now()
	snap := Fallback(ts)
	require.Equal(t, []string{East, West, North, South}, Directions(snap))

	expected := map[string]Color{East: ColorGreen, West: ColorRed, North: ColorYellow, South: ColorYellow}
	for dir, color := range expected {
		sig := snap[dir]
		require.Equal(t, color, sig.Signal, dir)
		require.Equal(t, StatusOn, sig.Status, dir)
		require.Equal(t, Duration("50"), sig.Duration, dir)
		require.NotEmpty(t, sig.Timestamp, dir)
	}
}

func TestDirectionsOrder(t *testing.T) {
	snap := Snapshot{"outh": {}, "south": {}, "South": {}, "east": {}, "north": {}}
	require.Equal(t, []string{"east", "north", "south", "South", "outh"}, Directions(snap))
}

func TestChartValue(t *testing.T) {
	require.Equal(t, 100, ChartValue(ColorRed))
	require.Equal(t, 50, ChartValue(ColorYellow))
	require.Equal(t, 0, ChartValue(ColorGreen))
	require.Equal(t, 0, ChartValue(Color("purple")))
}

func TestValidateDuration(t *testing.T) {
	value, err := ValidateDuration(" 60 ")
	require.NoError(t, err)
	require.Equal(t, 60, value)

	for _, input := range []string{"9", "121", "abc", ""} {
		_, err := ValidateDuration(input)
		if !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("input %q: expected ErrInvalidDuration, got %v", input, err)
		}
	}
}

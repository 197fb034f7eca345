package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/timzifer/signalboard/signals"
)

// Storage keeps preference values by key.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// ErrInvalidPreference wraps every validation failure.
var ErrInvalidPreference = errors.New("invalid preference")

// Storage keys.
const (
	KeyPollInterval   = "poll_interval"
	KeyChartType      = "chart_type"
	KeyLayout         = "layout"
	KeyNotifications  = "notifications"
	KeyDarkMode       = "dark_mode"
	KeySoundEnabled   = "sound_enabled"
	KeySignalDuration = "signal_duration"
)

// Poll interval bounds in seconds.
const (
	MinPollSeconds  = 5
	MaxPollSeconds  = 60
	PollStepSeconds = 5
)

var (
	chartTypes = []string{"composed", "line", "area", "bar"}
	layouts    = []string{"cards", "list", "compact"}
)

// Preferences are the user facing dashboard settings.
type Preferences struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	ChartType           string `json:"chart_type" yaml:"chart_type"`
	Layout              string `json:"layout" yaml:"layout"`
	Notifications       bool   `json:"notifications" yaml:"notifications"`
	DarkMode            bool   `json:"dark_mode" yaml:"dark_mode"`
	SoundEnabled        bool   `json:"sound_enabled" yaml:"sound_enabled"`
	SignalDuration      int    `json:"signal_duration" yaml:"signal_duration"`
}

// Defaults returns the settings used when nothing is stored.
func Defaults() Preferences {
	return Preferences{
		PollIntervalSeconds: 10,
		ChartType:           "composed",
		Layout:              "cards",
		Notifications:       true,
		DarkMode:            false,
		SoundEnabled:        true,
		SignalDuration:      signals.DefaultDuration,
	}
}

// PollInterval returns the poll interval as a duration.
func (p Preferences) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// Validate checks every field.
func (p Preferences) Validate() error {
	var errs []error
	if err := checkPollInterval(p.PollIntervalSeconds); err != nil {
		errs = append(errs, err)
	}
	if !oneOf(p.ChartType, chartTypes) {
		errs = append(errs, fmt.Errorf("%w: chart type %q, want one of %v", ErrInvalidPreference, p.ChartType, chartTypes))
	}
	if !oneOf(p.Layout, layouts) {
		errs = append(errs, fmt.Errorf("%w: layout %q, want one of %v", ErrInvalidPreference, p.Layout, layouts))
	}
	if err := signals.CheckDuration(p.SignalDuration); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidPreference, err))
	}
	return errors.Join(errs...)
}

func checkPollInterval(seconds int) error {
	if seconds < MinPollSeconds || seconds > MaxPollSeconds || seconds%PollStepSeconds != 0 {
		return fmt.Errorf("%w: poll interval %ds, want %d-%d in steps of %d", ErrInvalidPreference, seconds, MinPollSeconds, MaxPollSeconds, PollStepSeconds)
	}
	return nil
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Load reads preferences from storage. Missing or invalid values fall back to
// their defaults; only storage failures are returned.
func Load(ctx context.Context, store Storage) (Preferences, error) {
	p := Defaults()
	if store == nil {
		return p, nil
	}
	get := func(key string) (string, bool, error) {
		v, ok, err := store.Get(ctx, key)
		if err != nil {
			return "", false, fmt.Errorf("load preference %s: %w", key, err)
		}
		return v, ok, nil
	}

	if v, ok, err := get(KeyPollInterval); err != nil {
		return p, err
	} else if ok {
		if n, perr := strconv.Atoi(v); perr == nil && checkPollInterval(n) == nil {
			p.PollIntervalSeconds = n
		}
	}
	if v, ok, err := get(KeyChartType); err != nil {
		return p, err
	} else if ok && oneOf(v, chartTypes) {
		p.ChartType = v
	}
	if v, ok, err := get(KeyLayout); err != nil {
		return p, err
	} else if ok && oneOf(v, layouts) {
		p.Layout = v
	}
	for key, target := range map[string]*bool{
		KeyNotifications: &p.Notifications,
		KeyDarkMode:      &p.DarkMode,
		KeySoundEnabled:  &p.SoundEnabled,
	} {
		v, ok, err := get(key)
		if err != nil {
			return p, err
		}
		if !ok {
			continue
		}
		if b, perr := strconv.ParseBool(v); perr == nil {
			*target = b
		}
	}
	if v, ok, err := get(KeySignalDuration); err != nil {
		return p, err
	} else if ok {
		if n, verr := signals.ValidateDuration(v); verr == nil {
			p.SignalDuration = n
		}
	}
	return p, nil
}

// Save validates p and writes every field.
func Save(ctx context.Context, store Storage, p Preferences) error {
	if store == nil {
		return errors.New("preference storage is not configured")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	values := []struct{ key, value string }{
		{KeyPollInterval, strconv.Itoa(p.PollIntervalSeconds)},
		{KeyChartType, p.ChartType},
		{KeyLayout, p.Layout},
		{KeyNotifications, strconv.FormatBool(p.Notifications)},
		{KeyDarkMode, strconv.FormatBool(p.DarkMode)},
		{KeySoundEnabled, strconv.FormatBool(p.SoundEnabled)},
		{KeySignalDuration, strconv.Itoa(p.SignalDuration)},
	}
	for _, kv := range values {
		if err := store.Set(ctx, kv.key, kv.value); err != nil {
			return fmt.Errorf("save preference %s: %w", kv.key, err)
		}
	}
	return nil
}

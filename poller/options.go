package poller

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/telemetry"
)

// Option configures an Engine.
type Option func(*settings) error

type settings struct {
	interval  time.Duration
	timeout   time.Duration
	history   int
	logger    zerolog.Logger
	collector telemetry.Collector
	now       func() time.Time
	observers []func(Update)
}

func defaultSettings() settings {
	return settings{
		interval:  10 * time.Second,
		timeout:   5 * time.Second,
		history:   DefaultHistorySize,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		now:       time.Now,
	}
}

// WithInterval sets the initial poll interval.
func WithInterval(d time.Duration) Option {
	return func(cfg *settings) error {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidInterval, d)
		}
		cfg.interval = d
		return nil
	}
}

// WithTimeout bounds every fetch.
func WithTimeout(d time.Duration) Option {
	return func(cfg *settings) error {
		if d <= 0 {
			return fmt.Errorf("fetch timeout must be positive, got %s", d)
		}
		cfg.timeout = d
		return nil
	}
}

// WithHistorySize sets the history buffer capacity.
func WithHistorySize(n int) Option {
	return func(cfg *settings) error {
		if n <= 0 {
			return fmt.Errorf("history size must be positive, got %d", n)
		}
		cfg.history = n
		return nil
	}
}

// WithLogger provides a custom logger instance for the engine.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		cfg.logger = logger
		return nil
	}
}

// WithCollector reports scheduling metrics.
func WithCollector(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if collector != nil {
			cfg.collector = collector
		}
		return nil
	}
}

// WithClock overrides the time source used for history and error stamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *settings) error {
		if now != nil {
			cfg.now = now
		}
		return nil
	}
}

// WithObserver registers a callback for every applied update.
func WithObserver(fn func(Update)) Option {
	return func(cfg *settings) error {
		if fn != nil {
			cfg.observers = append(cfg.observers, fn)
		}
		return nil
	}
}

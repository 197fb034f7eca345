package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/changes"
	"github.com/timzifer/signalboard/signals"
	"github.com/timzifer/signalboard/telemetry"
)

// Update is what sinks receive after every applied fetch.
type Update struct {
	Sequence uint64           `json:"sequence"`
	At       time.Time        `json:"at"`
	Snapshot signals.Snapshot `json:"snapshot"`
	Events   []changes.Event  `json:"events,omitempty"`
}

// Sink forwards updates to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, update Update) error
	Close() error
}

// Dispatcher fans updates out to all sinks with a bounded number of
// concurrent publishes. Failures are logged and counted only.
type Dispatcher struct {
	sinks     []Sink
	workers   int
	timeout   time.Duration
	logger    zerolog.Logger
	collector telemetry.Collector
}

// NewDispatcher creates a dispatcher. workers below one publish sequentially.
func NewDispatcher(sinks []Sink, workers int, timeout time.Duration, logger zerolog.Logger, collector telemetry.Collector) *Dispatcher {
	if collector == nil {
		collector = telemetry.Noop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sinks: sinks, workers: workers, timeout: timeout, logger: logger, collector: collector}
}

// Len returns the number of sinks.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.sinks)
}

// Publish sends update to every sink and returns the number of failures.
func (d *Dispatcher) Publish(ctx context.Context, update Update) int {
	if d == nil || len(d.sinks) == 0 {
		return 0
	}
	failures, aborted := runWorkerPool(ctx, d.workers, d.sinks, func(ctx context.Context, sink Sink) int {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := sink.Publish(pctx, update); err != nil {
			d.collector.IncSinkFailure(sink.Name())
			d.logger.Warn().Err(err).Str("sink", sink.Name()).Uint64("sequence", update.Sequence).Msg("sink publish failed")
			return 1
		}
		return 0
	})
	if aborted {
		d.logger.Debug().Uint64("sequence", update.Sequence).Msg("sink dispatch aborted")
	}
	return failures
}

// Close closes every sink.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

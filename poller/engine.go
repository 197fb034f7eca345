package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/signals"
	"github.com/timzifer/signalboard/telemetry"
)

// ErrInvalidInterval is returned for non-positive poll intervals.
var ErrInvalidInterval = errors.New("poll interval must be positive")

// Fetcher produces the next snapshot.
type Fetcher interface {
	Fetch(ctx context.Context) (signals.Snapshot, error)
}

// Update is delivered to observers after a fetch result was applied.
type Update struct {
	Sequence uint64           `json:"sequence"`
	Trigger  Trigger          `json:"trigger"`
	Previous signals.Snapshot `json:"previous"`
	Current  signals.Snapshot `json:"current"`
	At       time.Time        `json:"at"`
}

// ErrorState describes the most recent failed fetch.
type ErrorState struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Counters track scheduling outcomes since the engine was created.
type Counters struct {
	Fetches  uint64 `json:"fetches"`
	Failures uint64 `json:"failures"`
	Skipped  uint64 `json:"skipped"`
	Stale    uint64 `json:"stale"`
	Evicted  uint64 `json:"evicted"`
}

// State is a point-in-time copy of the engine.
type State struct {
	Mode       Mode                   `json:"mode"`
	Interval   time.Duration          `json:"-"`
	IntervalMS int64                  `json:"interval_ms"`
	Loading    bool                   `json:"loading"`
	Current    signals.Snapshot       `json:"current"`
	Previous   signals.Snapshot       `json:"previous"`
	History    []signals.HistoryEntry `json:"history"`
	Error      *ErrorState            `json:"error,omitempty"`
	LastUpdate *time.Time             `json:"last_update,omitempty"`
	Counters   Counters               `json:"counters"`
}

// inflight occupies the single fetch slot until execute returns, including
// after Pause discarded it.
type inflight struct {
	seq       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	discarded bool
}

// queued is a fetch requested while a discarded one still held the slot.
type queued struct {
	trigger Trigger
	done    chan struct{}
}

// Engine polls a Fetcher on a timer. A single goroutine started with Run owns
// the schedule; at most one fetch is in flight and only a fetch that was not
// discarded may change state.
type Engine struct {
	fetcher   Fetcher
	ctrl      *controller
	history   *History
	timeout   time.Duration
	logger    zerolog.Logger
	collector telemetry.Collector
	now       func() time.Time

	mu         sync.Mutex
	base       context.Context
	seq        uint64
	pending    *inflight
	next       *queued
	current    signals.Snapshot
	previous   signals.Snapshot
	hasCurrent bool
	err        *ErrorState
	lastUpdate time.Time
	counters   Counters
	observers  []func(Update)
}

// New constructs an engine in idle mode.
func New(fetcher Fetcher, opts ...Option) (*Engine, error) {
	if fetcher == nil {
		return nil, errors.New("poller: fetcher is required")
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	history, err := NewHistory(cfg.history)
	if err != nil {
		return nil, err
	}
	return &Engine{
		fetcher:   fetcher,
		ctrl:      newController(cfg.interval),
		history:   history,
		timeout:   cfg.timeout,
		logger:    cfg.logger,
		collector: cfg.collector,
		now:       cfg.now,
		observers: cfg.observers,
	}, nil
}

// OnUpdate registers an observer. Observers run on the fetch goroutine in
// sequence order; the fetch holds the slot until they return, so observer
// runs never overlap.
func (e *Engine) OnUpdate(fn func(Update)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// Run drives the schedule until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.base = ctx
	e.mu.Unlock()
	defer e.invalidate()

	for {
		trigger, err := e.ctrl.Wait(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if _, started := e.begin(trigger); !started {
			e.mu.Lock()
			e.counters.Skipped++
			e.mu.Unlock()
			e.collector.IncSkippedTick()
			e.logger.Debug().Str("trigger", string(trigger)).Msg("fetch still in flight, skipping tick")
		}
	}
}

// Start enters polling mode and fetches immediately. It is a no-op while
// already polling.
func (e *Engine) Start() {
	if e.ctrl.Start() {
		e.logger.Info().Msg("polling started")
	}
}

// Pause stops the schedule and discards any in-flight fetch. The fetch keeps
// the slot until it returns. Current and previous snapshots stay available.
func (e *Engine) Pause() {
	if e.ctrl.Pause() {
		e.logger.Info().Msg("polling paused")
	}
	e.invalidate()
}

// Stop is an alias for Pause.
func (e *Engine) Stop() {
	e.Pause()
}

// SetInterval re-arms the schedule with d, measured from now. No extra fetch
// is triggered.
func (e *Engine) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, d)
	}
	e.ctrl.SetInterval(d)
	return nil
}

// Interval returns the current poll interval.
func (e *Engine) Interval() time.Duration {
	_, interval := e.ctrl.Status()
	return interval
}

// Mode returns the scheduling mode.
func (e *Engine) Mode() Mode {
	mode, _ := e.ctrl.Status()
	return mode
}

// Refresh performs one out-of-band fetch without touching the schedule and
// waits for it to finish or ctx to end. It reports false when the request was
// coalesced into a fetch that was already in flight.
func (e *Engine) Refresh(ctx context.Context) bool {
	done, started := e.begin(TriggerRefresh)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return started
}

// History returns the retained entries, oldest first.
func (e *Engine) History() []signals.HistoryEntry {
	return e.history.Entries()
}

// State returns a copy of the engine state.
func (e *Engine) State() State {
	mode, interval := e.ctrl.Status()
	e.mu.Lock()
	defer e.mu.Unlock()
	st := State{
		Mode:       mode,
		Interval:   interval,
		IntervalMS: interval.Milliseconds(),
		Loading:    (e.pending != nil && !e.pending.discarded) || e.next != nil,
		Current:    e.current.Clone(),
		Previous:   e.previous.Clone(),
		History:    e.history.Entries(),
		Counters:   e.counters,
	}
	st.Counters.Evicted = e.history.Dropped()
	if !e.lastUpdate.IsZero() {
		last := e.lastUpdate
		st.LastUpdate = &last
	}
	if e.err != nil {
		errCopy := *e.err
		st.Error = &errCopy
	}
	return st
}

// Wait blocks until no fetch holds the slot, including one that was queued
// behind a discarded fetch.
func (e *Engine) Wait() {
	for {
		e.mu.Lock()
		f := e.pending
		e.mu.Unlock()
		if f == nil {
			return
		}
		<-f.done
	}
}

// begin starts a fetch unless one is in flight. The returned channel closes
// when the fetch serving this request finishes. A request arriving while a
// discarded fetch still holds the slot is queued behind it.
func (e *Engine) begin(trigger Trigger) (<-chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f := e.pending; f != nil {
		if !f.discarded {
			return f.done, false
		}
		if e.next != nil {
			return e.next.done, false
		}
		e.next = &queued{trigger: trigger, done: make(chan struct{})}
		return e.next.done, true
	}
	done := make(chan struct{})
	e.launch(trigger, done)
	return done, true
}

// launch claims the slot. The caller holds e.mu.
func (e *Engine) launch(trigger Trigger, done chan struct{}) {
	parent := e.base
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	e.seq++
	f := &inflight{seq: e.seq, cancel: cancel, done: done}
	e.pending = f
	e.counters.Fetches++
	go e.execute(ctx, f, trigger)
}

// release frees the slot held by f and starts a queued fetch. The caller
// holds e.mu.
func (e *Engine) release(f *inflight) {
	close(f.done)
	e.pending = nil
	if next := e.next; next != nil {
		e.next = nil
		e.launch(next.trigger, next.done)
	}
}

func (e *Engine) execute(ctx context.Context, f *inflight, trigger Trigger) {
	snap, err := e.fetcher.Fetch(ctx)
	f.cancel()

	e.mu.Lock()
	if f.discarded {
		e.counters.Stale++
		e.release(f)
		e.mu.Unlock()
		e.collector.IncStaleResponse()
		e.logger.Debug().Uint64("sequence", f.seq).Msg("discarding stale fetch result")
		return
	}
	now := e.now()
	if err != nil {
		e.counters.Failures++
		e.err = &ErrorState{Message: err.Error(), At: now}
		e.release(f)
		e.mu.Unlock()
		e.logger.Warn().Err(err).Uint64("sequence", f.seq).Str("trigger", string(trigger)).Msg("signal fetch failed")
		return
	}

	if e.hasCurrent {
		e.previous = e.current
	}
	e.current = snap.Clone()
	e.hasCurrent = true
	e.history.Push(signals.HistoryEntry{Timestamp: now, Snapshot: snap.Clone()})
	e.err = nil
	e.lastUpdate = now
	update := Update{
		Sequence: f.seq,
		Trigger:  trigger,
		Previous: e.previous.Clone(),
		Current:  e.current.Clone(),
		At:       now,
	}
	observers := make([]func(Update), len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	e.collector.SetHistoryOccupancy(e.history.Len())
	for _, fn := range observers {
		fn(update)
	}

	e.mu.Lock()
	e.release(f)
	e.mu.Unlock()
}

// invalidate cancels the in-flight fetch so its result is discarded and
// drops any fetch queued behind it.
func (e *Engine) invalidate() {
	e.mu.Lock()
	f := e.pending
	if f != nil {
		f.discarded = true
	}
	if next := e.next; next != nil {
		e.next = nil
		close(next.done)
	}
	e.mu.Unlock()
	if f != nil {
		f.cancel()
	}
}

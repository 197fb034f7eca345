package poller

import (
	"context"
	"sync"
	"time"
)

// Mode is the scheduling state of the engine.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModePolling Mode = "polling"
	ModePaused  Mode = "paused"
)

// Trigger names what caused a fetch.
type Trigger string

const (
	TriggerStart   Trigger = "start"
	TriggerTick    Trigger = "tick"
	TriggerRefresh Trigger = "refresh"
)

// controller owns the mode and interval. Any change wakes the scheduler so
// the timer is re-armed from the moment of the change.
type controller struct {
	mu       sync.RWMutex
	mode     Mode
	interval time.Duration
	notify   chan struct{}
	kick     chan struct{}
}

func newController(interval time.Duration) *controller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &controller{
		mode:     ModeIdle,
		interval: interval,
		notify:   make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
	}
}

// Wait blocks until the next fetch is due.
func (c *controller) Wait(ctx context.Context) (Trigger, error) {
	for {
		c.mu.RLock()
		mode := c.mode
		interval := c.interval
		c.mu.RUnlock()

		if mode != ModePolling {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-c.notify:
				continue
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-c.kick:
			timer.Stop()
			return TriggerStart, nil
		case <-timer.C:
			return TriggerTick, nil
		case <-c.notify:
			timer.Stop()
			continue
		}
	}
}

// Start enters polling mode and requests an immediate fetch. It reports
// false when already polling.
func (c *controller) Start() bool {
	c.mu.Lock()
	if c.mode == ModePolling {
		c.mu.Unlock()
		return false
	}
	c.mode = ModePolling
	select {
	case c.kick <- struct{}{}:
	default:
	}
	c.mu.Unlock()
	c.signal()
	return true
}

// Pause leaves polling mode and drops any pending immediate fetch.
func (c *controller) Pause() bool {
	c.mu.Lock()
	if c.mode != ModePolling {
		c.mu.Unlock()
		return false
	}
	c.mode = ModePaused
	select {
	case <-c.kick:
	default:
	}
	c.mu.Unlock()
	c.signal()
	return true
}

func (c *controller) SetInterval(d time.Duration) {
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
	c.signal()
}

func (c *controller) Status() (Mode, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode, c.interval
}

func (c *controller) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

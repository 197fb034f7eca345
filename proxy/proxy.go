package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/remote"
	"github.com/timzifer/signalboard/signals"
	"github.com/timzifer/signalboard/telemetry"
)

// Fetcher retrieves a snapshot from the upstream feed.
type Fetcher interface {
	Fetch(ctx context.Context) (signals.Snapshot, error)
}

// Option customises a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for upstream failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCollector counts fallback responses.
func WithCollector(collector telemetry.Collector) Option {
	return func(h *Handler) {
		if collector != nil {
			h.collector = collector
		}
	}
}

// WithClock overrides the time source used for stamping.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// Handler serves the upstream feed with a shared timestamp and substitutes
// fallback data whenever the upstream cannot be used.
type Handler struct {
	fetcher   Fetcher
	logger    zerolog.Logger
	collector telemetry.Collector
	now       func() time.Time
}

// New creates a proxy around fetcher.
func New(fetcher Fetcher, opts ...Option) *Handler {
	h := &Handler{
		fetcher:   fetcher,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Resolve fetches and stamps the upstream snapshot. The second return value
// reports whether fallback data was substituted. It never fails.
func (h *Handler) Resolve(ctx context.Context) (signals.Snapshot, bool) {
	if h.fetcher == nil {
		h.collector.IncFallback("unconfigured")
		return signals.Fallback(h.now().UTC()), true
	}
	snap, err := h.fetcher.Fetch(ctx)
	now := h.now().UTC()
	if err != nil {
		reason := remote.Reason(err)
		h.logger.Warn().Err(err).Str("reason", reason).Msg("upstream signal feed unavailable, serving fallback data")
		h.collector.IncFallback(reason)
		return signals.Fallback(now), true
	}
	return snap.Stamp(now), false
}

// Fetch adapts Resolve to the fetcher contract used by the poller.
func (h *Handler) Fetch(ctx context.Context) (signals.Snapshot, error) {
	snap, _ := h.Resolve(ctx)
	return snap, nil
}

// ServeHTTP answers GET requests with the stamped snapshot. The status is
// always 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, fallback := h.Resolve(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if fallback {
		w.Header().Set("X-Signal-Source", "fallback")
	} else {
		w.Header().Set("X-Signal-Source", "upstream")
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.logger.Debug().Err(err).Msg("write proxy response")
	}
}

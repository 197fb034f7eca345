package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/timzifer/signalboard/poller"
	"github.com/timzifer/signalboard/prefs"
	"github.com/timzifer/signalboard/proxy"
	"github.com/timzifer/signalboard/sinks"
	"github.com/timzifer/signalboard/telemetry"
)

// Option customises the service construction.
type Option func(*options)

type options struct {
	upstream  proxy.Fetcher
	source    poller.Fetcher
	storage   prefs.Storage
	sinks     []sinks.Sink
	sinksSet  bool
	collector telemetry.Collector
	gatherer  prometheus.Gatherer
	listen    string
	now       func() time.Time
}

// WithUpstream replaces the HTTP client used by the proxy endpoint.
func WithUpstream(fetcher proxy.Fetcher) Option {
	return func(o *options) {
		o.upstream = fetcher
	}
}

// WithPollingSource replaces the fetcher polled by the engine.
func WithPollingSource(fetcher poller.Fetcher) Option {
	return func(o *options) {
		o.source = fetcher
	}
}

// WithPreferenceStorage replaces the configured preference backend. The
// service does not close injected storage.
func WithPreferenceStorage(store prefs.Storage) Option {
	return func(o *options) {
		o.storage = store
	}
}

// WithSinks replaces the configured sinks.
func WithSinks(list ...sinks.Sink) Option {
	return func(o *options) {
		o.sinks = list
		o.sinksSet = true
	}
}

// WithCollector sets the telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.collector = collector
		}
	}
}

// WithGatherer exposes the gatherer on /metrics.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(o *options) {
		o.gatherer = gatherer
	}
}

// WithListen overrides the configured listen address.
func WithListen(addr string) Option {
	return func(o *options) {
		o.listen = addr
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

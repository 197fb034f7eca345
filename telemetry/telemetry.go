package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the polling loop and request handlers.
type Collector interface {
	IncHotReload(file string)
	ObserveFetch(source, outcome string, elapsed time.Duration)
	IncFallback(reason string)
	IncSkippedTick()
	IncStaleResponse()
	SetHistoryOccupancy(entries int)
	IncChangeEvents(kind string, count int)
	IncSinkFailure(sink string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                         {}
func (noopCollector) ObserveFetch(string, string, time.Duration) {}
func (noopCollector) IncFallback(string)                          {}
func (noopCollector) IncSkippedTick()                             {}
func (noopCollector) IncStaleResponse()                           {}
func (noopCollector) SetHistoryOccupancy(int)                     {}
func (noopCollector) IncChangeEvents(string, int)                 {}
func (noopCollector) IncSinkFailure(string)                       {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads       *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	fallbacks        *prometheus.CounterVec
	skippedTicks     prometheus.Counter
	staleResponses   prometheus.Counter
	historyOccupancy prometheus.Gauge
	changeEvents     *prometheus.CounterVec
	sinkFailures     *prometheus.CounterVec
}

var (
	registryLock sync.Mutex
	registered   = make(map[prometheus.Registerer]map[string]prometheus.Collector)
)

// register adds c to reg. Collectors registered earlier on the same registerer
// are reused so repeated construction across hot reloads stays idempotent.
func register[T prometheus.Collector](reg prometheus.Registerer, name string, c T) (T, error) {
	known := registered[reg]
	if known == nil {
		known = make(map[string]prometheus.Collector)
		registered[reg] = known
	}
	if existing, ok := known[name]; ok {
		if typed, ok := existing.(T); ok {
			return typed, nil
		}
	}
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				known[name] = existing
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	known[name] = c
	return c, nil
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registryLock.Lock()
	defer registryLock.Unlock()

	var (
		p   PrometheusCollector
		err error
	)
	if p.hotReloads, err = register(reg, "hot_reload", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalboard_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	if p.fetchDuration, err = register(reg, "fetch_duration", prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalboard_fetch_duration_seconds",
		Help:    "Latency of signal feed fetches by source and outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "outcome"})); err != nil {
		return nil, err
	}
	if p.fallbacks, err = register(reg, "fallbacks", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalboard_proxy_fallback_total",
		Help: "Number of proxy responses served from fallback data by failure reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if p.skippedTicks, err = register(reg, "skipped_ticks", prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalboard_poll_skipped_ticks_total",
		Help: "Number of poll ticks skipped because a fetch was still in flight.",
	})); err != nil {
		return nil, err
	}
	if p.staleResponses, err = register(reg, "stale_responses", prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalboard_poll_stale_responses_total",
		Help: "Number of fetch results discarded because a newer generation was active.",
	})); err != nil {
		return nil, err
	}
	if p.historyOccupancy, err = register(reg, "history_occupancy", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signalboard_history_entries",
		Help: "Number of snapshots retained in the history buffer.",
	})); err != nil {
		return nil, err
	}
	if p.changeEvents, err = register(reg, "change_events", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalboard_change_events_total",
		Help: "Number of change events detected by kind.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if p.sinkFailures, err = register(reg, "sink_failures", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalboard_sink_failures_total",
		Help: "Number of failed publishes per sink.",
	}, []string{"sink"})); err != nil {
		return nil, err
	}
	return &p, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveFetch records the latency of a fetch attempt.
func (p *PrometheusCollector) ObserveFetch(source, outcome string, elapsed time.Duration) {
	if p == nil || p.fetchDuration == nil {
		return
	}
	p.fetchDuration.WithLabelValues(source, outcome).Observe(elapsed.Seconds())
}

// IncFallback counts a proxy response served from fallback data.
func (p *PrometheusCollector) IncFallback(reason string) {
	if p == nil || p.fallbacks == nil {
		return
	}
	p.fallbacks.WithLabelValues(reason).Inc()
}

// IncSkippedTick counts a tick dropped while a fetch was in flight.
func (p *PrometheusCollector) IncSkippedTick() {
	if p == nil || p.skippedTicks == nil {
		return
	}
	p.skippedTicks.Inc()
}

// IncStaleResponse counts a discarded fetch result.
func (p *PrometheusCollector) IncStaleResponse() {
	if p == nil || p.staleResponses == nil {
		return
	}
	p.staleResponses.Inc()
}

// SetHistoryOccupancy updates the history gauge.
func (p *PrometheusCollector) SetHistoryOccupancy(entries int) {
	if p == nil || p.historyOccupancy == nil {
		return
	}
	p.historyOccupancy.Set(float64(entries))
}

// IncChangeEvents adds detected change events of a kind.
func (p *PrometheusCollector) IncChangeEvents(kind string, count int) {
	if p == nil || p.changeEvents == nil || count <= 0 {
		return
	}
	p.changeEvents.WithLabelValues(kind).Add(float64(count))
}

// IncSinkFailure counts a failed sink publish.
func (p *PrometheusCollector) IncSinkFailure(sink string) {
	if p == nil || p.sinkFailures == nil {
		return
	}
	p.sinkFailures.WithLabelValues(sink).Inc()
}

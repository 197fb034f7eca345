package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/changes"
	"github.com/timzifer/signalboard/config"
	"github.com/timzifer/signalboard/internal/logging"
	"github.com/timzifer/signalboard/poller"
	"github.com/timzifer/signalboard/prefs"
	"github.com/timzifer/signalboard/proxy"
	"github.com/timzifer/signalboard/remote"
	"github.com/timzifer/signalboard/rules"
	"github.com/timzifer/signalboard/signals"
	"github.com/timzifer/signalboard/sinks"
	"github.com/timzifer/signalboard/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Service wires the proxy endpoint, the polling engine and everything that
// reacts to its updates behind one HTTP router.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector
	gatherer  prometheus.Gatherer
	now       func() time.Time
	listen    string

	upstream   *remote.Client
	proxy      *proxy.Handler
	engine     *poller.Engine
	detector   changes.Detector
	feed       *changes.Feed
	rules      *rules.Engine
	dispatcher *sinks.Dispatcher

	storage      prefs.Storage
	closeStorage func()

	mu    sync.Mutex
	prefs prefs.Preferences

	publishing sync.WaitGroup
	router     http.Handler
	closeOnce  sync.Once
}

// New builds a service from cfg. Nothing runs until Run is called.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	o := options{collector: telemetry.Noop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	svc := &Service{
		cfg:          cfg,
		logger:       logger,
		collector:    o.collector,
		gatherer:     o.gatherer,
		now:          o.now,
		listen:       o.listen,
		closeStorage: func() {},
	}
	if svc.listen == "" {
		svc.listen = cfg.ListenAddress()
	}

	upstream := o.upstream
	if upstream == nil {
		client, err := remote.NewClient("upstream", cfg.UpstreamEndpoint(),
			remote.WithLogger(logging.Component(logger, "upstream")),
			remote.WithCollector(o.collector))
		if err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		svc.upstream = client
		upstream = client
	}
	svc.proxy = proxy.New(upstream,
		proxy.WithLogger(logging.Component(logger, "proxy")),
		proxy.WithCollector(o.collector),
		proxy.WithClock(o.now))

	source, err := pollingSource(cfg, o, svc.proxy, logger)
	if err != nil {
		return nil, err
	}

	ruleEngine, err := rules.FromConfig(cfg.Notifications, logging.Component(logger, "rules"))
	if err != nil {
		return nil, err
	}
	svc.rules = ruleEngine
	svc.feed = changes.NewFeed(cfg.NotificationDisplay(), cfg.NotificationCapacity())
	svc.detector = changes.Detector{TrackMembership: cfg.Notifications.TrackMembership, Now: o.now}

	ctx := context.Background()
	cleanupOnErr := func(err error) (*Service, error) {
		svc.Close()
		return nil, err
	}

	svc.storage = o.storage
	if svc.storage == nil {
		store, closeStore, err := prefs.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		svc.storage = store
		svc.closeStorage = closeStore
	}
	interval, err := svc.loadPreferences(ctx)
	if err != nil {
		return cleanupOnErr(err)
	}

	sinkList := o.sinks
	if !o.sinksSet {
		sinkList, err = sinks.FromConfig(ctx, cfg.Sinks, logging.Component(logger, "sinks"))
		if err != nil {
			return cleanupOnErr(err)
		}
	}
	svc.dispatcher = sinks.NewDispatcher(sinkList, cfg.SinkWorkers(), cfg.SinkTimeout(), logger, o.collector)

	engine, err := poller.New(source,
		poller.WithInterval(interval),
		poller.WithTimeout(cfg.PollingTimeout()),
		poller.WithHistorySize(cfg.HistorySize()),
		poller.WithLogger(logging.Component(logger, "poller")),
		poller.WithCollector(o.collector),
		poller.WithClock(o.now),
		poller.WithObserver(svc.handleUpdate),
	)
	if err != nil {
		return cleanupOnErr(err)
	}
	svc.engine = engine
	svc.router = svc.routes()
	return svc, nil
}

func pollingSource(cfg *config.Config, o options, local *proxy.Handler, logger zerolog.Logger) (poller.Fetcher, error) {
	if o.source != nil {
		return o.source, nil
	}
	switch source := cfg.PollingSource(); source {
	case "local":
		return local, nil
	case "http":
		client, err := remote.NewClient("polling", cfg.PollingEndpoint(),
			remote.WithLogger(logging.Component(logger, "polling")),
			remote.WithCollector(o.collector))
		if err != nil {
			return nil, fmt.Errorf("polling endpoint: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported polling source %q", source)
	}
}

// loadPreferences reads stored preferences and returns the poll interval the
// engine starts with. A stored interval wins over the configured one.
func (s *Service) loadPreferences(ctx context.Context) (time.Duration, error) {
	p, err := prefs.Load(ctx, s.storage)
	if err != nil {
		return 0, fmt.Errorf("load preferences: %w", err)
	}
	interval := s.cfg.PollingInterval()
	_, stored, err := s.storage.Get(ctx, prefs.KeyPollInterval)
	if err != nil {
		return 0, fmt.Errorf("load preferences: %w", err)
	}
	if stored {
		interval = p.PollInterval()
	} else {
		candidate := p
		candidate.PollIntervalSeconds = int(interval / time.Second)
		if candidate.Validate() == nil {
			p = candidate
		}
	}
	s.feed.SetEnabled(p.Notifications)
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	return interval, nil
}

// Validate checks that a service can be built from cfg without connecting to
// any external system.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := remote.NewClient("upstream", cfg.UpstreamEndpoint()); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}
	if _, err := pollingSource(cfg, options{collector: telemetry.Noop()}, proxy.New(nil), logger); err != nil {
		return err
	}
	if _, err := rules.FromConfig(cfg.Notifications, logger); err != nil {
		return err
	}
	return nil
}

// Handler returns the HTTP router.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Engine exposes the polling engine.
func (s *Service) Engine() *poller.Engine {
	return s.engine
}

// Run serves HTTP and drives the polling engine until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("http server started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	engineErr := make(chan error, 1)
	go func() {
		engineErr <- s.engine.Run(runCtx)
	}()
	if s.cfg.AutoStart() {
		s.engine.Start()
	}

	var (
		result     error
		serverDone bool
		engineDone bool
	)
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		serverDone = true
		result = err
	case err := <-engineErr:
		engineDone = true
		result = err
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http server shutdown")
	}
	if !serverDone {
		if err := <-serveErr; err != nil && result == nil {
			result = err
		}
	}
	if !engineDone {
		if err := <-engineErr; err != nil && result == nil {
			result = err
		}
	}
	s.logger.Info().Msg("service stopped")
	return result
}

// Close stops polling, waits for the fetch holding the engine slot and the
// sink publishes it started, then releases storage and sinks.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.engine != nil {
			s.engine.Stop()
			s.engine.Wait()
		}
		s.publishing.Wait()
		if s.dispatcher != nil {
			if err := s.dispatcher.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("close sinks")
			}
		}
		s.closeStorage()
	})
}

// handleUpdate runs on the fetch goroutine for every applied snapshot.
func (s *Service) handleUpdate(update poller.Update) {
	events := s.detector.Diff(update.Previous, update.Current)
	if len(events) > 0 {
		byKind := make(map[changes.Kind]int)
		for _, event := range events {
			byKind[event.Kind]++
		}
		for kind, count := range byKind {
			s.collector.IncChangeEvents(string(kind), count)
		}
		notes := make([]changes.Notification, 0, len(events))
		for _, event := range events {
			notes = append(notes, changes.Describe(event))
		}
		s.feed.Push(notes...)
	}
	if alerts := s.rules.Evaluate(update.Current, update.At); len(alerts) > 0 {
		s.feed.Push(alerts...)
	}
	s.logger.Debug().
		Uint64("sequence", update.Sequence).
		Str("trigger", string(update.Trigger)).
		Int("directions", len(update.Current)).
		Int("events", len(events)).
		Msg("signals updated")

	if s.dispatcher.Len() == 0 {
		return
	}
	out := sinks.Update{
		Sequence: update.Sequence,
		At:       update.At,
		Snapshot: update.Current.Clone(),
		Events:   events,
	}
	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		s.dispatcher.Publish(context.Background(), out)
	}()
}

// Preferences returns the active preferences.
func (s *Service) Preferences() prefs.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// UpdatePreferences validates and stores p, then applies the notification
// toggle and, when it changed, the poll interval.
func (s *Service) UpdatePreferences(ctx context.Context, p prefs.Preferences) error {
	if err := prefs.Save(ctx, s.storage, p); err != nil {
		return err
	}
	if interval := p.PollInterval(); interval != s.engine.Interval() {
		if err := s.engine.SetInterval(interval); err != nil {
			return err
		}
	}
	s.feed.SetEnabled(p.Notifications)
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	s.logger.Info().Int("poll_interval_seconds", p.PollIntervalSeconds).Bool("notifications", p.Notifications).Msg("preferences updated")
	return nil
}

// rememberInterval stores an interval set through the control endpoint so the
// preferences keep reporting what the engine runs with. Intervals outside the
// preference range stay transient.
func (s *Service) rememberInterval(ctx context.Context, d time.Duration) error {
	p := s.Preferences()
	if d%time.Second != 0 {
		s.logger.Debug().Dur("interval", d).Msg("interval not stored as preference")
		return nil
	}
	p.PollIntervalSeconds = int(d / time.Second)
	if err := p.Validate(); err != nil {
		s.logger.Debug().Err(err).Msg("interval not stored as preference")
		return nil
	}
	if err := prefs.Save(ctx, s.storage, p); err != nil {
		return err
	}
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	return nil
}

// UpdateDuration validates operator input for the signal duration, stores it
// and announces the change.
func (s *Service) UpdateDuration(ctx context.Context, input string) (int, error) {
	seconds, err := signals.ValidateDuration(input)
	if err != nil {
		return 0, err
	}
	p := s.Preferences()
	p.SignalDuration = seconds
	if err := prefs.Save(ctx, s.storage, p); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	s.feed.Push(changes.NewNotification("duration", changes.SeveritySuccess,
		fmt.Sprintf("All signal durations updated to %d seconds", seconds), s.now()))
	return seconds, nil
}

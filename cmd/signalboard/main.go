package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/signalboard/config"
	"github.com/timzifer/signalboard/internal/logging"
	"github.com/timzifer/signalboard/internal/reload"
	"github.com/timzifer/signalboard/rules"
	"github.com/timzifer/signalboard/service"
	"github.com/timzifer/signalboard/telemetry"
)

func main() {
	cfgPath := flag.String("config", "signalboard.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Probe the running service and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	listen := flag.String("listen", "", "Override the configured listen address")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	if *healthcheck {
		if err := executeHealthCheck(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, gatherer, err := newTelemetry(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
	}

	if cfg.HotReload {
		if err := runWithHotReload(ctx, *cfgPath, *listen, cfg, collector, gatherer); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("service stopped")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	srv, err := service.New(cfg, logger, service.WithCollector(collector), service.WithGatherer(gatherer))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

// executeHealthCheck validates the configuration and probes /healthz of the
// instance listening on the configured address.
func executeHealthCheck(cfg *config.Config) error {
	if err := service.Validate(cfg, zerolog.Nop()); err != nil {
		return err
	}
	host, port, err := net.SplitHostPort(cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %s", resp.Status)
	}
	return nil
}

func executeConfigCheck(cfg *config.Config) int {
	if err := service.Validate(cfg, zerolog.Nop()); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	upstream := cfg.UpstreamEndpoint()
	fmt.Printf("Configuration %s\n", cfg.Path())
	fmt.Printf("  Listen: %s\n", cfg.ListenAddress())
	fmt.Printf("  Upstream: %s (timeout %s, retries %d)\n", upstream.URL, upstream.Timeout.Duration, upstream.RetryCount())
	if upstream.Breaker != nil && upstream.Breaker.Failures > 0 {
		fmt.Printf("  Breaker: opens after %d failures for %s\n", upstream.Breaker.Failures, upstream.Breaker.Open.Duration)
	}
	source := cfg.PollingSource()
	if source == "http" {
		source = fmt.Sprintf("http %s", cfg.PollingEndpoint().URL)
	}
	fmt.Printf("  Polling: %s every %s, history %d, auto start %t\n", source, cfg.PollingInterval(), cfg.HistorySize(), cfg.AutoStart())
	fmt.Printf("  Preferences: %s\n", cfg.PreferencesBackend())

	engine, err := rules.FromConfig(cfg.Notifications, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	fmt.Printf("  Rules: %d\n", engine.Len())
	for _, rule := range cfg.Notifications.Rules {
		fmt.Printf("    - %s: %s\n", rule.ID, strings.TrimSpace(rule.When))
	}
	var enabled []string
	if cfg.Sinks.MQTT.Enabled {
		enabled = append(enabled, "mqtt "+cfg.Sinks.MQTT.Broker)
	}
	if cfg.Sinks.Influx.Enabled {
		enabled = append(enabled, "influx "+cfg.Sinks.Influx.URL)
	}
	if len(enabled) == 0 {
		enabled = append(enabled, "<none>")
	}
	fmt.Printf("  Sinks: %s\n", strings.Join(enabled, ", "))
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func runWithHotReload(ctx context.Context, cfgPath, listen string, initialCfg *config.Config, collector telemetry.Collector, gatherer prometheus.Gatherer) error {
	watcher, err := reload.NewWatcher(initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger

		srv, err := service.New(cfg, logger, service.WithCollector(collector), service.WithGatherer(gatherer))
		if err != nil {
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		var changed []string
	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				srv.Close()
				cleanup()
				if err != nil {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				cleanup()
				return err
			case <-ticker.C:
				files, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(files) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					_ = watcher.Update(cfg)
					continue
				}
				if listen != "" {
					newCfg.Listen = listen
				}
				if err := service.Validate(newCfg, logger); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					_ = watcher.Update(cfg)
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				srv.Close()
				cleanup()
				if err := watcher.Update(newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				changed = files
				cfg = newCfg
				break loop
			}
		}

		for _, file := range changed {
			collector.IncHotReload(file)
		}
	}
}

func newTelemetry(cfg config.TelemetryConfig) (telemetry.Collector, prometheus.Gatherer, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil, nil
	}
	switch provider := strings.ToLower(strings.TrimSpace(cfg.Provider)); provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
		if err != nil {
			return telemetry.Noop(), nil, err
		}
		return collector, prometheus.DefaultGatherer, nil
	default:
		return telemetry.Noop(), nil, fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

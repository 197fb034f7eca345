package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/config"
)

const serviceName = "signalboard"

// Setup builds the process logger from the logging section of the config.
// The returned cleanup flushes the Loki client when one is enabled.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return setup(cfg, os.Stdout)
}

func setup(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	var console io.Writer = out
	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "text", "console":
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	writers := []io.Writer{console}
	cleanup := func() {}
	if cfg.Loki.Enabled {
		shipper, err := newLokiWriter(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, shipper)
		cleanup = shipper.stop
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	return logger, cleanup, nil
}

// Component derives a child logger tagged with the subsystem name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func parseLevel(raw string) (zerolog.Level, error) {
	if strings.TrimSpace(raw) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

// lokiWriter ships each entry to Loki. Entries written through WriteLevel
// carry their level as an extra stream label.
type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
	now    func() time.Time
}

func newLokiWriter(cfg config.LokiConfig) (*lokiWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	clientCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return &lokiWriter{client: client, labels: lokiLabels(cfg.Labels), now: time.Now}, nil
}

func lokiLabels(in map[string]string) model.LabelSet {
	labels := model.LabelSet{"app": model.LabelValue(serviceName)}
	for k, v := range in {
		name := model.LabelName(k)
		if !name.IsValid() || v == "" {
			continue
		}
		labels[name] = model.LabelValue(v)
	}
	return labels
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	return l.push(l.labels, p)
}

func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level == zerolog.NoLevel {
		return l.push(l.labels, p)
	}
	labels := l.labels.Clone()
	labels["level"] = model.LabelValue(level.String())
	return l.push(labels, p)
}

func (l *lokiWriter) push(labels model.LabelSet, p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	return len(p), l.client.Handle(labels, l.now(), entry)
}

func (l *lokiWriter) stop() {
	l.client.Stop()
}

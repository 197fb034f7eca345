package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"
)

// DefaultUpstreamURL is the public IoT feed proxied by the service.
const DefaultUpstreamURL = "https://prayalabs.com/rest/api/iot"

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Or returns the wrapped duration or fallback when unset.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d.Duration <= 0 {
		return fallback
	}
	return d.Duration
}

// BreakerConfig configures the circuit breaker guarding an endpoint.
// Failures of zero disables the breaker.
type BreakerConfig struct {
	Failures int      `yaml:"failures"`
	Open     Duration `yaml:"open,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
}

// EndpointConfig describes how to reach an HTTP signal feed.
type EndpointConfig struct {
	URL          string         `yaml:"url"`
	Timeout      Duration       `yaml:"timeout,omitempty"`
	Retries      *int           `yaml:"retries,omitempty"`
	RetryInitial Duration       `yaml:"retry_initial,omitempty"`
	Breaker      *BreakerConfig `yaml:"breaker,omitempty"`
}

// RetryCount returns the number of additional attempts.
func (e EndpointConfig) RetryCount() int {
	if e.Retries == nil || *e.Retries < 0 {
		return 0
	}
	return *e.Retries
}

func (e EndpointConfig) withDefaults(def EndpointConfig) EndpointConfig {
	if strings.TrimSpace(e.URL) == "" {
		e.URL = def.URL
	}
	if e.Timeout.Duration <= 0 {
		e.Timeout = def.Timeout
	}
	if e.Retries == nil {
		retries := def.RetryCount()
		e.Retries = &retries
	}
	if e.RetryInitial.Duration <= 0 {
		e.RetryInitial = def.RetryInitial
	}
	if e.Breaker == nil {
		b := BreakerConfig{}
		if def.Breaker != nil {
			b = *def.Breaker
		}
		e.Breaker = &b
	} else {
		b := *e.Breaker
		if def.Breaker != nil {
			if b.Open.Duration <= 0 {
				b.Open = def.Breaker.Open
			}
			if b.Interval.Duration <= 0 {
				b.Interval = def.Breaker.Interval
			}
		}
		e.Breaker = &b
	}
	return e
}

// PollingConfig configures the polling engine.
type PollingConfig struct {
	// Source is "local" to poll the in-process proxy or "http" to poll Endpoint.
	Source    string         `yaml:"source,omitempty"`
	Endpoint  EndpointConfig `yaml:"endpoint,omitempty"`
	Interval  Duration       `yaml:"interval,omitempty"`
	Timeout   Duration       `yaml:"timeout,omitempty"`
	History   int            `yaml:"history,omitempty"`
	AutoStart *bool          `yaml:"auto_start,omitempty"`
}

// RuleConfig declares an alert rule evaluated per direction.
type RuleConfig struct {
	ID       string `yaml:"id"`
	When     string `yaml:"when"`
	Severity string `yaml:"severity,omitempty"`
	Message  string `yaml:"message,omitempty"`
}

// RuleEnvironment returns the variables available to rule expressions with
// zero values of their types.
func RuleEnvironment() map[string]interface{} {
	return map[string]interface{}{
		"direction":    "",
		"signal":       "",
		"status":       "",
		"duration":     0,
		"has_duration": false,
		"known":        false,
		"active":       false,
	}
}

// NotificationsConfig configures change notifications.
type NotificationsConfig struct {
	Display             Duration     `yaml:"display,omitempty"`
	Capacity            int          `yaml:"capacity,omitempty"`
	TrackMembership     bool         `yaml:"track_membership,omitempty"`
	DisableDefaultRules bool         `yaml:"disable_default_rules,omitempty"`
	Rules               []RuleConfig `yaml:"rules,omitempty"`
}

// PreferencesConfig selects the preference storage backend.
type PreferencesConfig struct {
	Backend string `yaml:"backend,omitempty"`
	Path    string `yaml:"path,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
	Table   string `yaml:"table,omitempty"`
}

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Broker         string   `yaml:"broker"`
	ClientID       string   `yaml:"client_id,omitempty"`
	Username       string   `yaml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	Topic          string   `yaml:"topic,omitempty"`
	QoS            int      `yaml:"qos,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
	ConnectRetries int      `yaml:"connect_retries,omitempty"`
}

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// SinksConfig groups the optional update sinks.
type SinksConfig struct {
	Workers int          `yaml:"workers,omitempty"`
	Timeout Duration     `yaml:"timeout,omitempty"`
	MQTT    MQTTConfig   `yaml:"mqtt"`
	Influx  InfluxConfig `yaml:"influx"`
}

// TelemetryConfig toggles metrics collection.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Listen        string              `yaml:"listen,omitempty"`
	HotReload     bool                `yaml:"hot_reload,omitempty"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Upstream      EndpointConfig      `yaml:"upstream"`
	Polling       PollingConfig       `yaml:"polling"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Preferences   PreferencesConfig   `yaml:"preferences"`
	Sinks         SinksConfig         `yaml:"sinks"`

	path string
}

// Load reads, validates and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	cfg.path = abs
	return cfg, nil
}

// Parse validates and decodes raw YAML configuration.
func Parse(raw []byte) (*Config, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the absolute file the configuration was loaded from.
func (c *Config) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Polling.Source == "http" && strings.TrimSpace(c.Polling.Endpoint.URL) == "" {
		errs = append(errs, errors.New("polling.endpoint.url is required for http source"))
	}
	if c.Preferences.Backend == "file" && strings.TrimSpace(c.Preferences.Path) == "" {
		errs = append(errs, errors.New("preferences.path is required for file backend"))
	}
	if c.Preferences.Backend == "postgres" && strings.TrimSpace(c.Preferences.DSN) == "" {
		errs = append(errs, errors.New("preferences.dsn is required for postgres backend"))
	}
	if c.Sinks.MQTT.Enabled && strings.TrimSpace(c.Sinks.MQTT.Broker) == "" {
		errs = append(errs, errors.New("sinks.mqtt.broker is required"))
	}
	if c.Sinks.Influx.Enabled {
		inf := c.Sinks.Influx
		if inf.URL == "" || inf.Token == "" || inf.Org == "" || inf.Bucket == "" {
			errs = append(errs, errors.New("sinks.influx requires url, token, org and bucket"))
		}
	}
	seen := make(map[string]struct{}, len(c.Notifications.Rules))
	for i, rule := range c.Notifications.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("notifications.rules[%d]: id must not be empty", i))
			continue
		}
		if _, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("notifications.rules[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(rule.When) == "" {
			errs = append(errs, fmt.Errorf("rule %s: when must not be empty", id))
			continue
		}
		if _, err := expr.Compile(rule.When, expr.Env(RuleEnvironment()), expr.AsBool()); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: compile: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ListenAddress returns the HTTP listen address.
func (c *Config) ListenAddress() string {
	if c == nil || strings.TrimSpace(c.Listen) == "" {
		return ":8080"
	}
	return c.Listen
}

// UpstreamEndpoint returns the upstream feed settings with defaults applied.
func (c *Config) UpstreamEndpoint() EndpointConfig {
	retries := 2
	def := EndpointConfig{
		URL:          DefaultUpstreamURL,
		Timeout:      Duration{5 * time.Second},
		Retries:      &retries,
		RetryInitial: Duration{200 * time.Millisecond},
		Breaker: &BreakerConfig{
			Failures: 5,
			Open:     Duration{30 * time.Second},
			Interval: Duration{time.Minute},
		},
	}
	if c == nil {
		return EndpointConfig{}.withDefaults(def)
	}
	return c.Upstream.withDefaults(def)
}

// PollingSource returns "local" or "http".
func (c *Config) PollingSource() string {
	if c == nil || c.Polling.Source == "" {
		return "local"
	}
	return c.Polling.Source
}

// PollingEndpoint returns the remote proxy settings used by the http source.
// Retries default to zero because a failed poll is retried by the next tick.
func (c *Config) PollingEndpoint() EndpointConfig {
	retries := 0
	def := EndpointConfig{
		Timeout:      Duration{c.PollingTimeout()},
		Retries:      &retries,
		RetryInitial: Duration{200 * time.Millisecond},
		Breaker: &BreakerConfig{
			Open:     Duration{30 * time.Second},
			Interval: Duration{time.Minute},
		},
	}
	if c == nil {
		return EndpointConfig{}.withDefaults(def)
	}
	return c.Polling.Endpoint.withDefaults(def)
}

// PollingInterval returns the initial poll interval.
func (c *Config) PollingInterval() time.Duration {
	if c == nil {
		return 10 * time.Second
	}
	return c.Polling.Interval.Or(10 * time.Second)
}

// PollingTimeout returns the per fetch timeout of the engine.
func (c *Config) PollingTimeout() time.Duration {
	if c == nil {
		return 5 * time.Second
	}
	return c.Polling.Timeout.Or(5 * time.Second)
}

// HistorySize returns the history buffer capacity.
func (c *Config) HistorySize() int {
	if c == nil || c.Polling.History <= 0 {
		return 20
	}
	return c.Polling.History
}

// AutoStart reports whether polling starts with the service.
func (c *Config) AutoStart() bool {
	if c == nil || c.Polling.AutoStart == nil {
		return true
	}
	return *c.Polling.AutoStart
}

// NotificationDisplay returns how long notifications stay visible.
func (c *Config) NotificationDisplay() time.Duration {
	if c == nil {
		return 5 * time.Second
	}
	return c.Notifications.Display.Or(5 * time.Second)
}

// NotificationCapacity bounds the notification feed.
func (c *Config) NotificationCapacity() int {
	if c == nil || c.Notifications.Capacity <= 0 {
		return 50
	}
	return c.Notifications.Capacity
}

// PreferencesBackend returns the configured storage backend.
func (c *Config) PreferencesBackend() string {
	if c == nil || c.Preferences.Backend == "" {
		return "memory"
	}
	return c.Preferences.Backend
}

// PreferencesTable returns the PostgreSQL table used for preferences.
func (c *Config) PreferencesTable() string {
	if c == nil || strings.TrimSpace(c.Preferences.Table) == "" {
		return "signalboard_preferences"
	}
	return c.Preferences.Table
}

// SinkWorkers returns the number of concurrent sink publishers.
func (c *Config) SinkWorkers() int {
	if c == nil || c.Sinks.Workers <= 0 {
		return 2
	}
	return c.Sinks.Workers
}

// SinkTimeout bounds a single publish.
func (c *Config) SinkTimeout() time.Duration {
	if c == nil {
		return 5 * time.Second
	}
	return c.Sinks.Timeout.Or(5 * time.Second)
}

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/timzifer/signalboard/config"
	"github.com/timzifer/signalboard/signals"
	"github.com/timzifer/signalboard/telemetry"
)

const maxBodyBytes = 1 << 20

// ErrMalformed is returned when the feed answers with a body that is not a
// direction map.
var ErrMalformed = errors.New("malformed signal payload")

// StatusError reports a non-2xx answer from the feed.
type StatusError struct {
	Source string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Source, e.Code)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCollector reports fetch latencies to collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(c *Client) {
		if collector != nil {
			c.collector = collector
		}
	}
}

// Client fetches signal snapshots from an HTTP endpoint. It is safe for
// concurrent use.
type Client struct {
	name         string
	url          string
	timeout      time.Duration
	retries      int
	retryInitial time.Duration

	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    zerolog.Logger
	collector telemetry.Collector
}

// NewClient builds a client for the endpoint. name labels logs, metrics and
// the circuit breaker.
func NewClient(name string, cfg config.EndpointConfig, opts ...Option) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("%s: endpoint url is required", name)
	}
	c := &Client{
		name:         name,
		url:          url,
		timeout:      cfg.Timeout.Or(5 * time.Second),
		retries:      cfg.RetryCount(),
		retryInitial: cfg.RetryInitial.Or(200 * time.Millisecond),
		http:         &http.Client{},
		logger:       zerolog.Nop(),
		collector:    telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if cfg.Breaker != nil && cfg.Breaker.Failures > 0 {
		c.breaker = newBreaker(name, *cfg.Breaker, c.logger)
	}
	return c, nil
}

func newBreaker(name string, cfg config.BreakerConfig, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	failures := uint32(cfg.Failures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.Interval.Duration,
		Timeout:  cfg.Open.Or(30 * time.Second),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// Name returns the client label.
func (c *Client) Name() string {
	return c.name
}

// BreakerState returns the circuit breaker state or "disabled".
func (c *Client) BreakerState() string {
	if c == nil || c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Fetch performs one logical GET, including retries, and decodes the
// direction map.
func (c *Client) Fetch(ctx context.Context) (signals.Snapshot, error) {
	if c.breaker == nil {
		return c.fetchWithRetry(ctx)
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchWithRetry(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return res.(signals.Snapshot), nil
}

func (c *Client) fetchWithRetry(ctx context.Context) (signals.Snapshot, error) {
	var snap signals.Snapshot
	operation := func() error {
		result, err := c.fetchOnce(ctx)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		snap = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitial
	policy.MaxInterval = 10 * c.retryInitial
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Str("source", c.name).Dur("wait", wait).Msg("retrying signal fetch")
	}
	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Client) fetchOnce(ctx context.Context) (snap signals.Snapshot, err error) {
	start := time.Now()
	defer func() {
		c.collector.ObserveFetch(c.name, Reason(err), time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: build request: %w", c.name, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Source: c.name, Code: resp.StatusCode}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", c.name, ErrMalformed, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%s: %w: empty body", c.name, ErrMalformed)
	}
	return snap, nil
}

func permanent(err error) bool {
	if errors.Is(err, ErrMalformed) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return !status.Temporary()
	}
	return false
}

// Reason classifies a fetch error into a short label for logs and metrics.
func Reason(err error) string {
	var status *StatusError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.As(err, &status):
		return "status"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}

package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/config"
)

// publisher is the subset of mqtt.Client used by the sink.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes snapshots and change events to a broker.
type MQTTSink struct {
	client publisher
	topic  string
	qos    byte
	wait   time.Duration
	logger zerolog.Logger
}

// NewMQTTSink connects to the broker described by cfg. Connecting is retried
// with exponential backoff.
func NewMQTTSink(ctx context.Context, cfg config.MQTTConfig, logger zerolog.Logger) (*MQTTSink, error) {
	client, err := buildClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ConnectTimeout.Or(5 * time.Second)
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 3
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	err = backoff.RetryNotify(func() error {
		token := client.Connect()
		if !token.WaitTimeout(timeout) {
			return fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
		}
		return token.Error()
	}, policy, func(err error, wait time.Duration) {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Dur("wait", wait).Msg("mqtt connect failed, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return newMQTTSink(client, cfg, logger), nil
}

func newMQTTSink(client publisher, cfg config.MQTTConfig, logger zerolog.Logger) *MQTTSink {
	topic := strings.TrimSuffix(strings.TrimSpace(cfg.Topic), "/")
	if topic == "" {
		topic = "signalboard"
	}
	return &MQTTSink{
		client: client,
		topic:  topic,
		qos:    byte(cfg.QoS),
		wait:   cfg.ConnectTimeout.Or(5 * time.Second),
		logger: logger,
	}
}

func buildClient(cfg config.MQTTConfig, logger zerolog.Logger) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker address is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "signalboard"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(cfg.ConnectTimeout.Or(5 * time.Second))
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	})
	return mqtt.NewClient(opts), nil
}

// Name identifies the sink in logs and metrics.
func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Publish sends the snapshot (retained) and one message per change event.
func (s *MQTTSink) Publish(ctx context.Context, update Update) error {
	payload, err := json.Marshal(update.Snapshot)
	if err != nil {
		return fmt.Errorf("mqtt: encode snapshot: %w", err)
	}
	if err := s.send(ctx, s.topic+"/snapshot", true, payload); err != nil {
		return err
	}
	for _, event := range update.Events {
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("mqtt: encode event: %w", err)
		}
		if err := s.send(ctx, s.topic+"/events/"+event.Direction, false, body); err != nil {
			return err
		}
	}
	return nil
}

func (s *MQTTSink) send(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := s.client.Publish(topic, s.qos, retained, payload)
	wait := s.wait
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

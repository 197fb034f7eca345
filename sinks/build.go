package sinks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/signalboard/config"
)

// FromConfig creates the enabled sinks. Sinks created before a failure are
// closed again.
func FromConfig(ctx context.Context, cfg config.SinksConfig, logger zerolog.Logger) ([]Sink, error) {
	var out []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range out {
			_ = s.Close()
		}
		return nil, err
	}
	if cfg.MQTT.Enabled {
		sink, err := NewMQTTSink(ctx, cfg.MQTT, logger.With().Str("sink", "mqtt").Logger())
		if err != nil {
			return fail(err)
		}
		out = append(out, sink)
	}
	if cfg.Influx.Enabled {
		sink, err := NewInfluxSink(cfg.Influx)
		if err != nil {
			return fail(fmt.Errorf("influx sink: %w", err))
		}
		out = append(out, sink)
	}
	return out, nil
}

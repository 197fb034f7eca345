package sinks

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/timzifer/signalboard/config"
	"github.com/timzifer/signalboard/signals"
)

// pointWriter is the subset of api.WriteAPIBlocking used by the sink.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes signal states and change events to InfluxDB.
type InfluxSink struct {
	writer pointWriter
	close  func()
}

// NewInfluxSink creates a blocking writer for the configured bucket.
func NewInfluxSink(cfg config.InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, errors.New("influx: url and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		close:  client.Close,
	}, nil
}

// Name identifies the sink in logs and metrics.
func (s *InfluxSink) Name() string {
	return "influx"
}

// Publish writes one signal_state point per direction and one signal_change
// point per event.
func (s *InfluxSink) Publish(ctx context.Context, update Update) error {
	points := make([]*write.Point, 0, len(update.Snapshot)+len(update.Events))
	for _, direction := range signals.Directions(update.Snapshot) {
		sig := update.Snapshot[direction]
		seconds, _ := sig.Duration.Seconds()
		points = append(points, influxdb2.NewPoint("signal_state",
			map[string]string{
				"direction": direction,
				"signal":    string(sig.Signal),
				"status":    string(sig.Status),
			},
			map[string]interface{}{
				"duration": seconds,
				"level":    signals.ChartValue(sig.Signal),
				"on":       sig.Active(),
			},
			update.At,
		))
	}
	for _, event := range update.Events {
		points = append(points, influxdb2.NewPoint("signal_change",
			map[string]string{
				"direction": event.Direction,
				"kind":      string(event.Kind),
			},
			map[string]interface{}{
				"old": event.Old,
				"new": event.New,
			},
			event.Timestamp,
		))
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx: write %d points: %w", len(points), err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

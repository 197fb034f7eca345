package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/signalboard/config"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := setup(config.LoggingConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	require.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	logger.Info().Msg("hidden")
	logger.Warn().Str("direction", "east").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "visible", entry["message"])
	require.Equal(t, "east", entry["direction"])
	require.Equal(t, "signalboard", entry["service"])
}

func TestSetupText(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := setup(config.LoggingConfig{Format: "text"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("console")
	require.Contains(t, buf.String(), "console")
	require.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	if _, _, err := Setup(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLokiRequiresURL(t *testing.T) {
	_, _, err := Setup(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}})
	require.ErrorContains(t, err, "loki url")
}

func TestLokiLabels(t *testing.T) {
	require.Equal(t, model.LabelSet{"app": "signalboard"}, lokiLabels(nil))
	require.Equal(t,
		model.LabelSet{"app": "edge", "env": "test"},
		lokiLabels(map[string]string{"app": "edge", "env": "test", "bad-name": "x", "empty": ""}),
	)
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	_, _, err := setup(config.LoggingConfig{Format: "xml"}, io.Discard)
	require.ErrorContains(t, err, "unknown log format")
}

func TestComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := setup(config.LoggingConfig{}, &buf)
	require.NoError(t, err)
	defer cleanup()

	pollerLog := Component(logger, "poller")
	pollerLog.Info().Msg("tick")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "poller", entry["component"])
	require.Equal(t, "signalboard", entry["service"])
}

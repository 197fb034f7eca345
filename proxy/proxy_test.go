package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/signalboard/config"
	"github.com/timzifer/signalboard/remote"
	"github.com/timzifer/signalboard/signals"
	"github.com/timzifer/signalboard/telemetry"
)

type fetcherFunc func(ctx context.Context) (signals.Snapshot, error)

func (f fetcherFunc) Fetch(ctx context.Context) (signals.Snapshot, error) { return f(ctx) }

var fixedNow = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func decode(t *testing.T, body io.Reader) map[string]map[string]string {
	t.Helper()
	var out map[string]map[string]string
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestProxyStampsUpstreamSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"east":{"signal":"red","duration":"30","status":"on"}}`))
	}))
	defer upstream.Close()

	client, err := remote.NewClient("upstream", config.EndpointConfig{URL: upstream.URL})
	require.NoError(t, err)
	h := New(client, WithClock(clock), WithLogger(zerolog.New(io.Discard)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/iot", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "upstream", rec.Header().Get("X-Signal-Source"))
	body := decode(t, rec.Body)
	require.Equal(t, "red", body["east"]["signal"])
	require.Equal(t, "30", body["east"]["duration"])
	require.Equal(t, "on", body["east"]["status"])
	require.NotEmpty(t, body["east"]["timestamp"])
}

func TestProxySharesTimestampAcrossDirections(t *testing.T) {
	h := New(fetcherFunc(func(context.Context) (signals.Snapshot, error) {
		return signals.Snapshot{
			"east": {Signal: signals.ColorRed, Duration: "30", Status: signals.StatusOn},
			"West": {Signal: signals.ColorGreen, Duration: "20", Status: signals.StatusOff},
		}, nil
	}), WithClock(clock))

	snap, fallback := h.Resolve(context.Background())
	require.False(t, fallback)
	require.Equal(t, "2024-05-01T12:30:00.000Z", snap["east"].Timestamp)
	require.Equal(t, snap["east"].Timestamp, snap["West"].Timestamp)
}

func TestProxyFallsBackOnFailure(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			upstream := httptest.NewServer(handler)
			defer upstream.Close()

			reg := prometheus.NewRegistry()
			collector, err := telemetry.NewPrometheusCollector(reg)
			require.NoError(t, err)

			client, err := remote.NewClient("upstream", config.EndpointConfig{URL: upstream.URL})
			require.NoError(t, err)
			h := New(client, WithClock(clock), WithCollector(collector))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/iot", nil))

			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "fallback", rec.Header().Get("X-Signal-Source"))
			body := decode(t, rec.Body)
			require.Len(t, body, 4)
			expected := map[string]string{"east": "green", "west": "red", "north": "yellow", "south": "yellow"}
			for direction, color := range expected {
				require.Equal(t, color, body[direction]["signal"], direction)
				require.Equal(t, "on", body[direction]["status"], direction)
				require.Equal(t, "50", body[direction]["duration"], direction)
				require.Equal(t, "2024-05-01T12:30:00.000Z", body[direction]["timestamp"], direction)
			}
			require.Equal(t, 1.0, fallbackCount(t, reg, name))
		})
	}
}

func TestProxyFallsBackOnTransportError(t *testing.T) {
	h := New(fetcherFunc(func(context.Context) (signals.Snapshot, error) {
		return nil, errors.New("dial tcp: connection refused")
	}), WithClock(clock))

	snap, fallback := h.Resolve(context.Background())
	require.True(t, fallback)
	require.True(t, snap.Equal(signals.Fallback(fixedNow)))

	fetched, err := h.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, fetched, 4)
}

func TestProxyWithoutFetcherServesFallback(t *testing.T) {
	snap, fallback := New(nil).Resolve(context.Background())
	require.True(t, fallback)
	require.Len(t, snap, 4)
}

func TestProxyRejectsOtherMethods(t *testing.T) {
	h := New(fetcherFunc(func(context.Context) (signals.Snapshot, error) {
		t.Fatalf("fetcher must not be called")
		return nil, nil
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/iot", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func fallbackCount(t *testing.T, reg *prometheus.Registry, reason string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "signalboard_proxy_fallback_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" && label.GetValue() == reason {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

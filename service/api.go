package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"github.com/timzifer/signalboard/changes"
	"github.com/timzifer/signalboard/insights"
	"github.com/timzifer/signalboard/poller"
	"github.com/timzifer/signalboard/prefs"
	"github.com/timzifer/signalboard/signals"
)

// ErrUnknownAction is returned for control actions the engine does not know.
var ErrUnknownAction = errors.New("unknown action")

var errIntervalRequired = errors.New("interval_ms required")

const (
	maxRequestBody = 64 << 10
	maxIntervalMS  = int64(24 * time.Hour / time.Millisecond)
)

type controlRequest struct {
	Action     string `json:"action"`
	IntervalMS *int64 `json:"interval_ms,omitempty"`
}

type controlResponse struct {
	Mode       poller.Mode `json:"mode"`
	IntervalMS int64       `json:"interval_ms"`
	Loading    bool        `json:"loading"`
	Coalesced  bool        `json:"coalesced,omitempty"`
}

type stateResponse struct {
	poller.State
	Overview      insights.Overview      `json:"overview"`
	Notifications []changes.Notification `json:"notifications"`
	Breaker       string                 `json:"breaker,omitempty"`
}

type durationRequest struct {
	Duration json.Number `json:"duration"`
}

type durationResponse struct {
	Duration int `json:"duration"`
}

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api", func(r chi.Router) {
		r.Handle("/iot", s.proxy)
		r.Get("/state", s.handleState)
		r.Post("/control", s.handleControl)
		r.Get("/history", s.handleHistory)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/insights", s.handleInsights)
		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handlePutPreferences)
		r.Post("/duration", s.handleDuration)
	})
	return r
}

// Control applies a dashboard control action to the engine. The bool reports
// whether a refresh was coalesced into a fetch already in flight.
func (s *Service) Control(ctx context.Context, action string, interval time.Duration) (bool, error) {
	switch action {
	case "start":
		s.engine.Start()
	case "stop":
		s.engine.Stop()
	case "pause":
		s.engine.Pause()
	case "refresh":
		return !s.engine.Refresh(ctx), nil
	case "interval":
		if interval == 0 {
			return false, errIntervalRequired
		}
		if err := s.engine.SetInterval(interval); err != nil {
			return false, err
		}
		return false, s.rememberInterval(ctx, interval)
	default:
		return false, fmt.Errorf("%w %q", ErrUnknownAction, action)
	}
	return false, nil
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status": "ok",
		"mode":   string(s.engine.Mode()),
	}
	if s.upstream != nil {
		resp["breaker"] = s.upstream.BreakerState()
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	resp := stateResponse{
		State:         state,
		Overview:      insights.Summarize(state.Current),
		Notifications: s.feed.Active(s.now()),
	}
	if s.upstream != nil {
		resp.Breaker = s.upstream.BreakerState()
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	var interval time.Duration
	if req.IntervalMS != nil {
		if *req.IntervalMS > maxIntervalMS {
			http.Error(w, "interval_ms out of range", http.StatusBadRequest)
			return
		}
		interval = time.Duration(*req.IntervalMS) * time.Millisecond
		if interval <= 0 {
			http.Error(w, poller.ErrInvalidInterval.Error(), http.StatusBadRequest)
			return
		}
	}
	coalesced, err := s.Control(r.Context(), req.Action, interval)
	switch {
	case errors.Is(err, ErrUnknownAction):
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	case errors.Is(err, errIntervalRequired), errors.Is(err, poller.ErrInvalidInterval):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("action", req.Action).Msg("control action failed")
		http.Error(w, "control failed", http.StatusInternalServerError)
		return
	}
	state := s.engine.State()
	s.writeJSON(w, r, http.StatusOK, controlResponse{
		Mode:       state.Mode,
		IntervalMS: state.IntervalMS,
		Loading:    state.Loading,
		Coalesced:  coalesced,
	})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.engine.History()
	if history == nil {
		history = []signals.HistoryEntry{}
	}
	s.writeJSON(w, r, http.StatusOK, history)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	active := s.feed.Active(s.now())
	if active == nil {
		active = []changes.Notification{}
	}
	s.writeJSON(w, r, http.StatusOK, active)
}

func (s *Service) handleInsights(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	s.writeJSON(w, r, http.StatusOK, insights.Build(state.Current, state.History))
}

func (s *Service) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.Preferences())
}

func (s *Service) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	p := s.Preferences()
	if err := decodeBody(w, r, &p); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.UpdatePreferences(r.Context(), p); err != nil {
		if errors.Is(err, prefs.ErrInvalidPreference) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("store preferences")
		http.Error(w, "store preferences failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, r, http.StatusOK, p)
}

func (s *Service) handleDuration(w http.ResponseWriter, r *http.Request) {
	var req durationRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, signals.ErrInvalidDuration.Error(), http.StatusBadRequest)
		return
	}
	seconds, err := s.UpdateDuration(r.Context(), req.Duration.String())
	if err != nil {
		if errors.Is(err, signals.ErrInvalidDuration) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("store signal duration")
		http.Error(w, "store duration failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, r, http.StatusOK, durationResponse{Duration: seconds})
}

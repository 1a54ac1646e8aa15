package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/playback"
	"github.com/mikeyg42/streamplayer/internal/quality"
)

const (
	callTimeout   = 2 * time.Second
	healthTimeout = 3 * time.Second
	maxBodyBytes  = 1 << 16
)

// PlaybackStatus is the body of GET /api/playback/state.
type PlaybackStatus struct {
	PlaybackState   model.PlaybackState `json:"playbackState"`
	StreamState     model.StreamState   `json:"streamState"`
	StreamKey       string              `json:"streamKey"`
	Source          *model.SourceItem   `json:"source,omitempty"`
	BufferStability model.Stability     `json:"bufferStability"`
	Queue           []playback.TaskKind `json:"queue"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type subscribeRequest struct {
	StreamKey string `json:"streamKey"`
	AutoStart *bool  `json:"autoStart,omitempty"`
}

type selectRequest struct {
	ID int `json:"id"`
}

type modeRequest struct {
	Mode   string `json:"mode"`
	Reload *bool  `json:"reload,omitempty"`
}

// ReadStatus snapshots p. It must run on the scheduler that owns p.
func ReadStatus(p Playback) PlaybackStatus {
	st := PlaybackStatus{
		PlaybackState:   p.PlaybackState(),
		StreamState:     p.StreamState(),
		BufferStability: p.BufferStability(),
		Queue:           []playback.TaskKind{},
	}
	if sub, ok := p.LastSubscribe(); ok {
		st.StreamKey = sub.StreamKey
	}
	if src, ok := p.CurrentSource(); ok {
		st.Source = &src
	}
	for _, t := range p.QueueSnapshot() {
		st.Queue = append(st.Queue, t.Kind())
	}
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			s.log.Warn("health check failed", logging.String("check", name), logging.Error(err))
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePlaybackState(w http.ResponseWriter, r *http.Request) {
	status, err := call(r.Context(), s.deps.Sched, func() PlaybackStatus { return ReadStatus(s.deps.Playback) })
	if err != nil {
		s.loopUnavailable(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlaybackCommand(w http.ResponseWriter, r *http.Request) {
	var cmd func(p Playback)
	switch chi.URLParam(r, "command") {
	case "play":
		cmd = func(p Playback) { p.CreatePlayTask(nil) }
	case "pause":
		cmd = func(p Playback) { p.CreatePauseTask() }
	case "toggle":
		cmd = func(p Playback) { p.TogglePlay() }
	default:
		writeError(w, http.StatusNotFound, "unknown playback command")
		return
	}
	if _, err := call(r.Context(), s.deps.Sched, func() struct{} {
		cmd(s.deps.Playback)
		return struct{}{}
	}); err != nil {
		s.loopUnavailable(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey is required")
		return
	}
	autoStart := req.AutoStart == nil || *req.AutoStart
	if _, err := call(r.Context(), s.deps.Sched, func() struct{} {
		s.deps.Playback.CreateSubscribeTask(req.StreamKey, autoStart)
		return struct{}{}
	}); err != nil {
		s.loopUnavailable(w, err)
		return
	}
	s.log.Info("subscribe requested", logging.String("streamKey", req.StreamKey))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if _, err := call(r.Context(), s.deps.Sched, func() struct{} {
		s.deps.Playback.CreateUnsubscribeTask()
		return struct{}{}
	}); err != nil {
		s.loopUnavailable(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleQualityMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := call(r.Context(), s.deps.Sched, func() quality.Metrics { return s.deps.Quality.Metrics() })
	if err != nil {
		s.loopUnavailable(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleQualityItems(w http.ResponseWriter, r *http.Request) {
	items, err := call(r.Context(), s.deps.Sched, func() []model.QualityItem { return s.deps.Quality.QualityItems() })
	if err != nil {
		s.loopUnavailable(w, err)
		return
	}
	if items == nil {
		items = []model.QualityItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleQualitySelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	ok, err := call(r.Context(), s.deps.Sched, func() bool { return s.deps.Quality.PlayQualityItem(req.ID) })
	if err != nil {
		s.loopUnavailable(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no quality item with that id")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleQualityMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := model.ParseQualityMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reload := req.Reload == nil || *req.Reload
	if _, err := call(r.Context(), s.deps.Sched, func() struct{} {
		s.deps.Quality.SetMode(mode, reload)
		return struct{}{}
	}); err != nil {
		s.loopUnavailable(w, err)
		return
	}
	s.log.Info("quality mode changed", logging.String("mode", string(mode)))
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) loopUnavailable(w http.ResponseWriter, err error) {
	if errors.Is(err, loop.ErrStopped) {
		writeError(w, http.StatusServiceUnavailable, "player is shutting down")
		return
	}
	s.log.Warn("player did not answer", logging.Error(err))
	writeError(w, http.StatusServiceUnavailable, "player busy")
}

func call[T any](ctx context.Context, sched loop.Scheduler, fn func() T) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return loop.Call(ctx, sched, fn)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

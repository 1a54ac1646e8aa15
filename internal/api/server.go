// Package api provides the HTTP control API of the player
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/loop"
	"github.com/mikeyg42/streamplayer/internal/metrics"
	"github.com/mikeyg42/streamplayer/internal/model"
	"github.com/mikeyg42/streamplayer/internal/playback"
	"github.com/mikeyg42/streamplayer/internal/quality"
)

// Playback is the part of the playback controller the API drives.
type Playback interface {
	PlaybackState() model.PlaybackState
	StreamState() model.StreamState
	BufferStability() model.Stability
	CurrentSource() (model.SourceItem, bool)
	LastSubscribe() (playback.Subscribe, bool)
	QueueSnapshot() []playback.Task
	TogglePlay()
	CreatePauseTask()
	CreatePlayTask(source *model.SourceItem)
	CreateSubscribeTask(streamKey string, autoStart bool)
	CreateUnsubscribeTask()
}

// Quality is the part of the quality controller the API drives.
type Quality interface {
	Metrics() quality.Metrics
	QualityItems() []model.QualityItem
	PlayQualityItem(id int) bool
	SetMode(mode model.QualityControlMode, reload bool)
}

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

type Config struct {
	ListenAddr string
	RateLimit  float64
	Burst      int
}

// Deps are the components behind the routes. Every Playback and Quality call
// is made on Sched.
type Deps struct {
	Sched    loop.Scheduler
	Playback Playback
	Quality  Quality
	// Metrics enables /metrics when set. Refresh runs before each scrape.
	Metrics *metrics.Metrics
	Refresh func()
	Checks  map[string]HealthCheck
}

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	router     chi.Router
	deps       Deps
	log        logging.Logger
}

func NewServer(cfg Config, deps Deps, log logging.Logger) *Server {
	s := &Server{
		deps: deps,
		log:  logging.OrGlobal(log).Named("api"),
	}
	s.router = s.routes(cfg)
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) routes(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.RequestMiddleware)
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler(s.deps.Refresh))
	}

	limiter := NewRateLimiter(cfg.RateLimit, cfg.Burst)
	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Use(limiter.Middleware)

		r.Get("/health", s.handleHealth)
		r.Get("/playback/state", s.handlePlaybackState)
		r.Post("/playback/{command}", s.handlePlaybackCommand)
		r.Post("/stream/subscribe", s.handleSubscribe)
		r.Post("/stream/unsubscribe", s.handleUnsubscribe)
		r.Get("/quality/metrics", s.handleQualityMetrics)
		r.Get("/quality/items", s.handleQualityItems)
		r.Post("/quality/select", s.handleQualitySelect)
		r.Post("/quality/mode", s.handleQualityMode)
	})
	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.log.Info("API server listening", logging.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsMiddleware allows the local development frontends.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:8080": true,
		"http://localhost:3000": true,
		"http://127.0.0.1:8080": true,
		"http://127.0.0.1:3000": true,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

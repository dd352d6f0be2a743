// File: internal/server/server.go

// Package server exposes the two job services over HTTP: browser jobs,
// media renders, plus artifact retrieval and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/stagehand/api/schemas"
	"github.com/xkilldash9x/stagehand/internal/actions"
	"github.com/xkilldash9x/stagehand/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies before decoding.
const maxBodyBytes = 2 << 20

// JobRunner executes validated browser jobs.
type JobRunner interface {
	Run(ctx context.Context, req *schemas.RunRequest) *schemas.RunResult
}

// RenderWorker executes media render jobs.
type RenderWorker interface {
	Render(ctx context.Context, req *schemas.RenderRequest) *schemas.RenderResult
}

// Server wires routing, auth, rate limiting and the two workers.
type Server struct {
	cfg        config.ServerConfig
	log        *zap.Logger
	runner     JobRunner
	render     RenderWorker
	valOpts    actions.Options
	outputRoot string
	artPrefix  string
	limiter    *rate.Limiter

	httpServer *http.Server
}

// New assembles the server. valOpts carries the validator bounds derived
// from the runner configuration.
func New(cfg config.ServerConfig, rcfg config.RunnerConfig, runner JobRunner, render RenderWorker, valOpts actions.Options, logger *zap.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		log:        logger.Named("server"),
		runner:     runner,
		render:     render,
		valOpts:    valOpts,
		outputRoot: rcfg.OutputDir,
		artPrefix:  rcfg.ArtifactsRoutePrefix,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the HTTP surface. Exported so tests drive it directly.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.authenticate)
		r.Post("/jobs", s.handleJobs)
		r.Post("/render", s.handleRender)
	})

	r.Get(s.artPrefix+"/{jobID}/{filename}", s.handleArtifact)
	r.Get("/healthz", s.handleHealth)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening.", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// errorBody is the wire shape of every HTTP-level failure.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"error"`
	Details    any    `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response.", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, details any) {
	s.writeJSON(w, status, errorBody{StatusCode: status, Message: message, Details: details})
}

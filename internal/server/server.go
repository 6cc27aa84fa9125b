// Package server exposes the daemon surfaces: an HTTP trigger API for
// starting, inspecting, and cancelling runs, cron registration for
// scheduled automations, and hot-reload of the script directory.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chromeflow/chromeflow/internal/checkpoint"
	"github.com/chromeflow/chromeflow/internal/config"
	"github.com/chromeflow/chromeflow/internal/engine"
	"github.com/chromeflow/chromeflow/internal/logger"
	"github.com/chromeflow/chromeflow/internal/script"
)

// Server is the chromeflow daemon.
type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	store      *checkpoint.Store
	scripts    *script.Store
	scheduler  *Scheduler

	// baseCtx parents every triggered run so daemon shutdown pauses
	// in-flight runs at their next step boundary.
	baseCtx context.Context
}

// New constructs the daemon. baseCtx parents every triggered run and
// stops the script watcher on shutdown.
func New(baseCtx context.Context, cfg *config.Config, eng *engine.Engine, store *checkpoint.Store, scripts *script.Store) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		engine:    eng,
		store:     store,
		scripts:   scripts,
		scheduler: NewScheduler(eng, scripts, baseCtx),
		baseCtx:   baseCtx,
	}
	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(router *chi.Mux) {
	router.Route("/api", func(r chi.Router) {
		r.Get("/automations", s.handleListAutomations)
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/cancel", s.handleCancelRun)
	})
}

// Start begins serving, schedules cron automations, and watches the
// script directory. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.scheduler.Start()
	if err := s.scheduler.Sync(); err != nil {
		logger.WithField("error", err).Error("initial schedule sync failed")
	}
	go s.watchScripts()

	logger.WithField("addr", s.httpServer.Addr).Info("daemon listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP listener and the cron scheduler.
func (s *Server) Shutdown(ctx context.Context) error {
	s.scheduler.Stop()
	return s.httpServer.Shutdown(ctx)
}

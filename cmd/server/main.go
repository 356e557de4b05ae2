package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelab/engine/internal/advisory"
	"github.com/codelab/engine/internal/config"
	"github.com/codelab/engine/internal/debug"
	"github.com/codelab/engine/internal/grading"
	"github.com/codelab/engine/internal/handler"
	"github.com/codelab/engine/internal/language"
	"github.com/codelab/engine/internal/middleware"
	"github.com/codelab/engine/internal/runner"
	"github.com/codelab/engine/internal/session"
	"github.com/codelab/engine/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Optional .env for local development; real deployments use ENGINE_* vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logrus.New()
	logger.SetLevel(cfg.GetLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(cfg.GetLogLevel())

	logger.Info("Starting execution engine")

	registry, err := language.Load(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load language registry")
	}

	run := runner.New(cfg)
	hub := stream.NewHub(cfg.StreamBacklog)

	sessions, err := session.NewManager(cfg, run, registry, hub)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create session manager")
	}
	debugger := debug.NewManager(cfg, debug.NewRunnerStarter(run), registry)
	// The grader executes through the session manager so grade-mode
	// sub-runs share the bounded run/grade pool.
	grader := grading.NewEngine(sessions, registry)
	advisor := advisory.NewClient(cfg)

	h := handler.NewHandler(sessions, debugger, grader, registry, hub, advisor, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.BodyLimit(cfg.RequestBodyLimit))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.JSON)
			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.Timeout(60 * time.Second))
				r.Post("/execute", h.Execute)
				r.Post("/validate", h.Validate)
				r.Post("/format", h.Format)
			})
			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.Timeout(30 * time.Second))
				r.Post("/debug/session", h.StartDebugSession)
				r.Post("/debug/step", h.DebugStep)
				r.Post("/debug/breakpoint", h.DebugBreakpoint)
			})
		})

		r.Get("/debug/session", h.GetDebugSession)
		r.Get("/executions", h.ListExecutions)
		r.Get("/executions/{id}", h.GetExecution)
		r.Delete("/executions/{id}", h.CancelExecution)
		// WebSocket route (no JSON middleware)
		r.Get("/executions/{id}/stream", h.StreamExecution)
		r.Get("/languages", h.GetLanguages)
	})

	r.Get("/", h.GetVersion)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("API server starting on %s", cfg.BindAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	debugger.Close()
	sessions.Close()

	logger.Info("Server exited")
}

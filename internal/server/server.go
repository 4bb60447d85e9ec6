// Package server implements the read-only HTTP dashboard for kansoku.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/export"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/monitor"
	"github.com/ashita-ai/kansoku/internal/perf"
)

// Source is the monitoring state the dashboard reads from.
type Source interface {
	SystemStatus() model.SystemStatus
	ModelStatus(name string) (model.ModelStatus, bool)
	MonitoringData() export.MonitoringData
	ActiveOperations() []perf.ActiveOperation
	RealTime() monitor.RealTime
	Runs() []model.RunRecord
}

// Server is the kansoku dashboard server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Gatherer.
type ServerConfig struct {
	// Required dependencies.
	Source Source
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr   *auth.JWTManager
	Gatherer prometheus.Gatherer

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		source:    cfg.Source,
		logger:    cfg.Logger,
		version:   cfg.Version,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/status", h.HandleStatus)
	mux.HandleFunc("GET /v1/models", h.HandleListModels)
	mux.HandleFunc("GET /v1/models/{model}", h.HandleGetModel)
	mux.HandleFunc("GET /v1/records", h.HandleRecords)
	mux.HandleFunc("GET /v1/performance", h.HandlePerformance)
	mux.HandleFunc("GET /v1/alerts", h.HandleAlerts)
	mux.HandleFunc("GET /v1/realtime", h.HandleRealTime)
	mux.HandleFunc("GET /v1/runs", h.HandleRuns)
	mux.HandleFunc("GET /v1/export/monitoring", h.HandleExportMonitoring)
	mux.HandleFunc("GET /v1/export/experiments", h.HandleExportExperiments)

	// Health and metrics (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPInstruments(), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests. Returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

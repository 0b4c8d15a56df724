// Package api serves the admin HTTP surface: health, circuit administration,
// alerts, exception groups, correlations and analytics rollups.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pulsestack/pulse-apm/internal/agent"
	"github.com/pulsestack/pulse-apm/internal/config"
)

// Server wraps the admin HTTP listener and its lifecycle.
type Server struct {
	logger *slog.Logger
	cfg    config.ServerConfig
	http   *http.Server
}

// NewServer builds the router and binds it to the configured admin address.
func NewServer(logger *slog.Logger, cfg config.ServerConfig, a *agent.Agent) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{logger: logger, agent: a}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	r.HandleFunc("/circuits", h.listCircuits).Methods(http.MethodGet)
	r.HandleFunc("/circuits/{name}/reset", h.circuitAction).Methods(http.MethodPost)
	r.HandleFunc("/circuits/{name}/force-open", h.circuitAction).Methods(http.MethodPost)
	r.HandleFunc("/circuits/{name}/force-close", h.circuitAction).Methods(http.MethodPost)

	r.HandleFunc("/alerts", h.listAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{id}/acknowledge", h.acknowledgeAlert).Methods(http.MethodPost)

	r.HandleFunc("/exceptions", h.listExceptionGroups).Methods(http.MethodGet)
	r.HandleFunc("/exceptions/{id}/resolve", h.resolveExceptionGroup).Methods(http.MethodPost)

	r.HandleFunc("/correlations", h.listCorrelations).Methods(http.MethodGet)
	r.HandleFunc("/correlations/{traceId}", h.getCorrelation).Methods(http.MethodGet)

	r.HandleFunc("/entries", h.listEntries).Methods(http.MethodGet)

	r.HandleFunc("/analytics/overview", h.analyticsOverview).Methods(http.MethodGet)
	r.HandleFunc("/analytics/trends", h.analyticsTrends).Methods(http.MethodGet)
	r.HandleFunc("/analytics/distribution/{type}", h.analyticsDistribution).Methods(http.MethodGet)

	r.HandleFunc("/watchers", h.watcherMetrics).Methods(http.MethodGet)
	r.HandleFunc("/jobs/top-failed", h.topFailedJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/top-slow", h.topSlowJobs).Methods(http.MethodGet)

	return &Server{
		logger: logger,
		cfg:    cfg,
		http: &http.Server{
			Addr:         cfg.AdminAddress,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Start serves until the listener is shut down. It blocks; run it in a
// goroutine.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", slog.String("address", s.cfg.AdminAddress))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

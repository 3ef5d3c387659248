// Package rest exposes the monitoring subsystems over HTTP: health
// endpoints, a Prometheus scrape endpoint, and read-only stats routes.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/superchat/monitoring/internal/api/middleware"
	"github.com/superchat/monitoring/internal/infrastructure/config"
	"github.com/superchat/monitoring/internal/monitoring/alerting"
	"github.com/superchat/monitoring/internal/monitoring/health"
	"github.com/superchat/monitoring/internal/monitoring/logging"
	"github.com/superchat/monitoring/internal/monitoring/metrics"
)

// Server hosts the monitoring API.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	httpServer *http.Server

	logs       *logging.System
	collector  *metrics.Collector
	alerts     *alerting.System
	monitor    *health.Monitor
	monitoring *middleware.Monitoring
}

func NewServer(
	cfg config.ServerConfig,
	logs *logging.System,
	collector *metrics.Collector,
	alerts *alerting.System,
	monitor *health.Monitor,
	monitoring *middleware.Monitoring,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		logs:       logs,
		collector:  collector,
		alerts:     alerts,
		monitor:    monitor,
		monitoring: monitoring,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/v1/stats/requests", s.handleRequestStats)
	mux.HandleFunc("GET /api/v1/stats/alerts", s.handleAlertStats)
	mux.HandleFunc("GET /api/v1/stats/logs", s.handleLogStats)
	mux.HandleFunc("GET /api/v1/stats/metrics", s.handleMetricStats)
	mux.HandleFunc("GET /api/v1/alerts/active", s.handleActiveAlerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleResolveAlert)
	mux.HandleFunc("POST /api/v1/health/run", s.handleRunChecks)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      monitoring.Wrap(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Monitoring API listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

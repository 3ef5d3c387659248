package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/superchat/monitoring/internal/monitoring/health"
)

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleReadiness reports the latest health snapshot. 503 when overall
// unhealthy, 200 otherwise (including before the first check cycle).
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.monitor.GetCurrentStatus()
	if snapshot == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": string(health.StatusUnknown)})
		return
	}

	status := http.StatusOK
	if snapshot.Overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snapshot)
}

func (s *Server) handleRequestStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitoring.GetRequestStats())
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.GetAlertStats(windowParam(r, 24*time.Hour)))
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.GetLogStats(windowParam(r, time.Hour)))
}

func (s *Server) handleMetricStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.GetStats(windowParam(r, time.Hour)))
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := s.alerts.GetActiveAlerts()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resolvedBy := r.URL.Query().Get("resolved_by")
	if resolvedBy == "" {
		resolvedBy = "api"
	}

	if !s.alerts.ResolveAlert(id, resolvedBy) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "alert not found or already resolved",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "id": id})
}

// handleRunChecks triggers an on-demand health check cycle.
func (s *Server) handleRunChecks(w http.ResponseWriter, r *http.Request) {
	snapshot := s.monitor.PerformHealthChecks(r.Context())
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("Failed to encode response", zap.Error(err))
	}
}

// windowParam parses a ?window= duration query, falling back on the
// default.
func windowParam(r *http.Request, def time.Duration) time.Duration {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

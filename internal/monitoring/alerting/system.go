// Package alerting implements the alert domain model: typed alerts with
// per-type cooldown suppression, multi-channel fan-out with partial
// failure tolerance, and count-based escalation rules.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/superchat/monitoring/internal/errortracker"
)

// Config controls cooldowns and the global notification rate cap.
type Config struct {
	// Cooldowns maps alert types to their notification cooldown. Types
	// without an entry use DefaultCooldown.
	Cooldowns       map[Type]time.Duration
	DefaultCooldown time.Duration

	// Rate cap across all channels, a safety net on top of cooldowns.
	NotificationsPerSecond float64
	NotificationBurst      int
}

// Stats summarizes the alert store inside a time window.
type Stats struct {
	Total             int            `json:"total"`
	Active            int            `json:"active"`
	Resolved          int            `json:"resolved"`
	ByType            map[string]int `json:"by_type"`
	BySeverity        map[string]int `json:"by_severity"`
	AvgResolutionTime time.Duration  `json:"avg_resolution_time"`
}

// System owns the alert store and notification dispatch. Every created
// alert is stored; the cooldown only gates whether anyone is notified.
type System struct {
	cfg      Config
	logger   *zap.Logger
	tracker  errortracker.Tracker
	channels []Channel
	rules    []EscalationRule
	limiter  *rate.Limiter

	mu           sync.Mutex
	alerts       []Alert
	index        map[string]int
	lastNotified map[string]time.Time

	now func() time.Time
}

func New(cfg Config, channels []Channel, rules []EscalationRule, logger *zap.Logger, tracker errortracker.Tracker) *System {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 10 * time.Minute
	}
	if cfg.NotificationsPerSecond <= 0 {
		cfg.NotificationsPerSecond = 50
	}
	if cfg.NotificationBurst <= 0 {
		cfg.NotificationBurst = 100
	}
	if tracker == nil {
		tracker = errortracker.NopTracker{}
	}
	return &System{
		cfg:          cfg,
		logger:       logger,
		tracker:      tracker,
		channels:     channels,
		rules:        rules,
		limiter:      rate.NewLimiter(rate.Limit(cfg.NotificationsPerSecond), cfg.NotificationBurst),
		index:        make(map[string]int),
		lastNotified: make(map[string]time.Time),
		now:          time.Now,
	}
}

// CreateAlert stores a new alert and, unless the (type, source) cooldown
// suppresses it, dispatches notifications and evaluates escalation. The
// alert record exists whether or not anyone was notified.
func (s *System) CreateAlert(ctx context.Context, typ Type, severity Severity, title, message, source string, tags map[string]string, metadata map[string]any) Alert {
	alert := Alert{
		ID:        uuid.New().String(),
		Type:      typ,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: s.now(),
		Source:    source,
		Tags:      tags,
		Metadata:  metadata,
	}

	key := string(typ) + "_" + source

	s.mu.Lock()
	s.index[alert.ID] = len(s.alerts)
	s.alerts = append(s.alerts, alert)

	cooldown, ok := s.cfg.Cooldowns[typ]
	if !ok {
		cooldown = s.cfg.DefaultCooldown
	}
	last, seen := s.lastNotified[key]
	suppressed := seen && s.now().Sub(last) < cooldown
	if !suppressed {
		s.lastNotified[key] = s.now()
	}
	s.mu.Unlock()

	if suppressed {
		s.logger.Debug("Alert notification suppressed by cooldown",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(typ)),
			zap.String("source", source),
		)
		return alert
	}

	s.dispatch(ctx, alert)
	s.evaluateEscalations(alert)
	return alert
}

// ResolveAlert marks an alert resolved. Returns false when the alert does
// not exist or is already resolved; repeated resolution is a no-op.
func (s *System) ResolveAlert(id, resolvedBy string) bool {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok || s.alerts[pos].Resolved {
		s.mu.Unlock()
		return false
	}
	resolvedAt := s.now()
	s.alerts[pos].Resolved = true
	s.alerts[pos].ResolvedAt = &resolvedAt
	s.alerts[pos].ResolvedBy = resolvedBy
	resolved := s.alerts[pos]
	s.mu.Unlock()

	// Resolution always reaches the tracker and the log, regardless of
	// per-channel enablement.
	s.tracker.CaptureMessage(errortracker.LevelInfo,
		"Alert resolved: "+resolved.Title,
		map[string]string{
			"alert_id":    resolved.ID,
			"alert_type":  string(resolved.Type),
			"resolved_by": resolvedBy,
		},
		map[string]any{"resolution_time": resolvedAt.Sub(resolved.Timestamp).String()},
	)
	s.logger.Info("Alert resolved",
		zap.String("alert_id", resolved.ID),
		zap.String("type", string(resolved.Type)),
		zap.String("resolved_by", resolvedBy),
		zap.Duration("resolution_time", resolvedAt.Sub(resolved.Timestamp)),
	)
	return true
}

// GetActiveAlerts returns all unresolved alerts.
func (s *System) GetActiveAlerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Alert
	for _, a := range s.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

// GetAlertsByType returns alerts of one type inside the window. A zero
// window matches all history.
func (s *System) GetAlertsByType(typ Type, window time.Duration) []Alert {
	return s.filter(window, func(a Alert) bool { return a.Type == typ })
}

// GetAlertsBySeverity returns alerts of one severity inside the window.
func (s *System) GetAlertsBySeverity(severity Severity, window time.Duration) []Alert {
	return s.filter(window, func(a Alert) bool { return a.Severity == severity })
}

func (s *System) filter(window time.Duration, match func(Alert) bool) []Alert {
	var cutoff time.Time
	if window > 0 {
		cutoff = s.now().Add(-window)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Alert
	for _, a := range s.alerts {
		if !cutoff.IsZero() && a.Timestamp.Before(cutoff) {
			continue
		}
		if match(a) {
			out = append(out, a)
		}
	}
	return out
}

// GetAlertStats aggregates alerts inside the window (24h when zero).
func (s *System) GetAlertStats(window time.Duration) Stats {
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := s.now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
	}

	var resolutionTotal time.Duration
	for _, a := range s.alerts {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByType[string(a.Type)]++
		stats.BySeverity[string(a.Severity)]++
		if a.Resolved {
			stats.Resolved++
			if a.ResolvedAt != nil {
				resolutionTotal += a.ResolvedAt.Sub(a.Timestamp)
			}
		} else {
			stats.Active++
		}
	}

	if stats.Resolved > 0 {
		stats.AvgResolutionTime = resolutionTotal / time.Duration(stats.Resolved)
	}
	return stats
}

// dispatch fans the alert out to every enabled channel. Each send is
// isolated: a failing channel is logged and the rest still receive the
// alert.
func (s *System) dispatch(ctx context.Context, alert Alert) {
	if !s.limiter.Allow() {
		s.logger.Warn("Notification rate cap hit, dropping dispatch",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alert.Type)),
		)
		return
	}

	for _, ch := range s.channels {
		if !ch.Enabled() {
			continue
		}
		if err := ch.Send(ctx, alert); err != nil {
			s.logger.Error("Alert channel delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Debug("Alert delivered",
			zap.String("channel", ch.Name()),
			zap.String("alert_id", alert.ID),
		)
	}
}

// evaluateEscalations runs after a non-suppressed dispatch. The count is
// over all alerts of the type in the rule window, resolved or not.
func (s *System) evaluateEscalations(alert Alert) {
	for _, rule := range s.rules {
		if rule.AlertType != alert.Type || rule.Severity != alert.Severity {
			continue
		}
		count := len(s.GetAlertsByType(alert.Type, rule.Window))
		if count < rule.Count {
			continue
		}
		// Escalation here is a structured record; executing the actions
		// belongs to an external operator integration.
		s.logger.Warn("Alert escalated",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
			zap.Int("count", count),
			zap.Duration("window", rule.Window),
			zap.Strings("actions", rule.Actions),
		)
	}
}

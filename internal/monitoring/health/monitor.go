// Package health runs a registry of named probes on a timer, aggregates
// their results into a single status snapshot, and raises alerts when
// degraded/unhealthy counts cross configured thresholds.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/superchat/monitoring/internal/monitoring/alerting"
)

// Status of one check or of the aggregate. Unknown marks a probe failure
// or timeout, not a health state, and is deliberately outside the
// healthy/degraded/unhealthy ordering.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Check is the result of one probe run. Ephemeral: only the latest
// snapshot retains them.
type Check struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Probe is a named health check function. A probe that blocks past the
// configured timeout keeps running in the background; its result is
// discarded.
type Probe func(ctx context.Context) Check

// Snapshot is the aggregate health status. A new snapshot replaces the
// previous one on every monitoring cycle.
type Snapshot struct {
	Overall     Status         `json:"overall"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      time.Duration  `json:"uptime"`
	Version     string         `json:"version"`
	Environment string         `json:"environment"`
	Checks      []Check        `json:"checks"`
	Summary     map[Status]int `json:"summary"`
}

// Config controls scheduling and alert thresholds.
type Config struct {
	CheckInterval      time.Duration
	CheckTimeout       time.Duration
	EnabledChecks      []string
	DegradedThreshold  int
	UnhealthyThreshold int
	Version            string
	Environment        string
}

// Monitor owns the probe registry, the timer, and the single retained
// snapshot.
type Monitor struct {
	cfg    Config
	logger *zap.Logger
	alerts *alerting.System

	mu      sync.Mutex
	probes  map[string]Probe
	order   []string
	enabled map[string]struct{}
	latest  *Snapshot

	started   bool
	stopCh    chan struct{}
	done      chan struct{}
	startTime time.Time

	now func() time.Time
}

func NewMonitor(cfg Config, logger *zap.Logger, alerts *alerting.System) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 2
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 1
	}

	m := &Monitor{
		cfg:       cfg,
		logger:    logger,
		alerts:    alerts,
		probes:    make(map[string]Probe),
		enabled:   make(map[string]struct{}, len(cfg.EnabledChecks)),
		startTime: time.Now(),
		now:       time.Now,
	}
	for _, name := range cfg.EnabledChecks {
		m.enabled[name] = struct{}{}
	}
	return m
}

// RegisterCheck adds or overwrites a probe. A probe not listed in
// EnabledChecks is registered but skipped at run time.
func (m *Monitor) RegisterCheck(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.probes[name]; !exists {
		m.order = append(m.order, name)
	}
	m.probes[name] = probe
}

// Start schedules the periodic checks. The first run happens after one
// full interval, not immediately. Starting twice has no additional
// effect.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.PerformHealthChecks(context.Background())
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop clears the timer. Safe to call when not started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stopCh, done := m.stopCh, m.done
	m.mu.Unlock()

	close(stopCh)
	<-done
}

// PerformHealthChecks runs every registered+enabled probe, aggregates the
// results, stores the snapshot, and evaluates alert thresholds. Also
// callable on demand outside the timer.
func (m *Monitor) PerformHealthChecks(ctx context.Context) *Snapshot {
	m.mu.Lock()
	names := make([]string, 0, len(m.order))
	probes := make([]Probe, 0, len(m.order))
	for _, name := range m.order {
		if _, ok := m.enabled[name]; !ok {
			continue
		}
		names = append(names, name)
		probes = append(probes, m.probes[name])
	}
	m.mu.Unlock()

	checks := make([]Check, len(names))
	for i := range names {
		checks[i] = m.runProbe(ctx, names[i], probes[i])
	}

	snapshot := &Snapshot{
		Overall:     aggregate(checks),
		Timestamp:   m.now(),
		Uptime:      m.now().Sub(m.startTime),
		Version:     m.cfg.Version,
		Environment: m.cfg.Environment,
		Checks:      checks,
		Summary:     summarize(checks),
	}

	m.mu.Lock()
	m.latest = snapshot
	m.mu.Unlock()

	m.evaluateThresholds(ctx, snapshot)

	m.logger.Info("Health checks completed",
		zap.String("overall", string(snapshot.Overall)),
		zap.Int("checks", len(checks)),
		zap.Int("unhealthy", snapshot.Summary[StatusUnhealthy]),
		zap.Int("degraded", snapshot.Summary[StatusDegraded]),
	)
	return snapshot
}

// runProbe races the probe against the timeout. On timeout or panic the
// check degrades to unknown with the failure message; the losing probe
// goroutine is abandoned, not cancelled.
func (m *Monitor) runProbe(ctx context.Context, name string, probe Probe) Check {
	start := m.now()
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	resultCh := make(chan Check, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- Check{
					Name:      name,
					Status:    StatusUnknown,
					Message:   fmt.Sprintf("probe panicked: %v", r),
					Timestamp: m.now(),
				}
			}
		}()
		resultCh <- probe(probeCtx)
	}()

	select {
	case check := <-resultCh:
		check.Name = name
		check.Duration = m.now().Sub(start)
		if check.Timestamp.IsZero() {
			check.Timestamp = m.now()
		}
		return check
	case <-probeCtx.Done():
		return Check{
			Name:      name,
			Status:    StatusUnknown,
			Message:   fmt.Sprintf("check timed out after %s", m.cfg.CheckTimeout),
			Timestamp: m.now(),
			Duration:  m.now().Sub(start),
		}
	}
}

// GetCurrentStatus returns the latest snapshot, or nil before the first
// run.
func (m *Monitor) GetCurrentStatus() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// GetHealthHistory returns the retained snapshots. Only the latest is
// kept.
func (m *Monitor) GetHealthHistory() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil
	}
	return []Snapshot{*m.latest}
}

// aggregate applies the precedence: any unhealthy wins, then any
// degraded, else healthy. An empty check list is unknown.
func aggregate(checks []Check) Status {
	if len(checks) == 0 {
		return StatusUnknown
	}
	overall := StatusHealthy
	for _, c := range checks {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func summarize(checks []Check) map[Status]int {
	summary := map[Status]int{
		StatusHealthy:   0,
		StatusDegraded:  0,
		StatusUnhealthy: 0,
		StatusUnknown:   0,
	}
	for _, c := range checks {
		summary[c.Status]++
	}
	return summary
}

// evaluateThresholds raises at most one alert per cycle: the unhealthy
// branch takes precedence over the degraded one.
func (m *Monitor) evaluateThresholds(ctx context.Context, s *Snapshot) {
	if m.alerts == nil {
		return
	}
	if s.Summary[StatusUnhealthy] >= m.cfg.UnhealthyThreshold {
		m.alerts.CreateAlert(ctx,
			alerting.TypeServiceDown,
			alerting.SeverityCritical,
			"Service health critical",
			fmt.Sprintf("%d health check(s) unhealthy", s.Summary[StatusUnhealthy]),
			"health-monitor",
			map[string]string{"overall": string(s.Overall)},
			map[string]any{"summary": s.Summary},
		)
	} else if s.Summary[StatusDegraded] >= m.cfg.DegradedThreshold {
		m.alerts.CreateAlert(ctx,
			alerting.TypePerformanceDegradation,
			alerting.SeverityWarning,
			"Service health degraded",
			fmt.Sprintf("%d health check(s) degraded", s.Summary[StatusDegraded]),
			"health-monitor",
			map[string]string{"overall": string(s.Overall)},
			map[string]any{"summary": s.Summary},
		)
	}
}

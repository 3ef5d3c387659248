package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/superchat/monitoring/internal/errortracker"
)

// captureChannel records every alert it receives, optionally failing.
type captureChannel struct {
	name    string
	enabled bool
	fail    error

	mu     sync.Mutex
	alerts []Alert
}

func (c *captureChannel) Name() string  { return c.name }
func (c *captureChannel) Enabled() bool { return c.enabled }

func (c *captureChannel) Send(_ context.Context, alert Alert) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureChannel) received() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

func newTestSystem(t *testing.T, cfg Config, channels []Channel, rules []EscalationRule) (*System, *errortracker.Recorder) {
	t.Helper()
	recorder := errortracker.NewRecorder()
	return New(cfg, channels, rules, zaptest.NewLogger(t), recorder), recorder
}

func TestCreateAlertDispatchesToEnabledChannels(t *testing.T) {
	enabled := &captureChannel{name: "slack", enabled: true}
	disabled := &captureChannel{name: "email", enabled: false}
	s, _ := newTestSystem(t, Config{}, []Channel{enabled, disabled}, nil)

	alert := s.CreateAlert(context.Background(), TypeAPIError, SeverityError,
		"API failure", "POST /api/chat returned 502", "monitoring-middleware", nil, nil)

	assert.NotEmpty(t, alert.ID)
	require.Len(t, enabled.received(), 1)
	assert.Equal(t, alert.ID, enabled.received()[0].ID)
	assert.Empty(t, disabled.received())
}

func TestCooldownSuppressesNotificationButStoresAlert(t *testing.T) {
	ch := &captureChannel{name: "slack", enabled: true}
	s, _ := newTestSystem(t, Config{
		Cooldowns: map[Type]time.Duration{TypeServiceDown: 5 * time.Minute},
	}, []Channel{ch}, nil)

	base := time.Now()
	s.now = func() time.Time { return base }

	s.CreateAlert(context.Background(), TypeServiceDown, SeverityCritical,
		"DB down", "database unreachable", "health-monitor", nil, nil)
	s.CreateAlert(context.Background(), TypeServiceDown, SeverityCritical,
		"DB down", "database unreachable", "health-monitor", nil, nil)

	// Both alerts exist; only the first one was notified.
	assert.Len(t, s.GetAlertsByType(TypeServiceDown, 0), 2)
	assert.Len(t, ch.received(), 1)

	// Past the cooldown, notification resumes.
	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	s.CreateAlert(context.Background(), TypeServiceDown, SeverityCritical,
		"DB down", "database unreachable", "health-monitor", nil, nil)
	assert.Len(t, ch.received(), 2)
}

func TestCooldownKeyIncludesSource(t *testing.T) {
	ch := &captureChannel{name: "slack", enabled: true}
	s, _ := newTestSystem(t, Config{
		Cooldowns: map[Type]time.Duration{TypeServiceDown: 5 * time.Minute},
	}, []Channel{ch}, nil)

	s.CreateAlert(context.Background(), TypeServiceDown, SeverityCritical,
		"down", "m", "health-monitor", nil, nil)
	s.CreateAlert(context.Background(), TypeServiceDown, SeverityCritical,
		"down", "m", "redis-monitor", nil, nil)

	// Different sources are independent cooldown keys.
	assert.Len(t, ch.received(), 2)
}

func TestFailingChannelDoesNotBlockSiblings(t *testing.T) {
	broken := &captureChannel{name: "webhook", enabled: true, fail: errors.New("connection refused")}
	working := &captureChannel{name: "slack", enabled: true}
	s, _ := newTestSystem(t, Config{}, []Channel{broken, working}, nil)

	s.CreateAlert(context.Background(), TypeHighErrorRate, SeverityError,
		"Error rate high", "12% of requests failing", "monitoring-middleware", nil, nil)

	assert.Len(t, working.received(), 1)
}

func TestResolveAlert(t *testing.T) {
	s, recorder := newTestSystem(t, Config{}, nil, nil)

	alert := s.CreateAlert(context.Background(), TypeDatabaseError, SeverityError,
		"Query failed", "timeout on select", "db", nil, nil)

	require.True(t, s.ResolveAlert(alert.ID, "oncall"))

	active := s.GetActiveAlerts()
	assert.Empty(t, active)

	stored := s.GetAlertsByType(TypeDatabaseError, 0)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Resolved)
	assert.Equal(t, "oncall", stored[0].ResolvedBy)
	require.NotNil(t, stored[0].ResolvedAt)

	// Resolution reaches the tracker even with no channels configured.
	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, errortracker.LevelInfo, events[0].Level)
	assert.Equal(t, alert.ID, events[0].Tags["alert_id"])
}

func TestResolveAlertIdempotent(t *testing.T) {
	s, _ := newTestSystem(t, Config{}, nil, nil)

	alert := s.CreateAlert(context.Background(), TypeSlowRequest, SeverityWarning,
		"Slow", "m", "middleware", nil, nil)

	assert.True(t, s.ResolveAlert(alert.ID, "a"))
	assert.False(t, s.ResolveAlert(alert.ID, "b"))
	assert.False(t, s.ResolveAlert("no-such-id", "a"))

	stored := s.GetAlertsByType(TypeSlowRequest, 0)
	require.Len(t, stored, 1)
	assert.Equal(t, "a", stored[0].ResolvedBy)
}

func TestGetAlertsByTypeWindow(t *testing.T) {
	s, _ := newTestSystem(t, Config{}, nil, nil)

	base := time.Now()
	s.now = func() time.Time { return base.Add(-2 * time.Hour) }
	s.CreateAlert(context.Background(), TypeAPIError, SeverityError, "old", "m", "a", nil, nil)

	s.now = func() time.Time { return base }
	s.CreateAlert(context.Background(), TypeAPIError, SeverityError, "new", "b", "b", nil, nil)

	assert.Len(t, s.GetAlertsByType(TypeAPIError, time.Hour), 1)
	// Zero window means all history.
	assert.Len(t, s.GetAlertsByType(TypeAPIError, 0), 2)
}

func TestGetAlertsBySeverity(t *testing.T) {
	s, _ := newTestSystem(t, Config{}, nil, nil)
	ctx := context.Background()

	s.CreateAlert(ctx, TypeAPIError, SeverityError, "e", "m", "a", nil, nil)
	s.CreateAlert(ctx, TypeServiceDown, SeverityCritical, "c", "m", "b", nil, nil)
	s.CreateAlert(ctx, TypeSlowRequest, SeverityWarning, "w", "m", "c", nil, nil)

	assert.Len(t, s.GetAlertsBySeverity(SeverityCritical, time.Hour), 1)
	assert.Len(t, s.GetAlertsBySeverity(SeverityInfo, time.Hour), 0)
}

func TestGetAlertStats(t *testing.T) {
	s, _ := newTestSystem(t, Config{}, nil, nil)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	a := s.CreateAlert(ctx, TypeAPIError, SeverityError, "a", "m", "s", nil, nil)
	s.CreateAlert(ctx, TypeAPIError, SeverityError, "b", "m", "s", nil, nil)
	s.CreateAlert(ctx, TypeServiceDown, SeverityCritical, "c", "m", "s", nil, nil)

	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	require.True(t, s.ResolveAlert(a.ID, "oncall"))

	stats := s.GetAlertStats(0)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 2, stats.ByType[string(TypeAPIError)])
	assert.Equal(t, 1, stats.BySeverity[string(SeverityCritical)])
	assert.Equal(t, 10*time.Minute, stats.AvgResolutionTime)
}

func TestEscalationFiresWhenCountReached(t *testing.T) {
	core, observed := observer.New(zap.DebugLevel)
	recorder := errortracker.NewRecorder()
	s := New(Config{DefaultCooldown: time.Nanosecond}, nil, []EscalationRule{
		{
			AlertType: TypeServiceDown,
			Severity:  SeverityCritical,
			Count:     3,
			Window:    15 * time.Minute,
			Actions:   []string{"page-oncall"},
		},
	}, zap.New(core), recorder)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.CreateAlert(ctx, TypeServiceDown, SeverityCritical, "down", "m", "health-monitor", nil, nil)
	}

	escalations := observed.FilterMessage("Alert escalated").All()
	require.Len(t, escalations, 1)
	assert.Equal(t, int64(3), escalations[0].ContextMap()["count"])
}

func TestEscalationIgnoresOtherSeverities(t *testing.T) {
	core, observed := observer.New(zap.DebugLevel)
	s := New(Config{DefaultCooldown: time.Nanosecond}, nil, []EscalationRule{
		{AlertType: TypeServiceDown, Severity: SeverityCritical, Count: 1, Window: time.Hour},
	}, zap.New(core), nil)

	s.CreateAlert(context.Background(), TypeServiceDown, SeverityWarning, "flaky", "m", "h", nil, nil)

	assert.Empty(t, observed.FilterMessage("Alert escalated").All())
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityError.Rank())
	assert.Greater(t, SeverityError.Rank(), SeverityWarning.Rank())
	assert.Greater(t, SeverityWarning.Rank(), SeverityInfo.Rank())
}

package logging

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/superchat/monitoring/internal/errors"
	"github.com/superchat/monitoring/internal/errortracker"
)

func newTestSystem(t *testing.T, cfg Config) *System {
	t.Helper()
	if cfg.ConsoleOut == nil {
		cfg.ConsoleOut = io.Discard
	}
	s := New(cfg, zaptest.NewLogger(t), errortracker.NewRecorder())
	t.Cleanup(s.Stop)
	return s
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name     string
		minLevel Level
		logAt    Level
		kept     bool
	}{
		{"debug below info minimum", LevelInfo, LevelDebug, false},
		{"info at info minimum", LevelInfo, LevelInfo, true},
		{"warn above info minimum", LevelInfo, LevelWarn, true},
		{"info below error minimum", LevelError, LevelInfo, false},
		{"fatal above error minimum", LevelError, LevelFatal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSystem(t, Config{MinLevel: tt.minLevel})
			s.Log(tt.logAt, "message", nil, nil)

			logs := s.GetLogs(Filter{})
			if tt.kept {
				require.Len(t, logs, 1)
				assert.Equal(t, tt.logAt, logs[0].Level)
			} else {
				assert.Empty(t, logs)
			}
		})
	}
}

func TestSanitization(t *testing.T) {
	s := newTestSystem(t, Config{
		MinLevel:        LevelDebug,
		SensitiveFields: []string{"password", "apiKey"},
	})

	s.Info("login attempt", &Context{
		Metadata: map[string]any{
			"password": "hunter2",
			"apiKey":   "sk-12345",
			"username": "alice",
		},
	})

	logs := s.GetLogs(Filter{})
	require.Len(t, logs, 1)
	assert.Equal(t, RedactionMarker, logs[0].Context.Metadata["password"])
	assert.Equal(t, RedactionMarker, logs[0].Context.Metadata["apiKey"])
	assert.Equal(t, "alice", logs[0].Context.Metadata["username"])
}

func TestGetLogsDescendingOrder(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug})

	base := time.Now()
	// Insert out of order by steering the clock.
	offsets := []time.Duration{3 * time.Second, time.Second, 5 * time.Second, 2 * time.Second}
	for i, off := range offsets {
		ts := base.Add(off)
		s.now = func() time.Time { return ts }
		s.Info("entry", &Context{Metadata: map[string]any{"i": i}})
	}

	logs := s.GetLogs(Filter{})
	require.Len(t, logs, len(offsets))
	for i := 1; i < len(logs); i++ {
		assert.True(t, logs[i-1].Timestamp.After(logs[i].Timestamp),
			"expected strictly descending timestamps at %d", i)
	}
}

func TestGetLogsFilters(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug})

	s.Info("a", &Context{Component: "http"})
	s.Warn("b", &Context{Component: "security"})
	s.Info("c", &Context{Component: "http"})

	byComponent := s.GetLogs(Filter{Component: "http"})
	assert.Len(t, byComponent, 2)

	warn := LevelWarn
	byLevel := s.GetLogs(Filter{Level: &warn})
	require.Len(t, byLevel, 1)
	assert.Equal(t, "b", byLevel[0].Message)
}

func TestLogRequestLevelMapping(t *testing.T) {
	tests := []struct {
		status int
		level  Level
	}{
		{200, LevelInfo},
		{301, LevelInfo},
		{404, LevelWarn},
		{500, LevelError},
		{503, LevelError},
	}

	for _, tt := range tests {
		s := newTestSystem(t, Config{MinLevel: LevelDebug})
		s.LogRequest("GET", "/api/chat", tt.status, 42*time.Millisecond, nil)

		logs := s.GetLogs(Filter{})
		require.Len(t, logs, 1)
		assert.Equal(t, tt.level, logs[0].Level, "status %d", tt.status)
		assert.Equal(t, "http", logs[0].Context.Component)
	}
}

func TestLogSecuritySeverityMapping(t *testing.T) {
	tests := []struct {
		severity string
		level    Level
	}{
		{"critical", LevelFatal},
		{"high", LevelError},
		{"medium", LevelWarn},
		{"low", LevelInfo},
	}

	for _, tt := range tests {
		s := newTestSystem(t, Config{MinLevel: LevelDebug})
		s.LogSecurity("auth_bypass_attempt", tt.severity, nil)

		logs := s.GetLogs(Filter{})
		require.Len(t, logs, 1)
		assert.Equal(t, tt.level, logs[0].Level, "severity %s", tt.severity)
	}
}

func TestLogPerformanceEscalatesSlowOperations(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug})

	s.LogPerformance("fast_op", 100*time.Millisecond, nil)
	s.LogPerformance("slow_op", 6*time.Second, nil)

	logs := s.GetLogs(Filter{})
	require.Len(t, logs, 2)
	// Descending order: slow_op was logged last.
	assert.Equal(t, LevelWarn, logs[0].Level)
	assert.Equal(t, LevelInfo, logs[1].Level)

	require.NotNil(t, logs[0].Performance)
	assert.Equal(t, 6*time.Second, logs[0].Performance.Duration)
	assert.Greater(t, logs[0].Performance.MemoryMB, 0.0)
}

func TestGetLogStats(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug})

	s.Info("ok", &Context{Component: "http", Duration: 100 * time.Millisecond})
	s.Info("ok", &Context{Component: "http", Duration: 300 * time.Millisecond})
	s.Error("boom", &Context{Component: "api-client"}, nil)

	stats := s.GetLogStats(time.Hour)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByLevel["info"])
	assert.Equal(t, 1, stats.ByLevel["error"])
	assert.Equal(t, 2, stats.ByComponent["http"])
	assert.InDelta(t, 100.0/3, stats.ErrorRate, 0.01)
	assert.Equal(t, 200*time.Millisecond, stats.AvgDuration)
}

func TestGetLogStatsEmpty(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug})

	stats := s.GetLogStats(time.Hour)
	assert.Equal(t, 0, stats.Total)
	assert.Zero(t, stats.ErrorRate)
}

func TestCleanupDropsExpiredEntries(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug, RetentionDays: 7})

	old := time.Now().AddDate(0, 0, -10)
	s.now = func() time.Time { return old }
	s.Info("ancient", nil)

	s.now = time.Now
	s.Info("recent", nil)

	removed := s.Cleanup()
	assert.Equal(t, 1, removed)

	logs := s.GetLogs(Filter{})
	require.Len(t, logs, 1)
	assert.Equal(t, "recent", logs[0].Message)
}

func TestErrorLogFlushesToRemoteImmediately(t *testing.T) {
	received := make(chan remotePayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var payload remotePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSystem(t, Config{
		MinLevel:       LevelDebug,
		RemoteEnabled:  true,
		RemoteEndpoint: srv.URL,
		RemoteToken:    "test-token",
		FlushInterval:  time.Hour, // periodic flush never fires during the test
	})

	s.Error("database write failed", nil, assert.AnError)

	select {
	case payload := <-received:
		require.Len(t, payload.Logs, 1)
		assert.Equal(t, "database write failed", payload.Logs[0].Message)
		require.NotNil(t, payload.Logs[0].Error)
		assert.Equal(t, assert.AnError.Error(), payload.Logs[0].Error.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("expected immediate flush on error-level log")
	}
}

func TestErrorLogForwardsToTracker(t *testing.T) {
	recorder := errortracker.NewRecorder()
	s := New(Config{
		MinLevel:            LevelDebug,
		ErrorTrackerEnabled: true,
		ConsoleOut:          io.Discard,
	}, zaptest.NewLogger(t), recorder)
	t.Cleanup(s.Stop)

	s.Info("not forwarded", nil)
	s.Error("forwarded", nil, nil)
	s.Fatal("forwarded fatal", nil, nil)

	events := recorder.Events()
	require.Len(t, events, 2)
	assert.Equal(t, errortracker.LevelError, events[0].Level)
	assert.Equal(t, errortracker.LevelFatal, events[1].Level)
}

func TestRemoteFailureDoesNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestSystem(t, Config{
		MinLevel:       LevelDebug,
		RemoteEnabled:  true,
		RemoteEndpoint: srv.URL,
		RemoteToken:    "t",
		FlushInterval:  time.Hour,
	})

	// Must not panic or surface the sink failure.
	s.Error("boom", nil, nil)

	// The entry is still retained for queries.
	assert.Len(t, s.GetLogs(Filter{}), 1)
}

func TestErrorInfoCapturesAppErrorCode(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug})

	cause := apperrors.NewConfigError("CONFIG_INVALID", "bad remote endpoint")
	err := apperrors.NewProbeError("PROBE_FAILED", "database unreachable").WithCause(cause)
	s.Error("probe failed", &Context{Component: "health"}, err)

	logs := s.GetLogs(Filter{Component: "health"})
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Error)
	assert.Equal(t, "PROBE_FAILED", logs[0].Error.Code)
	assert.Contains(t, logs[0].Error.Message, "database unreachable")
	assert.NotEmpty(t, logs[0].Error.Stack)
}

func TestErrorInfoPlainError(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug})

	s.Error("write failed", nil, errors.New("disk full"))

	logs := s.GetLogs(Filter{})
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Error)
	assert.Empty(t, logs[0].Error.Code)
	assert.Equal(t, "disk full", logs[0].Error.Message)
}

func TestBufferBounded(t *testing.T) {
	s := newTestSystem(t, Config{MinLevel: LevelDebug, MaxEntries: 5})

	for i := 0; i < 20; i++ {
		s.Info("entry", nil)
	}
	assert.Len(t, s.GetLogs(Filter{}), 5)
}

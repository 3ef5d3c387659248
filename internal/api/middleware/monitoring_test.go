package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/superchat/monitoring/internal/monitoring/alerting"
	"github.com/superchat/monitoring/internal/monitoring/logging"
	"github.com/superchat/monitoring/internal/monitoring/metrics"
)

type fixture struct {
	monitoring *Monitoring
	logs       *logging.System
	collector  *metrics.Collector
	alerts     *alerting.System
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	logs := logging.New(logging.Config{
		MinLevel:       logging.LevelDebug,
		ConsoleEnabled: true,
		ConsoleOut:     io.Discard,
	}, logger, nil)
	collector := metrics.NewCollector(nil, logger, nil, nil)
	alerts := alerting.New(alerting.Config{DefaultCooldown: time.Nanosecond}, nil, nil, logger, nil)

	m := New(cfg, logs, collector, alerts, logger, prometheus.NewRegistry())
	return &fixture{monitoring: m, logs: logs, collector: collector, alerts: alerts}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func TestWrapRecordsRequest(t *testing.T) {
	f := newFixture(t, Config{})
	handler := f.monitoring.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	stats := f.monitoring.GetRequestStats()
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 0, stats.TotalErrors)
	require.Len(t, stats.TopPaths, 1)
	assert.Equal(t, "GET:/api/chat", stats.TopPaths[0].Key)

	samples := f.collector.GetMetricsByName(metrics.MetricAPIResponseTime, time.Hour)
	require.Len(t, samples, 1)
	assert.Equal(t, "/api/chat", samples[0].Tags["endpoint"])
}

func TestWrapExcludedPathBypassesInstrumentation(t *testing.T) {
	f := newFixture(t, Config{
		ExcludedPathPrefixes: []string{"/healthz"},
		ExcludedMethods:      []string{"OPTIONS"},
	})
	handler := f.monitoring.Wrap(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodOptions, "/api/chat", nil))

	assert.Equal(t, 0, f.monitoring.GetRequestStats().TotalRequests)
	assert.Empty(t, f.collector.GetMetricsByName(metrics.MetricAPIResponseTime, time.Hour))
}

func TestWrapPanicSynthesizes500(t *testing.T) {
	f := newFixture(t, Config{})
	handler := f.monitoring.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/x", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal Server Error", body["error"])

	stats := f.monitoring.GetRequestStats()
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.TotalErrors)

	// A panic is a 500, which raises an API error alert.
	apiErrors := f.alerts.GetAlertsByType(alerting.TypeAPIError, 0)
	require.Len(t, apiErrors, 1)
	assert.Contains(t, apiErrors[0].Message, "panicked")
}

func TestWrapPanicAfterPartialWriteKeepsHandlerOutput(t *testing.T) {
	f := newFixture(t, Config{})
	handler := f.monitoring.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late bug")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	// Headers were already sent; the synthesized body is not written.
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	// Internally the request still counts as a 500.
	require.Len(t, f.alerts.GetAlertsByType(alerting.TypeAPIError, 0), 1)
}

func TestWrap500RaisesAPIErrorAlert(t *testing.T) {
	f := newFixture(t, Config{})
	handler := f.monitoring.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/chat", nil))

	apiErrors := f.alerts.GetAlertsByType(alerting.TypeAPIError, 0)
	require.Len(t, apiErrors, 1)
	assert.Equal(t, alerting.SeverityError, apiErrors[0].Severity)
	assert.Equal(t, "monitoring-middleware", apiErrors[0].Source)
}

func TestWrap4xxCountsErrorWithoutAlert(t *testing.T) {
	f := newFixture(t, Config{})
	handler := f.monitoring.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/missing", nil))

	assert.Equal(t, 1, f.monitoring.GetRequestStats().TotalErrors)
	assert.Empty(t, f.alerts.GetAlertsByType(alerting.TypeAPIError, 0))
}

func TestSlowRequestAlert(t *testing.T) {
	f := newFixture(t, Config{SlowRequestThreshold: time.Millisecond})
	handler := f.monitoring.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/generate", nil))

	// 5ms is more than double the 1ms threshold.
	slow := f.alerts.GetAlertsByType(alerting.TypeSlowRequest, 0)
	require.Len(t, slow, 1)
	assert.Equal(t, alerting.SeverityWarning, slow[0].Severity)
}

func TestHighErrorRateAlert(t *testing.T) {
	f := newFixture(t, Config{ErrorRateThreshold: 50})
	fail := f.monitoring.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	// Every request fails: 100% > 50%.
	fail.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))

	rateAlerts := f.alerts.GetAlertsByType(alerting.TypeHighErrorRate, 0)
	require.NotEmpty(t, rateAlerts)
	assert.Equal(t, alerting.SeverityError, rateAlerts[0].Severity)
}

func TestErrorRateCheckResetsAfterWindow(t *testing.T) {
	f := newFixture(t, Config{ErrorRateThreshold: 50})
	m := f.monitoring

	fail := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	fail.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))
	require.Equal(t, 1, m.GetRequestStats().TotalRequests)

	// Move past the reset window: the next in-check pass clears the
	// counters and skips rate evaluation for that request.
	m.now = func() time.Time { return time.Now().Add(resetInterval + time.Minute) }
	fail.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/x", nil))

	stats := m.GetRequestStats()
	assert.Equal(t, 0, stats.TotalRequests)
	assert.Equal(t, 0, stats.TotalErrors)

	// Only the first request fired the rate alert.
	assert.Len(t, f.alerts.GetAlertsByType(alerting.TypeHighErrorRate, 0), 1)
}

func TestGetRequestStatsTopPathsCapped(t *testing.T) {
	f := newFixture(t, Config{})
	handler := f.monitoring.Wrap(okHandler())

	paths := []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h", "/i", "/j", "/k", "/l"}
	for i, p := range paths {
		for j := 0; j <= i; j++ {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
		}
	}

	stats := f.monitoring.GetRequestStats()
	require.Len(t, stats.TopPaths, 10)
	// Sorted by request count descending: /l had the most.
	assert.Equal(t, "GET:/l", stats.TopPaths[0].Key)
	assert.Equal(t, len(paths), stats.TopPaths[0].Requests)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{})
	f.monitoring.Start()
	f.monitoring.Start()
	f.monitoring.Stop()
	f.monitoring.Stop()
}

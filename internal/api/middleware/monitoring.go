// Package middleware wraps HTTP handlers with request monitoring: timing,
// sliding request/error counters, structured logging, and alerting for
// server errors, slow requests, and elevated error rates.
package middleware

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/superchat/monitoring/internal/monitoring/alerting"
	"github.com/superchat/monitoring/internal/monitoring/logging"
	"github.com/superchat/monitoring/internal/monitoring/metrics"
)

// Counters are cleared wholesale on this cadence, both by the background
// timer and opportunistically by the error-rate check. The two reset
// mechanisms coexist on purpose; their interaction decides exactly when
// the counters are zero.
const resetInterval = 5 * time.Minute

// Config controls instrumentation exclusions and alert thresholds.
type Config struct {
	ExcludedPathPrefixes []string
	ExcludedMethods      []string
	SlowRequestThreshold time.Duration
	// ErrorRateThreshold is a percentage over all tracked keys.
	ErrorRateThreshold float64
}

// Monitoring is the per-request instrumentation layer.
type Monitoring struct {
	cfg     Config
	logs    *logging.System
	metrics *metrics.Collector
	alerts  *alerting.System
	logger  *zap.Logger

	excludedMethods map[string]struct{}

	mu          sync.Mutex
	requests    map[string]int
	errorCounts map[string]int
	lastReset   time.Time

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	now func() time.Time
}

// RequestStats is a point-in-time view of the sliding counters.
type RequestStats struct {
	TotalRequests int         `json:"total_requests"`
	TotalErrors   int         `json:"total_errors"`
	ErrorRate     float64     `json:"error_rate"`
	TopPaths      []PathStats `json:"top_paths"`
}

// PathStats is one METHOD:path counter pair.
type PathStats struct {
	Key       string  `json:"key"`
	Requests  int     `json:"requests"`
	ErrorRate float64 `json:"error_rate"`
}

func New(cfg Config, logs *logging.System, collector *metrics.Collector, alerts *alerting.System, logger *zap.Logger, reg prometheus.Registerer) *Monitoring {
	if cfg.SlowRequestThreshold <= 0 {
		cfg.SlowRequestThreshold = 5 * time.Second
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 10
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Monitoring{
		cfg:             cfg,
		logs:            logs,
		metrics:         collector,
		alerts:          alerts,
		logger:          logger,
		excludedMethods: make(map[string]struct{}, len(cfg.ExcludedMethods)),
		requests:        make(map[string]int),
		errorCounts:     make(map[string]int),
		lastReset:       time.Now(),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
		now:             time.Now,
	}
	for _, method := range cfg.ExcludedMethods {
		m.excludedMethods[strings.ToUpper(method)] = struct{}{}
	}

	factory := promauto.With(reg)
	m.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "superchat",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "superchat",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method", "path"},
	)

	return m
}

// Start launches the periodic counter reset. Runs regardless of traffic.
func (m *Monitoring) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(resetInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.resetCounters()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the reset timer.
func (m *Monitoring) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if started {
		<-m.done
	}
}

// Wrap instruments a handler. Excluded paths and methods bypass all
// instrumentation. A panicking handler is converted into a synthesized
// 500 response; the panic never escapes.
func (m *Monitoring) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.excluded(r) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Method + ":" + r.URL.Path
		m.mu.Lock()
		m.requests[key]++
		m.mu.Unlock()

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := m.now()
		panicked, panicValue := m.invoke(next, wrapped, r)
		duration := m.now().Sub(start)

		status := wrapped.status
		if panicked {
			status = http.StatusInternalServerError
			if !wrapped.written {
				wrapped.Header().Set("Content-Type", "application/json")
				wrapped.WriteHeader(http.StatusInternalServerError)
				wrapped.Write([]byte(`{"error":"Internal Server Error"}`))
			}
		}

		if panicked || status >= 400 {
			m.mu.Lock()
			m.errorCounts[key]++
			m.mu.Unlock()
			m.trackError(r, status, duration, panicked, panicValue)
		}

		m.metrics.RecordAPIResponseTime(r.Context(), r.URL.Path, r.Method, duration, status)
		m.requestsTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration.Seconds())

		m.logs.LogRequest(r.Method, r.URL.Path, status, duration, &logging.Context{
			RequestID: r.Header.Get("X-Request-ID"),
		})

		if duration > m.cfg.SlowRequestThreshold {
			m.logs.Warn("Slow request", &logging.Context{
				Component: "http",
				Action:    "slow_request",
				Duration:  duration,
				Metadata:  map[string]any{"key": key},
			})
			if duration > 2*m.cfg.SlowRequestThreshold {
				m.alerts.CreateAlert(r.Context(),
					alerting.TypeSlowRequest,
					alerting.SeverityWarning,
					"Slow request: "+key,
					fmt.Sprintf("%s took %s (threshold %s)", key, duration, m.cfg.SlowRequestThreshold),
					"monitoring-middleware",
					map[string]string{"key": key},
					map[string]any{"duration_ms": duration.Milliseconds()},
				)
			}
		}

		m.checkErrorRate(r)
	})
}

func (m *Monitoring) excluded(r *http.Request) bool {
	if _, skip := m.excludedMethods[r.Method]; skip {
		return true
	}
	for _, prefix := range m.cfg.ExcludedPathPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// invoke runs the handler, converting a panic into a flag instead of
// letting it propagate.
func (m *Monitoring) invoke(next http.Handler, w http.ResponseWriter, r *http.Request) (panicked bool, panicValue any) {
	defer func() {
		if v := recover(); v != nil {
			panicked = true
			panicValue = v
		}
	}()
	next.ServeHTTP(w, r)
	return false, nil
}

func (m *Monitoring) trackError(r *http.Request, status int, duration time.Duration, panicked bool, panicValue any) {
	ctx := &logging.Context{
		Component: "http",
		Action:    "request_error",
		Duration:  duration,
		Metadata: map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		},
	}
	if panicked {
		m.logs.Error(fmt.Sprintf("Handler panic on %s %s: %v", r.Method, r.URL.Path, panicValue), ctx, nil)
	} else {
		m.logs.Warn(fmt.Sprintf("Request failed: %s %s -> %d", r.Method, r.URL.Path, status), ctx)
	}

	if status >= 500 {
		message := fmt.Sprintf("%s %s returned %d", r.Method, r.URL.Path, status)
		if panicked {
			message = fmt.Sprintf("%s %s panicked: %v", r.Method, r.URL.Path, panicValue)
		}
		m.alerts.CreateAlert(r.Context(),
			alerting.TypeAPIError,
			alerting.SeverityError,
			"Server error: "+r.URL.Path,
			message,
			"monitoring-middleware",
			map[string]string{"method": r.Method, "path": r.URL.Path},
			map[string]any{"status": status},
		)
	}
}

// checkErrorRate recomputes the global error rate after each request.
// When the reset window has lapsed, both counter maps are cleared and the
// rate computation is skipped for that cycle; the early return is
// deliberate.
func (m *Monitoring) checkErrorRate(r *http.Request) {
	m.mu.Lock()
	if m.now().Sub(m.lastReset) > resetInterval {
		m.requests = make(map[string]int)
		m.errorCounts = make(map[string]int)
		m.lastReset = m.now()
		m.mu.Unlock()
		return
	}

	var totalRequests, totalErrors int
	for _, n := range m.requests {
		totalRequests += n
	}
	for _, n := range m.errorCounts {
		totalErrors += n
	}
	m.mu.Unlock()

	if totalRequests == 0 {
		return
	}
	rate := float64(totalErrors) / float64(totalRequests) * 100
	if rate <= m.cfg.ErrorRateThreshold {
		return
	}

	m.alerts.CreateAlert(r.Context(),
		alerting.TypeHighErrorRate,
		alerting.SeverityError,
		"Elevated error rate",
		fmt.Sprintf("Global error rate %.1f%% exceeds threshold %.1f%%", rate, m.cfg.ErrorRateThreshold),
		"monitoring-middleware",
		nil,
		map[string]any{"requests": totalRequests, "errors": totalErrors},
	)
}

func (m *Monitoring) resetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[string]int)
	m.errorCounts = make(map[string]int)
	m.lastReset = m.now()
}

// GetRequestStats summarizes the current counters: totals, overall error
// rate, and the top-10 paths by request count.
func (m *Monitoring) GetRequestStats() RequestStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := RequestStats{}
	for key, n := range m.requests {
		stats.TotalRequests += n
		errorRate := 0.0
		if n > 0 {
			errorRate = float64(m.errorCounts[key]) / float64(n) * 100
		}
		stats.TopPaths = append(stats.TopPaths, PathStats{
			Key:       key,
			Requests:  n,
			ErrorRate: errorRate,
		})
	}
	for _, n := range m.errorCounts {
		stats.TotalErrors += n
	}
	if stats.TotalRequests > 0 {
		stats.ErrorRate = float64(stats.TotalErrors) / float64(stats.TotalRequests) * 100
	}

	sort.Slice(stats.TopPaths, func(i, j int) bool {
		return stats.TopPaths[i].Requests > stats.TopPaths[j].Requests
	})
	if len(stats.TopPaths) > 10 {
		stats.TopPaths = stats.TopPaths[:10]
	}
	return stats
}

// statusRecorder captures the handler's status code.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *statusRecorder) WriteHeader(status int) {
	if !rw.written {
		rw.status = status
		rw.written = true
		rw.ResponseWriter.WriteHeader(status)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

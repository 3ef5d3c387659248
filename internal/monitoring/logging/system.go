package logging

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/superchat/monitoring/internal/errors"
	"github.com/superchat/monitoring/internal/errortracker"
)

// RedactionMarker replaces sensitive metadata values before an entry is
// ever stored.
const RedactionMarker = "[REDACTED]"

// Config controls the logging system.
type Config struct {
	MinLevel            Level
	ConsoleEnabled      bool
	ConsoleJSON         bool
	ConsoleOut          io.Writer // defaults to os.Stdout
	RemoteEnabled       bool
	RemoteEndpoint      string
	RemoteToken         string
	ErrorTrackerEnabled bool
	FlushInterval       time.Duration
	MaxEntries          int
	RetentionDays       int
	SensitiveFields     []string
}

// System is the structured log sink. Entries are retained in a bounded
// in-memory buffer for queries and retention cleanup; a separate pending
// batch is drained to the console/remote sinks on every flush.
type System struct {
	cfg     Config
	logger  *zap.Logger
	tracker errortracker.Tracker

	console   *consoleSink
	remote    *remoteSink
	sensitive map[string]struct{}

	mu      sync.Mutex
	entries []Entry
	pending []Entry

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	started  bool

	now func() time.Time
}

// Filter narrows a GetLogs query. Zero values match everything.
type Filter struct {
	Start     time.Time
	End       time.Time
	Level     *Level
	Component string
}

// Stats summarizes the retained entries inside a time window.
type Stats struct {
	Total       int            `json:"total"`
	ByLevel     map[string]int `json:"by_level"`
	ByComponent map[string]int `json:"by_component"`
	ErrorRate   float64        `json:"error_rate"`
	AvgDuration time.Duration  `json:"avg_duration"`
}

func New(cfg Config, logger *zap.Logger, tracker errortracker.Tracker) *System {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.ConsoleOut == nil {
		cfg.ConsoleOut = os.Stdout
	}
	if tracker == nil {
		tracker = errortracker.NopTracker{}
	}

	s := &System{
		cfg:       cfg,
		logger:    logger,
		tracker:   tracker,
		sensitive: make(map[string]struct{}, len(cfg.SensitiveFields)),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	for _, f := range cfg.SensitiveFields {
		s.sensitive[strings.ToLower(f)] = struct{}{}
	}
	if cfg.ConsoleEnabled {
		s.console = newConsoleSink(cfg.ConsoleOut, cfg.ConsoleJSON)
	}
	if cfg.RemoteEnabled && cfg.RemoteEndpoint != "" {
		s.remote = newRemoteSink(cfg.RemoteEndpoint, cfg.RemoteToken, logger)
	}
	return s
}

// Start launches the periodic flush. Calling Start twice has no
// additional effect.
func (s *System) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Flush()
			case <-s.stopCh:
				s.Flush()
				return
			}
		}
	}()
}

// Stop halts the flush timer after a final flush.
func (s *System) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if started {
		<-s.done
	} else {
		s.Flush()
	}
}

// Log appends an entry when level clears the configured minimum. Error
// and fatal entries flush immediately and are forwarded to the error
// tracker when enabled.
func (s *System) Log(level Level, message string, ctx *Context, err error) {
	s.log(level, message, ctx, err, nil)
}

func (s *System) log(level Level, message string, ctx *Context, err error, perf *PerformanceInfo) {
	if level < s.cfg.MinLevel {
		return
	}

	entry := Entry{
		Timestamp:   s.now(),
		Level:       level,
		Message:     message,
		Performance: perf,
	}
	if ctx != nil {
		entry.Context = *ctx
	}
	entry.Context.Metadata = s.sanitize(entry.Context.Metadata)
	if err != nil {
		entry.Error = errorInfo(err, level)
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.cfg.MaxEntries {
		s.entries = s.entries[len(s.entries)-s.cfg.MaxEntries:]
	}
	s.pending = append(s.pending, entry)
	s.mu.Unlock()

	if level >= LevelError {
		s.Flush()
		if s.cfg.ErrorTrackerEnabled {
			s.forwardToTracker(entry)
		}
	}
}

func (s *System) Debug(message string, ctx *Context) { s.Log(LevelDebug, message, ctx, nil) }
func (s *System) Info(message string, ctx *Context)  { s.Log(LevelInfo, message, ctx, nil) }
func (s *System) Warn(message string, ctx *Context)  { s.Log(LevelWarn, message, ctx, nil) }

func (s *System) Error(message string, ctx *Context, err error) {
	s.Log(LevelError, message, ctx, err)
}

func (s *System) Fatal(message string, ctx *Context, err error) {
	s.Log(LevelFatal, message, ctx, err)
}

// LogRequest records an HTTP request summary; the level derives from the
// status code (>=500 error, >=400 warn, else info).
func (s *System) LogRequest(method, url string, statusCode int, duration time.Duration, ctx *Context) {
	level := LevelInfo
	switch {
	case statusCode >= 500:
		level = LevelError
	case statusCode >= 400:
		level = LevelWarn
	}

	c := cloneContext(ctx)
	c.Component = "http"
	c.Action = "request"
	c.Duration = duration

	s.Log(level, fmt.Sprintf("%s %s %d (%s)", method, url, statusCode, duration), &c, nil)
}

// LogAPICall records an outbound API call.
func (s *System) LogAPICall(endpoint, method string, statusCode int, duration time.Duration, ctx *Context) {
	c := cloneContext(ctx)
	c.Component = "api-client"
	c.Action = "call"
	c.Duration = duration
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Metadata["endpoint"] = endpoint
	c.Metadata["method"] = method
	c.Metadata["status_code"] = statusCode

	level := LevelInfo
	if statusCode >= 400 {
		level = LevelWarn
	}
	s.Log(level, fmt.Sprintf("API call %s %s -> %d", method, endpoint, statusCode), &c, nil)
}

// LogUserAction records an application-level user action.
func (s *System) LogUserAction(action, userID string, ctx *Context) {
	c := cloneContext(ctx)
	c.Component = "user"
	c.Action = action
	c.UserID = userID
	s.Log(LevelInfo, "User action: "+action, &c, nil)
}

// LogPerformance records an operation timing, escalating to warn past 5s.
func (s *System) LogPerformance(operation string, duration time.Duration, ctx *Context) {
	c := cloneContext(ctx)
	c.Component = "performance"
	c.Action = operation
	c.Duration = duration

	level := LevelInfo
	if duration > 5*time.Second {
		level = LevelWarn
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	perf := &PerformanceInfo{
		Duration: duration,
		MemoryMB: float64(ms.HeapAlloc) / 1024 / 1024,
	}
	s.log(level, fmt.Sprintf("%s took %s", operation, duration), &c, nil, perf)
}

// LogSecurity records a security event; severity maps onto log levels
// (critical->fatal, high->error, medium->warn, low->info).
func (s *System) LogSecurity(event, severity string, ctx *Context) {
	var level Level
	switch strings.ToLower(severity) {
	case "critical":
		level = LevelFatal
	case "high":
		level = LevelError
	case "medium":
		level = LevelWarn
	default:
		level = LevelInfo
	}

	c := cloneContext(ctx)
	c.Component = "security"
	c.Action = event
	s.Log(level, "Security event: "+event, &c, nil)
}

// GetLogs returns retained entries matching the filter, sorted by
// timestamp descending. The ordering is part of the contract.
func (s *System) GetLogs(f Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && e.Timestamp.After(f.End) {
			continue
		}
		if f.Level != nil && e.Level != *f.Level {
			continue
		}
		if f.Component != "" && e.Context.Component != f.Component {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// GetLogStats aggregates retained entries within the window.
func (s *System) GetLogStats(window time.Duration) Stats {
	cutoff := s.now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		ByLevel:     make(map[string]int),
		ByComponent: make(map[string]int),
	}

	var errorCount int
	var durationTotal time.Duration
	var durationSamples int

	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByLevel[e.Level.String()]++
		if e.Context.Component != "" {
			stats.ByComponent[e.Context.Component]++
		}
		if e.Level >= LevelError {
			errorCount++
		}
		if e.Context.Duration > 0 {
			durationTotal += e.Context.Duration
			durationSamples++
		}
	}

	if stats.Total > 0 {
		stats.ErrorRate = float64(errorCount) / float64(stats.Total) * 100
	}
	if durationSamples > 0 {
		stats.AvgDuration = durationTotal / time.Duration(durationSamples)
	}
	return stats
}

// Cleanup drops entries older than the configured retention and returns
// how many were removed.
func (s *System) Cleanup() int {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(s.entries) - len(kept)
	s.entries = kept
	return removed
}

// Flush drains the pending batch to the configured sinks. Sink failures
// are logged and swallowed; the batch is not re-queued.
func (s *System) Flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if s.console != nil {
		for _, e := range batch {
			if err := s.console.write(e); err != nil {
				s.logger.Warn("Console sink write failed", zap.Error(err))
			}
		}
	}
	if s.remote != nil {
		if err := s.remote.send(batch); err != nil {
			s.logger.Warn("Remote log delivery failed",
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (s *System) forwardToTracker(e Entry) {
	tags := map[string]string{
		"level":     e.Level.String(),
		"component": e.Context.Component,
	}
	extra := map[string]any{"message": e.Message}
	if e.Error != nil {
		extra["error"] = e.Error.Message
	}

	level := errortracker.LevelError
	if e.Level == LevelFatal {
		level = errortracker.LevelFatal
	}
	s.tracker.CaptureMessage(level, e.Message, tags, extra)
}

// sanitize replaces values of configured sensitive metadata keys with the
// redaction marker. Happens before the entry is stored, so the buffer
// never holds the raw value.
func (s *System) sanitize(metadata map[string]any) map[string]any {
	if len(metadata) == 0 || len(s.sensitive) == 0 {
		return metadata
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if _, hit := s.sensitive[strings.ToLower(k)]; hit {
			out[k] = RedactionMarker
		} else {
			out[k] = v
		}
	}
	return out
}

func errorInfo(err error, level Level) *ErrorInfo {
	info := &ErrorInfo{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		info.Code = appErr.Code
	}
	if level >= LevelError {
		info.Stack = string(debug.Stack())
	}
	return info
}

func cloneContext(ctx *Context) Context {
	if ctx == nil {
		return Context{}
	}
	return *ctx
}

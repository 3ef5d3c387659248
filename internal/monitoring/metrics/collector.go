// Package metrics implements the performance-metrics collector: named
// numeric samples with tags, rolling window statistics, and threshold
// alerts with their own cooldown gating, independent of the alerting
// system's dispatch path.
package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/superchat/monitoring/internal/errortracker"
)

// Conventional metric names used by the typed emitters.
const (
	MetricAPIResponseTime      = "api_response_time"
	MetricGenerationTime       = "generation_time"
	MetricDatabaseQueryTime    = "database_query_time"
	MetricMemoryUsage          = "memory_usage"
	MetricCPUUsage             = "cpu_usage"
	MetricWebSocketConnections = "websocket_connections"
	MetricErrorRate            = "error_rate"
)

// Samples older than this are pruned on every record call. Deliberately
// hard-coded and independent of the logging retention setting.
const retention = time.Hour

// Cooldown between threshold alert dispatches for the same metric key.
const alertCooldown = 5 * time.Minute

// Metric is one recorded sample.
type Metric struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// Threshold holds the warning/critical levels for one metric name.
type Threshold struct {
	Warning  float64
	Critical float64
	Unit     string
}

// NameStats are the rolling statistics for one metric name.
type NameStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Collector records samples and checks them against configured
// thresholds. Threshold breaches notify the error tracker directly; they
// do not go through the alerting system.
type Collector struct {
	logger     *zap.Logger
	tracker    errortracker.Tracker
	registry   *Registry
	thresholds map[string]Threshold

	mu         sync.Mutex
	samples    []Metric
	lastAlerts map[string]time.Time

	now func() time.Time
}

func NewCollector(thresholds map[string]Threshold, logger *zap.Logger, tracker errortracker.Tracker, registry *Registry) *Collector {
	if tracker == nil {
		tracker = errortracker.NopTracker{}
	}
	if thresholds == nil {
		thresholds = map[string]Threshold{}
	}
	return &Collector{
		logger:     logger,
		tracker:    tracker,
		registry:   registry,
		thresholds: thresholds,
		lastAlerts: make(map[string]time.Time),
		now:        time.Now,
	}
}

// RecordMetric stores a sample, evaluates its threshold, and prunes
// samples past the retention window.
func (c *Collector) RecordMetric(ctx context.Context, name string, value float64, unit string, tags map[string]string, metadata map[string]any) Metric {
	m := Metric{
		ID:        uuid.New().String(),
		Name:      name,
		Value:     value,
		Unit:      unit,
		Timestamp: c.now(),
		Tags:      tags,
		Metadata:  metadata,
	}

	c.mu.Lock()
	c.samples = append(c.samples, m)
	c.pruneLocked()
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.Record(ctx, m)
	}
	c.checkThreshold(m)
	return m
}

// MeasureExecutionTime times fn and records exactly one sample whether it
// succeeds or fails. A failure is tagged error:"true" and the original
// error is returned unchanged.
func (c *Collector) MeasureExecutionTime(ctx context.Context, name string, fn func(context.Context) error, tags map[string]string) error {
	start := c.now()
	err := fn(ctx)
	elapsed := float64(c.now().Sub(start)) / float64(time.Millisecond)

	recorded := cloneTags(tags)
	if err != nil {
		recorded["error"] = "true"
	}
	c.RecordMetric(ctx, name, elapsed, "ms", recorded, nil)
	return err
}

// MeasureSyncExecutionTime is MeasureExecutionTime for plain functions.
func (c *Collector) MeasureSyncExecutionTime(name string, fn func() error, tags map[string]string) error {
	return c.MeasureExecutionTime(context.Background(), name, func(context.Context) error {
		return fn()
	}, tags)
}

// RecordMemoryUsage samples system memory via gopsutil, with runtime heap
// stats as metadata.
func (c *Collector) RecordMemoryUsage(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	metadata := map[string]any{
		"heap_alloc_mb": ms.HeapAlloc / 1024 / 1024,
		"heap_sys_mb":   ms.HeapSys / 1024 / 1024,
		"gc_runs":       ms.NumGC,
	}

	usedPercent := float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	if vm, err := mem.VirtualMemory(); err == nil {
		usedPercent = vm.UsedPercent
		metadata["system_total_mb"] = vm.Total / 1024 / 1024
		metadata["system_used_mb"] = vm.Used / 1024 / 1024
	}

	c.RecordMetric(ctx, MetricMemoryUsage, usedPercent, "%", nil, metadata)
}

// RecordCPUUsage samples CPU utilization via gopsutil.
func (c *Collector) RecordCPUUsage(ctx context.Context) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		c.logger.Debug("CPU sample unavailable", zap.Error(err))
		return
	}
	c.RecordMetric(ctx, MetricCPUUsage, percents[0], "%", nil, nil)
}

// RecordAPIResponseTime records a request timing tagged with its route.
func (c *Collector) RecordAPIResponseTime(ctx context.Context, endpoint, method string, duration time.Duration, statusCode int) {
	c.RecordMetric(ctx, MetricAPIResponseTime, float64(duration)/float64(time.Millisecond), "ms",
		map[string]string{
			"endpoint": endpoint,
			"method":   method,
			"status":   fmt.Sprintf("%d", statusCode),
		}, nil)
}

// RecordGenerationTime records an AI generation timing (image/video/script).
func (c *Collector) RecordGenerationTime(ctx context.Context, kind string, duration time.Duration) {
	c.RecordMetric(ctx, MetricGenerationTime, float64(duration)/float64(time.Millisecond), "ms",
		map[string]string{"kind": kind}, nil)
}

// RecordDatabaseQueryTime records a query timing.
func (c *Collector) RecordDatabaseQueryTime(ctx context.Context, operation string, duration time.Duration) {
	c.RecordMetric(ctx, MetricDatabaseQueryTime, float64(duration)/float64(time.Millisecond), "ms",
		map[string]string{"operation": operation}, nil)
}

// RecordWebSocketConnections records the current connection count.
func (c *Collector) RecordWebSocketConnections(ctx context.Context, count int) {
	c.RecordMetric(ctx, MetricWebSocketConnections, float64(count), "count", nil, nil)
}

// RecordErrorRate records an observed error-rate percentage for a scope.
func (c *Collector) RecordErrorRate(ctx context.Context, percent float64, scope string) {
	c.RecordMetric(ctx, MetricErrorRate, percent, "%",
		map[string]string{"scope": scope}, nil)
}

// GetStats computes per-name statistics over samples inside the window.
// Everything is recomputed from raw samples on each call; the retention
// cap keeps that cheap.
func (c *Collector) GetStats(window time.Duration) map[string]NameStats {
	cutoff := c.now().Add(-window)

	c.mu.Lock()
	grouped := make(map[string][]float64)
	for _, m := range c.samples {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		grouped[m.Name] = append(grouped[m.Name], m.Value)
	}
	c.mu.Unlock()

	out := make(map[string]NameStats, len(grouped))
	for name, values := range grouped {
		sort.Float64s(values)

		stats := NameStats{
			Count: len(values),
			Min:   values[0],
			Max:   values[len(values)-1],
			P95:   percentile(values, 0.95),
			P99:   percentile(values, 0.99),
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		stats.Avg = sum / float64(len(values))
		out[name] = stats
	}
	return out
}

// GetMetricsByName returns raw samples for one name inside the window.
func (c *Collector) GetMetricsByName(name string, window time.Duration) []Metric {
	cutoff := c.now().Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Metric
	for _, m := range c.samples {
		if m.Name == name && !m.Timestamp.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// percentile is nearest-rank on an ascending-sorted slice. The index
// floor(count*p) is clamped to the last element for small samples.
func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (c *Collector) checkThreshold(m Metric) {
	threshold, ok := c.thresholds[m.Name]
	if !ok {
		return
	}

	var level string
	var limit float64
	switch {
	case m.Value >= threshold.Critical:
		level = "critical"
		limit = threshold.Critical
	case m.Value >= threshold.Warning:
		level = "warning"
		limit = threshold.Warning
	default:
		return
	}

	scope := "global"
	if endpoint, ok := m.Tags["endpoint"]; ok && endpoint != "" {
		scope = endpoint
	}
	key := m.Name + "_" + scope

	c.mu.Lock()
	last, seen := c.lastAlerts[key]
	if seen && c.now().Sub(last) < alertCooldown {
		c.mu.Unlock()
		return
	}
	c.lastAlerts[key] = c.now()
	c.mu.Unlock()

	trackerLevel := errortracker.LevelWarning
	if level == "critical" {
		trackerLevel = errortracker.LevelError
	}
	c.tracker.CaptureMessage(trackerLevel,
		fmt.Sprintf("Metric %s breached %s threshold: %.2f%s (limit %.2f%s)",
			m.Name, level, m.Value, m.Unit, limit, threshold.Unit),
		map[string]string{"metric": m.Name, "scope": scope, "level": level},
		map[string]any{"value": m.Value, "warning": threshold.Warning, "critical": threshold.Critical},
	)

	c.logger.Warn("Metric threshold exceeded",
		zap.String("metric", m.Name),
		zap.String("level", level),
		zap.Float64("value", m.Value),
		zap.Float64("limit", limit),
		zap.String("scope", scope),
	)
}

// pruneLocked drops samples older than the retention window. Caller holds
// the mutex.
func (c *Collector) pruneLocked() {
	cutoff := c.now().Add(-retention)
	kept := c.samples[:0]
	for _, m := range c.samples {
		if !m.Timestamp.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	c.samples = kept
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	return out
}

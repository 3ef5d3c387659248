package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry mirrors recorded samples into OpenTelemetry instruments so an
// attached meter provider can export them. The collector remains the
// source of truth for windowed stats; the registry is a write-through.
type Registry struct {
	meter metric.Meter

	APIResponseTime   metric.Float64Histogram
	GenerationTime    metric.Float64Histogram
	DatabaseQueryTime metric.Float64Histogram
	SamplesTotal      metric.Int64Counter

	WebSocketConnections metric.Int64ObservableGauge
	ErrorRate            metric.Float64ObservableGauge

	mu            sync.RWMutex
	wsConnections int64
	errorRate     float64
}

func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{meter: meter}

	var err error
	r.APIResponseTime, err = meter.Float64Histogram(
		"superchat.api.response_time",
		metric.WithDescription("API response time in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000),
	)
	if err != nil {
		return nil, err
	}

	r.GenerationTime, err = meter.Float64Histogram(
		"superchat.generation.duration",
		metric.WithDescription("AI generation duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 15000, 30000, 60000, 120000),
	)
	if err != nil {
		return nil, err
	}

	r.DatabaseQueryTime, err = meter.Float64Histogram(
		"superchat.db.query_duration",
		metric.WithDescription("Database query duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500, 2000),
	)
	if err != nil {
		return nil, err
	}

	r.SamplesTotal, err = meter.Int64Counter(
		"superchat.metrics.samples_total",
		metric.WithDescription("Total number of recorded metric samples"),
	)
	if err != nil {
		return nil, err
	}

	r.WebSocketConnections, err = meter.Int64ObservableGauge(
		"superchat.websocket.connections",
		metric.WithDescription("Current websocket connection count"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.wsConnections)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	r.ErrorRate, err = meter.Float64ObservableGauge(
		"superchat.api.error_rate",
		metric.WithDescription("Observed error rate percentage"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.errorRate)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Record routes a sample into the matching instrument.
func (r *Registry) Record(ctx context.Context, m Metric) {
	attrs := make([]attribute.KeyValue, 0, len(m.Tags))
	for k, v := range m.Tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	opt := metric.WithAttributes(attrs...)

	r.SamplesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("name", m.Name)))

	switch m.Name {
	case MetricAPIResponseTime:
		r.APIResponseTime.Record(ctx, m.Value, opt)
	case MetricGenerationTime:
		r.GenerationTime.Record(ctx, m.Value, opt)
	case MetricDatabaseQueryTime:
		r.DatabaseQueryTime.Record(ctx, m.Value, opt)
	case MetricWebSocketConnections:
		r.mu.Lock()
		r.wsConnections = int64(m.Value)
		r.mu.Unlock()
	case MetricErrorRate:
		r.mu.Lock()
		r.errorRate = m.Value
		r.mu.Unlock()
	}
}

// Package errortracker abstracts the external error-tracking service
// (Sentry-shaped). The monitoring subsystems treat it as an opaque sink:
// capture calls are best-effort and never return errors to the caller.
package errortracker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the severity attached to a captured event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// Event is the payload forwarded to the tracking service.
type Event struct {
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Context   map[string]any    `json:"context,omitempty"`
}

// Tracker forwards events to an external error-tracking service.
type Tracker interface {
	CaptureMessage(level Level, message string, tags map[string]string, extra map[string]any)
	CaptureError(err error, tags map[string]string, extra map[string]any)
}

// NopTracker discards everything.
type NopTracker struct{}

func (NopTracker) CaptureMessage(Level, string, map[string]string, map[string]any) {}
func (NopTracker) CaptureError(error, map[string]string, map[string]any)           {}

// HTTPTracker posts events to a configured ingest endpoint with bearer-token
// auth. Delivery failures are logged and dropped.
type HTTPTracker struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *zap.Logger
}

func NewHTTPTracker(endpoint, token string, logger *zap.Logger) *HTTPTracker {
	return &HTTPTracker{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

func (t *HTTPTracker) CaptureMessage(level Level, message string, tags map[string]string, extra map[string]any) {
	t.send(Event{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Tags:      tags,
		Context:   extra,
	})
}

func (t *HTTPTracker) CaptureError(err error, tags map[string]string, extra map[string]any) {
	t.send(Event{
		Level:     LevelError,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		Tags:      tags,
		Context:   extra,
	})
}

func (t *HTTPTracker) send(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		t.logger.Error("Failed to marshal tracker event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		t.logger.Error("Failed to build tracker request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("Tracker delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// Recorder is an in-memory Tracker used by tests to assert on captures.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) CaptureMessage(level Level, message string, tags map[string]string, extra map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Tags:      tags,
		Context:   extra,
	})
}

func (r *Recorder) CaptureError(err error, tags map[string]string, extra map[string]any) {
	r.CaptureMessage(LevelError, err.Error(), tags, extra)
}

// Events returns a copy of all captured events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

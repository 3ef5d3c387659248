package logging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is an ordered log severity: Debug < Info < Warn < Error < Fatal.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*l = ParseLevel(s)
	return nil
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Context carries the structured fields attached to a log entry.
type Context struct {
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Component string            `json:"component,omitempty"`
	Action    string            `json:"action,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// ErrorInfo is a snapshot of an error attached to an entry.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// PerformanceInfo is an optional runtime snapshot attached to an entry.
type PerformanceInfo struct {
	Duration   time.Duration `json:"duration"`
	MemoryMB   float64       `json:"memory_mb,omitempty"`
	CPUPercent float64       `json:"cpu_percent,omitempty"`
}

// Entry is an immutable structured log record.
type Entry struct {
	Timestamp   time.Time        `json:"timestamp"`
	Level       Level            `json:"level"`
	Message     string           `json:"message"`
	Context     Context          `json:"context"`
	Error       *ErrorInfo       `json:"error,omitempty"`
	Performance *PerformanceInfo `json:"performance,omitempty"`
}

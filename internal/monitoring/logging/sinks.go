package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// consoleSink renders entries to a writer using zapcore encoders: one
// JSON object per line, or the human-readable console layout.
type consoleSink struct {
	mu  sync.Mutex
	enc zapcore.Encoder
	out io.Writer
}

func newConsoleSink(out io.Writer, jsonFormat bool) *consoleSink {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return &consoleSink{enc: enc, out: out}
}

func (s *consoleSink) write(e Entry) error {
	fields := entryFields(e)

	zapEntry := zapcore.Entry{
		Level:   zapLevel(e.Level),
		Time:    e.Timestamp,
		Message: e.Message,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := s.enc.EncodeEntry(zapEntry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	_, err = s.out.Write(buf.Bytes())
	return err
}

func entryFields(e Entry) []zapcore.Field {
	var fields []zapcore.Field
	if e.Context.Component != "" {
		fields = append(fields, zap.String("component", e.Context.Component))
	}
	if e.Context.Action != "" {
		fields = append(fields, zap.String("action", e.Context.Action))
	}
	if e.Context.UserID != "" {
		fields = append(fields, zap.String("user_id", e.Context.UserID))
	}
	if e.Context.SessionID != "" {
		fields = append(fields, zap.String("session_id", e.Context.SessionID))
	}
	if e.Context.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.Context.RequestID))
	}
	if e.Context.Duration > 0 {
		fields = append(fields, zap.Duration("duration", e.Context.Duration))
	}
	if len(e.Context.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", e.Context.Metadata))
	}
	if len(e.Context.Tags) > 0 {
		fields = append(fields, zap.Any("tags", e.Context.Tags))
	}
	if e.Error != nil {
		fields = append(fields,
			zap.String("error_name", e.Error.Name),
			zap.String("error_message", e.Error.Message),
		)
		if e.Error.Code != "" {
			fields = append(fields, zap.String("error_code", e.Error.Code))
		}
	}
	return fields
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// remoteSink ships entry batches to a remote log endpoint. Delivery is
// at-most-once: failed batches are dropped, never re-queued. A circuit
// breaker keeps a dead endpoint from being hammered every flush.
type remoteSink struct {
	endpoint string
	token    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

type remotePayload struct {
	Logs []Entry `json:"logs"`
}

func newRemoteSink(endpoint, token string, logger *zap.Logger) *remoteSink {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote-log-sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &remoteSink{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  breaker,
		logger:   logger,
	}
}

func (s *remoteSink) send(entries []Entry) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.post(entries)
	})
	return err
}

func (s *remoteSink) post(entries []Entry) error {
	body, err := json.Marshal(remotePayload{Logs: entries})
	if err != nil {
		return fmt.Errorf("marshaling log batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building log batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("remote log endpoint returned %d", resp.StatusCode)
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Alerting   AlertingConfig   `koanf:"alerting"`
	Health     HealthConfig     `koanf:"health"`
	Middleware MiddlewareConfig `koanf:"middleware"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	MinLevel            string        `koanf:"min_level"`
	ConsoleEnabled      bool          `koanf:"console_enabled"`
	ConsoleJSON         bool          `koanf:"console_json"`
	RemoteEnabled       bool          `koanf:"remote_enabled"`
	RemoteEndpoint      string        `koanf:"remote_endpoint" validate:"omitempty,url"`
	RemoteToken         string        `koanf:"remote_token"`
	ErrorTrackerEnabled bool          `koanf:"error_tracker_enabled"`
	FlushInterval       time.Duration `koanf:"flush_interval"`
	MaxEntries          int           `koanf:"max_entries" validate:"min=1"`
	RetentionDays       int           `koanf:"retention_days" validate:"min=1"`
	SensitiveFields     []string      `koanf:"sensitive_fields"`
}

type MetricsConfig struct {
	Thresholds map[string]ThresholdConfig `koanf:"thresholds"`
}

// ThresholdConfig mirrors a per-metric alert threshold. Critical is
// expected to be >= Warning.
type ThresholdConfig struct {
	Warning  float64 `koanf:"warning"`
	Critical float64 `koanf:"critical"`
	Unit     string  `koanf:"unit"`
}

type AlertingConfig struct {
	DefaultCooldown        time.Duration            `koanf:"default_cooldown"`
	Cooldowns              map[string]time.Duration `koanf:"cooldowns"`
	NotificationsPerSecond float64                  `koanf:"notifications_per_second"`
	NotificationBurst      int                      `koanf:"notification_burst"`

	Slack   SlackChannelConfig   `koanf:"slack"`
	Email   EmailChannelConfig   `koanf:"email"`
	Webhook WebhookChannelConfig `koanf:"webhook"`
	Tracker TrackerChannelConfig `koanf:"tracker"`
}

type SlackChannelConfig struct {
	Enabled    bool   `koanf:"enabled"`
	WebhookURL string `koanf:"webhook_url" validate:"omitempty,url"`
}

type EmailChannelConfig struct {
	Enabled    bool     `koanf:"enabled"`
	SESEnabled bool     `koanf:"ses_enabled"`
	Region     string   `koanf:"region"`
	From       string   `koanf:"from" validate:"omitempty,email"`
	To         []string `koanf:"to" validate:"dive,email"`
}

type WebhookChannelConfig struct {
	Enabled bool              `koanf:"enabled"`
	URL     string            `koanf:"url" validate:"omitempty,url"`
	Headers map[string]string `koanf:"headers"`
}

type TrackerChannelConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
	Token    string `koanf:"token"`
}

type HealthConfig struct {
	CheckInterval      time.Duration `koanf:"check_interval"`
	CheckTimeout       time.Duration `koanf:"check_timeout"`
	EnabledChecks      []string      `koanf:"enabled_checks"`
	DegradedThreshold  int           `koanf:"degraded_threshold" validate:"min=1"`
	UnhealthyThreshold int           `koanf:"unhealthy_threshold" validate:"min=1"`
	ExternalURLs       []string      `koanf:"external_urls" validate:"dive,url"`
	WebSocketURL       string        `koanf:"websocket_url"`
	DatabaseURL        string        `koanf:"database_url"`
	RedisURL           string        `koanf:"redis_url"`
	DiskPath           string        `koanf:"disk_path"`
}

type MiddlewareConfig struct {
	ExcludedPaths        []string      `koanf:"excluded_paths"`
	ExcludedMethods      []string      `koanf:"excluded_methods"`
	SlowRequestThreshold time.Duration `koanf:"slow_request_threshold"`
	ErrorRateThreshold   float64       `koanf:"error_rate_threshold"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			MinLevel:        "info",
			ConsoleEnabled:  true,
			ConsoleJSON:     false,
			FlushInterval:   5 * time.Second,
			MaxEntries:      10000,
			RetentionDays:   7,
			SensitiveFields: []string{"password", "token", "secret", "apiKey", "authorization"},
		},
		Metrics: MetricsConfig{
			Thresholds: map[string]ThresholdConfig{
				"api_response_time":   {Warning: 1000, Critical: 3000, Unit: "ms"},
				"generation_time":     {Warning: 30000, Critical: 60000, Unit: "ms"},
				"database_query_time": {Warning: 500, Critical: 2000, Unit: "ms"},
				"memory_usage":        {Warning: 75, Critical: 90, Unit: "%"},
				"cpu_usage":           {Warning: 70, Critical: 85, Unit: "%"},
				"error_rate":          {Warning: 5, Critical: 10, Unit: "%"},
			},
		},
		Alerting: AlertingConfig{
			DefaultCooldown:        10 * time.Minute,
			NotificationsPerSecond: 50,
			NotificationBurst:      100,
			Cooldowns: map[string]time.Duration{
				"service_down":    5 * time.Minute,
				"high_error_rate": 10 * time.Minute,
				"slow_request":    15 * time.Minute,
			},
		},
		Health: HealthConfig{
			CheckInterval:      time.Minute,
			CheckTimeout:       10 * time.Second,
			EnabledChecks:      []string{"database", "external-apis", "memory", "disk-space", "websocket"},
			DegradedThreshold:  2,
			UnhealthyThreshold: 1,
			DiskPath:           "/",
		},
		Middleware: MiddlewareConfig{
			ExcludedPaths:        []string{"/healthz", "/readyz", "/metrics", "/favicon.ico"},
			ExcludedMethods:      []string{"OPTIONS", "HEAD"},
			SlowRequestThreshold: 5 * time.Second,
			ErrorRateThreshold:   10,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else {
		// Default config file is optional.
		_ = k.Load(file.Provider("configs/config.yaml"), yaml.Parser())
	}

	if err := k.Load(env.Provider("SUPERCHAT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "SUPERCHAT_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

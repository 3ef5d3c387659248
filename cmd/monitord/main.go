package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/superchat/monitoring/internal/api/middleware"
	"github.com/superchat/monitoring/internal/api/rest"
	"github.com/superchat/monitoring/internal/errortracker"
	"github.com/superchat/monitoring/internal/infrastructure/config"
	"github.com/superchat/monitoring/internal/infrastructure/telemetry"
	"github.com/superchat/monitoring/internal/monitoring/alerting"
	"github.com/superchat/monitoring/internal/monitoring/health"
	"github.com/superchat/monitoring/internal/monitoring/logging"
	"github.com/superchat/monitoring/internal/monitoring/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("monitord exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracker errortracker.Tracker = errortracker.NopTracker{}
	if cfg.Alerting.Tracker.Enabled && cfg.Alerting.Tracker.Endpoint != "" {
		tracker = errortracker.NewHTTPTracker(cfg.Alerting.Tracker.Endpoint, cfg.Alerting.Tracker.Token, logger)
	}

	logs := logging.New(logging.Config{
		MinLevel:            logging.ParseLevel(cfg.Logging.MinLevel),
		ConsoleEnabled:      cfg.Logging.ConsoleEnabled,
		ConsoleJSON:         cfg.Logging.ConsoleJSON,
		RemoteEnabled:       cfg.Logging.RemoteEnabled,
		RemoteEndpoint:      cfg.Logging.RemoteEndpoint,
		RemoteToken:         cfg.Logging.RemoteToken,
		ErrorTrackerEnabled: cfg.Logging.ErrorTrackerEnabled,
		FlushInterval:       cfg.Logging.FlushInterval,
		MaxEntries:          cfg.Logging.MaxEntries,
		RetentionDays:       cfg.Logging.RetentionDays,
		SensitiveFields:     cfg.Logging.SensitiveFields,
	}, logger, tracker)
	logs.Start()
	defer logs.Stop()

	registry, err := metrics.NewRegistry("superchat.monitoring")
	if err != nil {
		return err
	}
	collector := metrics.NewCollector(thresholds(cfg.Metrics), logger, tracker, registry)

	channels := []alerting.Channel{
		alerting.NewSlackChannel(cfg.Alerting.Slack.WebhookURL, cfg.Alerting.Slack.Enabled),
		alerting.NewEmailChannel(alerting.EmailConfig{
			SESEnabled: cfg.Alerting.Email.SESEnabled,
			Region:     cfg.Alerting.Email.Region,
			From:       cfg.Alerting.Email.From,
			To:         cfg.Alerting.Email.To,
		}, cfg.Alerting.Email.Enabled, logger),
		alerting.NewWebhookChannel(cfg.Alerting.Webhook.URL, cfg.Alerting.Webhook.Headers, cfg.Alerting.Webhook.Enabled),
		alerting.NewTrackerChannel(tracker, cfg.Alerting.Tracker.Enabled),
	}
	alerts := alerting.New(alerting.Config{
		Cooldowns:              cooldowns(cfg.Alerting),
		DefaultCooldown:        cfg.Alerting.DefaultCooldown,
		NotificationsPerSecond: cfg.Alerting.NotificationsPerSecond,
		NotificationBurst:      cfg.Alerting.NotificationBurst,
	}, channels, defaultEscalationRules(), logger, tracker)

	monitor := health.NewMonitor(health.Config{
		CheckInterval:      cfg.Health.CheckInterval,
		CheckTimeout:       cfg.Health.CheckTimeout,
		EnabledChecks:      cfg.Health.EnabledChecks,
		DegradedThreshold:  cfg.Health.DegradedThreshold,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		Version:            cfg.Version,
		Environment:        cfg.Environment,
	}, logger, alerts)
	registerProbes(ctx, monitor, cfg.Health, logger)
	monitor.Start()
	defer monitor.Stop()

	promRegistry := prometheus.NewRegistry()
	monitoring := middleware.New(middleware.Config{
		ExcludedPathPrefixes: cfg.Middleware.ExcludedPaths,
		ExcludedMethods:      cfg.Middleware.ExcludedMethods,
		SlowRequestThreshold: cfg.Middleware.SlowRequestThreshold,
		ErrorRateThreshold:   cfg.Middleware.ErrorRateThreshold,
	}, logs, collector, alerts, logger, promRegistry)
	monitoring.Start()
	defer monitoring.Stop()

	server := rest.NewServer(cfg.Server, logs, collector, alerts, monitor, monitoring, promRegistry, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		return server.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func thresholds(cfg config.MetricsConfig) map[string]metrics.Threshold {
	out := make(map[string]metrics.Threshold, len(cfg.Thresholds))
	for name, t := range cfg.Thresholds {
		out[name] = metrics.Threshold{Warning: t.Warning, Critical: t.Critical, Unit: t.Unit}
	}
	return out
}

func cooldowns(cfg config.AlertingConfig) map[alerting.Type]time.Duration {
	out := make(map[alerting.Type]time.Duration, len(cfg.Cooldowns))
	for name, d := range cfg.Cooldowns {
		out[alerting.Type(name)] = d
	}
	return out
}

func defaultEscalationRules() []alerting.EscalationRule {
	return []alerting.EscalationRule{
		{
			AlertType: alerting.TypeServiceDown,
			Severity:  alerting.SeverityCritical,
			Count:     3,
			Window:    15 * time.Minute,
			Actions:   []string{"page-oncall", "notify-engineering-lead"},
		},
		{
			AlertType: alerting.TypeHighErrorRate,
			Severity:  alerting.SeverityError,
			Count:     5,
			Window:    30 * time.Minute,
			Actions:   []string{"notify-oncall"},
		},
	}
}

func registerProbes(ctx context.Context, monitor *health.Monitor, cfg config.HealthConfig, logger *zap.Logger) {
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("Failed to create database pool, using placeholder probe", zap.Error(err))
			pool = nil
		}
	}
	monitor.RegisterCheck("database", health.DatabaseProbe(pool))
	monitor.RegisterCheck("external-apis", health.ExternalAPIsProbe(cfg.ExternalURLs, &http.Client{Timeout: 5 * time.Second}))
	monitor.RegisterCheck("memory", health.MemoryProbe())
	monitor.RegisterCheck("disk-space", health.DiskProbe(cfg.DiskPath))
	monitor.RegisterCheck("websocket", health.WebSocketProbe(cfg.WebSocketURL))

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("Invalid redis URL, skipping redis probe", zap.Error(err))
			return
		}
		monitor.RegisterCheck("redis", health.RedisProbe(redis.NewClient(opts)))
	}
}

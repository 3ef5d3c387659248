package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/superchat/monitoring/internal/errortracker"
)

// Channel is one notification target. Each channel's Send is isolated by
// the dispatcher: a failure never blocks sibling channels.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert Alert) error
}

// SlackChannel posts the documented {text, attachments} payload to an
// incoming-webhook URL.
type SlackChannel struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

func NewSlackChannel(webhookURL string, enabled bool) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		enabled:    enabled && webhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *SlackChannel) Name() string  { return "slack" }
func (c *SlackChannel) Enabled() bool { return c.enabled }

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (c *SlackChannel) Send(ctx context.Context, alert Alert) error {
	payload := slackPayload{
		Text: fmt.Sprintf("%s %s: %s", severityEmoji(alert.Severity), strings.ToUpper(string(alert.Severity)), alert.Title),
		Attachments: []slackAttachment{{
			Color: severityColor(alert.Severity),
			Fields: []slackField{
				{Title: "Type", Value: string(alert.Type), Short: true},
				{Title: "Source", Value: alert.Source, Short: true},
				{Title: "Message", Value: alert.Message, Short: false},
				{Title: "Time", Value: alert.Timestamp.UTC().Format(time.RFC3339), Short: true},
			},
		}},
	}
	return postJSON(ctx, c.client, c.webhookURL, nil, payload)
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "#e01e5a"
	case SeverityError:
		return "#e8912d"
	case SeverityWarning:
		return "#ecb22e"
	default:
		return "#36c5f0"
	}
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return ":rotating_light:"
	case SeverityError:
		return ":x:"
	case SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// WebhookChannel posts the raw alert JSON with configured headers.
type WebhookChannel struct {
	url     string
	headers map[string]string
	enabled bool
	client  *http.Client
}

func NewWebhookChannel(url string, headers map[string]string, enabled bool) *WebhookChannel {
	return &WebhookChannel{
		url:     url,
		headers: headers,
		enabled: enabled && url != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string  { return "webhook" }
func (c *WebhookChannel) Enabled() bool { return c.enabled }

func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, c.client, c.url, c.headers, alert)
}

// EmailChannel sends alert mail through SES when explicitly enabled;
// otherwise it only logs the intent, which keeps local and test setups
// free of AWS credentials.
type EmailChannel struct {
	cfg     EmailConfig
	ses     *sesv2.Client
	logger  *zap.Logger
	enabled bool
}

type EmailConfig struct {
	SESEnabled bool
	Region     string
	From       string
	To         []string
}

func NewEmailChannel(cfg EmailConfig, enabled bool, logger *zap.Logger) *EmailChannel {
	c := &EmailChannel{cfg: cfg, logger: logger, enabled: enabled}
	if cfg.SESEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region))
		if err != nil {
			logger.Error("Failed to load AWS config for SES email channel, falling back to stub",
				zap.Error(err))
		} else {
			c.ses = sesv2.NewFromConfig(awsCfg)
		}
	}
	return c
}

func (c *EmailChannel) Name() string  { return "email" }
func (c *EmailChannel) Enabled() bool { return c.enabled }

func (c *EmailChannel) Send(ctx context.Context, alert Alert) error {
	if c.ses == nil {
		c.logger.Info("Email alert (stub)",
			zap.String("alert_id", alert.ID),
			zap.String("severity", string(alert.Severity)),
			zap.String("title", alert.Title),
			zap.Strings("to", c.cfg.To),
		)
		return nil
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	body := fmt.Sprintf("%s\n\nType: %s\nSource: %s\nTime: %s\n",
		alert.Message, alert.Type, alert.Source, alert.Timestamp.UTC().Format(time.RFC3339))

	_, err := c.ses.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: &c.cfg.From,
		Destination:      &sestypes.Destination{ToAddresses: c.cfg.To},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: &subject},
				Body:    &sestypes.Body{Text: &sestypes.Content{Data: &body}},
			},
		},
	})
	return err
}

// TrackerChannel captures alerts into the error-tracking sink at a
// severity-mapped level.
type TrackerChannel struct {
	tracker errortracker.Tracker
	enabled bool
}

func NewTrackerChannel(tracker errortracker.Tracker, enabled bool) *TrackerChannel {
	return &TrackerChannel{tracker: tracker, enabled: enabled}
}

func (c *TrackerChannel) Name() string  { return "tracker" }
func (c *TrackerChannel) Enabled() bool { return c.enabled }

func (c *TrackerChannel) Send(_ context.Context, alert Alert) error {
	c.tracker.CaptureMessage(trackerLevel(alert.Severity), alert.Title,
		map[string]string{
			"alert_id":   alert.ID,
			"alert_type": string(alert.Type),
			"severity":   string(alert.Severity),
			"source":     alert.Source,
		},
		map[string]any{"message": alert.Message, "tags": alert.Tags},
	)
	return nil
}

func trackerLevel(s Severity) errortracker.Level {
	switch s {
	case SeverityCritical:
		return errortracker.LevelFatal
	case SeverityError:
		return errortracker.LevelError
	case SeverityWarning:
		return errortracker.LevelWarning
	default:
		return errortracker.LevelInfo
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/patchplane/patchplane/pkg/config"
	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// LogSink writes alerts to the structured log. Useful as the always-on
// baseline sink.
type LogSink struct {
	minSeverity models.AlertSeverity
	logger      *logger.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(minSeverity models.AlertSeverity, log *logger.Logger) *LogSink {
	return &LogSink{
		minSeverity: minSeverity,
		logger:      log.WithComponent("alert-sink-log"),
	}
}

// Kind implements Sink.
func (s *LogSink) Kind() string { return "log" }

// MinSeverity implements Sink.
func (s *LogSink) MinSeverity() models.AlertSeverity { return s.minSeverity }

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, alert *models.Alert) error {
	fields := []any{
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"title", alert.Title,
		"message", alert.Message,
	}
	if alert.DeploymentID != nil {
		fields = append(fields, "deployment_id", *alert.DeploymentID)
	}

	switch models.AlertSeverity(alert.Severity) {
	case models.AlertSeverityCritical, models.AlertSeverityError:
		s.logger.Error("alert", fields...)
	case models.AlertSeverityWarning:
		s.logger.Warn("alert", fields...)
	default:
		s.logger.Info("alert", fields...)
	}
	return nil
}

// WebhookSink POSTs alerts as JSON to a configured endpoint, signing the
// payload with HMAC-SHA256 when a secret is set.
type WebhookSink struct {
	url         string
	secret      string
	minSeverity models.AlertSeverity
	client      *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, secret string, minSeverity models.AlertSeverity) *WebhookSink {
	return &WebhookSink{
		url:         url,
		secret:      secret,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Kind implements Sink.
func (s *WebhookSink) Kind() string { return "webhook" }

// MinSeverity implements Sink.
func (s *WebhookSink) MinSeverity() models.AlertSeverity { return s.minSeverity }

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, alert *models.Alert) error {
	if s.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PP-Severity", alert.Severity)

	if s.secret != "" {
		req.Header.Set("X-PP-Signature", s.sign(payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sign computes the HMAC-SHA256 signature for a webhook payload.
func (s *WebhookSink) sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(s.secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// EmailSink sends alerts over SMTP.
type EmailSink struct {
	cfg         config.NotificationConfig
	minSeverity models.AlertSeverity
}

// NewEmailSink creates an email sink.
func NewEmailSink(cfg config.NotificationConfig, minSeverity models.AlertSeverity) *EmailSink {
	return &EmailSink{cfg: cfg, minSeverity: minSeverity}
}

// Kind implements Sink.
func (s *EmailSink) Kind() string { return "email" }

// MinSeverity implements Sink.
func (s *EmailSink) MinSeverity() models.AlertSeverity { return s.minSeverity }

// Deliver implements Sink.
func (s *EmailSink) Deliver(ctx context.Context, alert *models.Alert) error {
	if s.cfg.SMTPHost == "" || len(s.cfg.EmailRecipients) == 0 {
		return fmt.Errorf("email not configured")
	}

	subject := fmt.Sprintf("[patchplane] %s: %s", strings.ToUpper(alert.Severity), alert.Title)

	msg := fmt.Sprintf("From: %s\r\n", s.cfg.EmailFrom)
	msg += fmt.Sprintf("To: %s\r\n", strings.Join(s.cfg.EmailRecipients, ","))
	msg += fmt.Sprintf("Subject: %s\r\n", subject)
	msg += "\r\n"
	msg += alert.Message
	if alert.DeploymentID != nil {
		msg += fmt.Sprintf("\r\n\r\nDeployment: %s", *alert.DeploymentID)
	}
	msg += fmt.Sprintf("\r\nCreated: %s\r\n", alert.CreatedAt.Format(time.RFC3339))

	auth := smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	return smtp.SendMail(addr, auth, s.cfg.EmailFrom, s.cfg.EmailRecipients, []byte(msg))
}

// ChatSink posts alerts to a Slack-compatible incoming webhook.
type ChatSink struct {
	webhookURL  string
	channel     string
	minSeverity models.AlertSeverity
	client      *http.Client
}

// NewChatSink creates a chat sink.
func NewChatSink(webhookURL, channel string, minSeverity models.AlertSeverity) *ChatSink {
	return &ChatSink{
		webhookURL:  webhookURL,
		channel:     channel,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Kind implements Sink.
func (s *ChatSink) Kind() string { return "chat" }

// MinSeverity implements Sink.
func (s *ChatSink) MinSeverity() models.AlertSeverity { return s.minSeverity }

// severityColor maps severities onto attachment colors.
func severityColor(severity models.AlertSeverity) string {
	switch severity {
	case models.AlertSeverityCritical:
		return "#FF0000"
	case models.AlertSeverityError:
		return "#E01E5A"
	case models.AlertSeverityWarning:
		return "#FFA500"
	default:
		return "#36A64F"
	}
}

// Deliver implements Sink.
func (s *ChatSink) Deliver(ctx context.Context, alert *models.Alert) error {
	if s.webhookURL == "" {
		return fmt.Errorf("chat webhook URL not configured")
	}

	text := alert.Message
	if alert.DeploymentID != nil {
		text = fmt.Sprintf("%s\n*Deployment:* `%s`", text, *alert.DeploymentID)
	}

	message := map[string]interface{}{
		"channel":  s.channel,
		"username": "patchplane",
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(models.AlertSeverity(alert.Severity)),
				"title":  alert.Title,
				"text":   text,
				"footer": "patchplane deployer",
				"ts":     alert.CreatedAt.Unix(),
			},
		},
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// PagerSink posts alerts to a PagerDuty-style events API.
type PagerSink struct {
	url         string
	routingKey  string
	minSeverity models.AlertSeverity
	client      *http.Client
}

// NewPagerSink creates a pager sink.
func NewPagerSink(url, routingKey string, minSeverity models.AlertSeverity) *PagerSink {
	return &PagerSink{
		url:         url,
		routingKey:  routingKey,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Kind implements Sink.
func (s *PagerSink) Kind() string { return "pager" }

// MinSeverity implements Sink.
func (s *PagerSink) MinSeverity() models.AlertSeverity { return s.minSeverity }

// Deliver implements Sink.
func (s *PagerSink) Deliver(ctx context.Context, alert *models.Alert) error {
	if s.url == "" || s.routingKey == "" {
		return fmt.Errorf("pager not configured")
	}

	event := map[string]interface{}{
		"routing_key":  s.routingKey,
		"event_action": "trigger",
		"dedup_key":    alert.ID.String(),
		"payload": map[string]interface{}{
			"summary":   fmt.Sprintf("%s: %s", alert.Title, alert.Message),
			"severity":  alert.Severity,
			"source":    "patchplane",
			"timestamp": alert.CreatedAt.Format(time.RFC3339),
		},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pager API returned status %d", resp.StatusCode)
	}
	return nil
}

// SinksFromConfig builds the sinks enabled in the notification config. The
// log sink is always included.
func SinksFromConfig(cfg config.NotificationConfig, log *logger.Logger) []Sink {
	sinks := []Sink{NewLogSink(models.AlertSeverityInfo, log)}

	if cfg.WebhookEnabled {
		sinks = append(sinks, NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret, models.AlertSeverityWarning))
	}
	if cfg.EmailEnabled {
		sinks = append(sinks, NewEmailSink(cfg, models.AlertSeverityError))
	}
	if cfg.ChatEnabled {
		sinks = append(sinks, NewChatSink(cfg.ChatWebhookURL, cfg.ChatChannel, models.AlertSeverityWarning))
	}
	if cfg.PagerEnabled {
		sinks = append(sinks, NewPagerSink(cfg.PagerURL, cfg.PagerRoutingKey, models.AlertSeverityCritical))
	}
	return sinks
}

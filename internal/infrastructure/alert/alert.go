// Package alert delivers operational alerts to a webhook. Alerts are fire
// and forget: delivery failure is logged and swallowed, never propagated
// into the sync path that raised the alert.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the webhook payload.
type Alert struct {
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier sends alerts to a configured webhook. A Notifier with an empty
// URL is valid and drops everything, which keeps call sites unconditional.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a new Notifier.
func NewNotifier(webhookURL string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send delivers one alert. Failures are logged, not returned.
func (n *Notifier) Send(ctx context.Context, a Alert) {
	if n.webhookURL == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(a)
	if err != nil {
		n.logger.Error("failed to marshal alert", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build alert request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("alert delivery failed", "title", a.Title, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("alert webhook rejected", "title", a.Title, "status", resp.StatusCode)
	}
}

// Warning sends a warning-severity alert.
func (n *Notifier) Warning(ctx context.Context, title, message string, alertContext map[string]string) {
	n.Send(ctx, Alert{
		Severity: SeverityWarning,
		Title:    title,
		Message:  message,
		Context:  alertContext,
	})
}

// Critical sends a critical-severity alert.
func (n *Notifier) Critical(ctx context.Context, title, message string, alertContext map[string]string) {
	n.Send(ctx, Alert{
		Severity: SeverityCritical,
		Title:    title,
		Message:  message,
		Context:  alertContext,
	})
}

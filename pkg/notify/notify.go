// Package notify delivers deploy/promote/rollback/cleanup outcomes to a
// team's configured channels: a Slack bot (global, operator-configured)
// and/or a per-team webhook URL (spec §3 Team.settings.notification_webhook).
// Both channels are noop when unconfigured rather than an error.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goslack "github.com/slack-go/slack"
)

// Event summarizes one engine outcome for notification purposes.
type Event struct {
	Project     string
	Environment string
	EventType   string // deploy, promote, rollback, cleanup
	FromSlot    string
	ToSlot      string
	Version     string
	Reason      string
	Success     bool
	Error       string
}

func (e Event) text() string {
	status := "succeeded"
	if !e.Success {
		status = "failed"
	}
	msg := fmt.Sprintf("%s %s %s/%s (%s → %s)", e.EventType, status, e.Project, e.Environment, e.FromSlot, e.ToSlot)
	if e.Version != "" {
		msg += fmt.Sprintf(" version=%s", e.Version)
	}
	if e.Reason != "" {
		msg += fmt.Sprintf(" reason=%q", e.Reason)
	}
	if !e.Success && e.Error != "" {
		msg += fmt.Sprintf(" error=%q", e.Error)
	}
	return msg
}

// Notifier sends Event notifications to Slack and/or a webhook.
type Notifier struct {
	client  *goslack.Client
	channel string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a Notifier. If botToken is empty the Slack side is a noop;
// the webhook side is always available per-call via Notify's webhook argument.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// IsSlackEnabled reports whether a Slack bot token and channel are configured.
func (n *Notifier) IsSlackEnabled() bool {
	return n.client != nil && n.channel != ""
}

// Notify delivers ev to Slack (if enabled) and to webhookURL (if
// non-empty, per the owning team's settings). Failures on either
// channel are logged, never returned: notification is best-effort and
// must never fail the engine operation it reports on.
func (n *Notifier) Notify(ctx context.Context, webhookURL string, ev Event) {
	if n.IsSlackEnabled() {
		if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(ev.text(), false)); err != nil {
			n.logger.Warn("posting deploy notification to slack", "error", err, "project", ev.Project, "environment", ev.Environment)
		}
	}

	if webhookURL != "" {
		if err := n.postWebhook(ctx, webhookURL, ev); err != nil {
			n.logger.Warn("posting deploy notification to webhook", "error", err, "project", ev.Project, "environment", ev.Environment)
		}
	}
}

func (n *Notifier) postWebhook(ctx context.Context, url string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

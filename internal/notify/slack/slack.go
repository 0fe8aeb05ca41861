// Package slack delivers routing notifications to stakeholders via Slack
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/engine"
)

const httpTimeout = 10 * time.Second

// Notifier posts notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a routing notification to the configured webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, notif *engine.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(notif)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "notification sent",
		"item_id", notif.ItemID,
		"rule_id", notif.RuleID,
		"stakeholders", len(notif.Stakeholders),
	)
	return nil
}

func buildMessage(notif *engine.Notification) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(notif),
			{"type": "divider"},
			fieldsBlock(notif),
			summaryBlock(notif),
			contextBlock(notif),
		},
	}
}

func headerBlock(notif *engine.Notification) map[string]any {
	text := fmt.Sprintf("%s Routed: %s", priorityEmoji(notif.Priority), notif.ItemTitle)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(notif *engine.Notification) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rule:* %s", notif.RuleName),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s", notif.Priority),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Category:* %s", notif.Category),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Action:* %s", notif.Action),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(notif *engine.Notification) map[string]any {
	text := notif.ItemSummary
	if text == "" {
		text = "_No description provided._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(notif *engine.Notification) map[string]any {
	recipients := strings.Join(notif.Stakeholders, ", ")
	if recipients == "" {
		recipients = "no stakeholders resolved"
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("sift • item %s • to: %s", notif.ItemID, recipients),
			},
		},
	}
}

func priorityEmoji(p engine.Priority) string {
	switch p {
	case engine.PriorityCritical:
		return "\U0001f534" // red circle
	case engine.PriorityHigh:
		return "\U0001f7e0" // orange circle
	case engine.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

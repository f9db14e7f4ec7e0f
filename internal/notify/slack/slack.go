// Package slack posts enrollment failure notices to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/outreach/internal/drip"
)

const (
	maxReasonLen = 3000
	httpTimeout  = 10 * time.Second
)

// Notifier posts halted enrollments to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ drip.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify posts a failure notice for e to the configured webhook.
func (n *Notifier) Notify(ctx context.Context, e *drip.Enrollment) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(e))
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

	n.logger.Info(ctx, "failure notice posted",
		"enrollment_id", e.ID,
		"cause", string(e.Cause),
	)
	return nil
}

func buildMessage(e *drip.Enrollment) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(e),
			{"type": "divider"},
			fieldsBlock(e),
			{"type": "divider"},
			reasonBlock(e),
			{"type": "divider"},
			contextBlock(e),
		},
	}
}

func headerBlock(e *drip.Enrollment) map[string]any {
	text := fmt.Sprintf("%s Sequence halted: %s", causeEmoji(e.Cause), e.SequenceID)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(e *drip.Enrollment) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Contact:* %s", e.ContactID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Cause:* %s", causeLabel(e.Cause)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Step:* %d", e.CurrentStep),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Steps sent:* %d", len(e.StepSentAt)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Attempts:* %d", e.Attempts),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", e.Status),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reasonBlock(e *drip.Enrollment) map[string]any {
	text := truncate(e.Reason, maxReasonLen)
	if text == "" {
		text = "_No reason recorded._"
	}
	if e.LastError != "" && e.LastError != e.Reason {
		text += "\n\n*Last error:* " + truncate(e.LastError, 500)
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Reason*\n\n" + text,
		},
	}
}

func contextBlock(e *drip.Enrollment) map[string]any {
	ts := e.UpdatedAt
	if ts.IsZero() {
		ts = e.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("outreach • enrollment %s • %s", e.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func causeEmoji(c drip.Cause) string {
	switch c {
	case drip.CausePermanentFailure, drip.CauseInvalidSequence:
		return "\U0001f534" // red circle
	case drip.CauseRetryExhausted:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func causeLabel(c drip.Cause) string {
	switch c {
	case drip.CauseRetryExhausted:
		return "retries exhausted"
	case drip.CausePermanentFailure:
		return "permanent delivery failure"
	case drip.CauseInvalidSequence:
		return "sequence no longer defined"
	case drip.CauseNone:
		return "none"
	default:
		return string(c)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

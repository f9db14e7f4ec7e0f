// Package webhook delivers messages by POSTing them as JSON to a provider
// endpoint (an email/SMS relay or a CRM automation hook).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/outreach/internal/gateway"
)

const defaultTimeout = 15 * time.Second

// Sender posts messages to a webhook URL.
type Sender struct {
	url    string
	token  string
	client *http.Client
}

// New creates a webhook Sender. token, when set, is sent as a bearer token.
func New(url, token string) *Sender {
	return &Sender{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type response struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

// Send implements gateway.Sender. 2xx is success, 408/429/5xx and network
// errors are transient, any other status is permanent.
func (s *Sender) Send(ctx context.Context, msg *gateway.Message) (*gateway.Receipt, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, gateway.Permanent(fmt.Errorf("webhook: marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Permanent(fmt.Errorf("webhook: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req) //nolint:gosec // G704: url is from trusted config, not user input
	if err != nil {
		return nil, gateway.Transient(fmt.Errorf("webhook: post: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, gateway.Transient(fmt.Errorf("webhook: returned %d: %s", resp.StatusCode, truncate(respBody)))
	default:
		return nil, gateway.Permanent(fmt.Errorf("webhook: returned %d: %s", resp.StatusCode, truncate(respBody)))
	}

	var r response
	_ = json.Unmarshal(respBody, &r)
	id := r.MessageID
	if id == "" {
		id = r.ID
	}
	if id == "" {
		id = resp.Header.Get("X-Message-Id")
	}
	return &gateway.Receipt{ProviderMessageID: id, Provider: "webhook"}, nil
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit-3]) + "..."
}

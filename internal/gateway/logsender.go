package gateway

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
)

// LogSender logs messages instead of delivering them. Used for dry runs and
// local development.
type LogSender struct {
	logger log.Logger
}

// NewLogSender returns a LogSender. A nil logger discards output.
func NewLogSender(logger log.Logger) *LogSender {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}
	addr, _ := msg.To.Address(msg.Channel)
	id := "log-" + ulid.Make().String()
	s.logger.Info(ctx, "message sent (log gateway)",
		"provider_message_id", id,
		"idempotency_key", msg.IdempotencyKey,
		"channel", msg.Channel,
		"to", addr,
		"subject", msg.Subject,
		"body_bytes", len(msg.Body),
	)
	return &Receipt{ProviderMessageID: id, Provider: "log"}, nil
}

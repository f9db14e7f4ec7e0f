// Package rabbit hands messages to a RabbitMQ topic exchange for delivery by
// downstream channel workers. Routing key is "outreach.<channel>".
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/linnemanlabs/outreach/internal/gateway"
)

const (
	// MessageType is set on every publishing and in the envelope meta.
	MessageType = "outreach.dispatch.v1"
	producer    = "outreach"
)

// Channel is the subset of *amqp.Channel used by the publisher.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Meta describes an Envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      string    `json:"producer"`
}

// Envelope is the JSON body published to the exchange.
type Envelope struct {
	Meta Meta             `json:"meta"`
	Data *gateway.Message `json:"data"`
}

// Sender publishes messages to an exchange.
type Sender struct {
	exchange string
	conn     *amqp.Connection

	mu sync.Mutex
	ch Channel

	now func() time.Time
}

// Dial connects to url, declares a durable topic exchange and returns a
// Sender publishing to it.
func Dial(url, exchange string) (*Sender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit: declare exchange %q: %w", exchange, err)
	}
	s := NewWithChannel(ch, exchange)
	s.conn = conn
	return s, nil
}

// NewWithChannel returns a Sender over an already open channel.
func NewWithChannel(ch Channel, exchange string) *Sender {
	return &Sender{exchange: exchange, ch: ch, now: time.Now}
}

// RoutingKey returns the key a message is published under.
func RoutingKey(msg *gateway.Message) string {
	return "outreach." + string(msg.Channel)
}

// Send implements gateway.Sender. A publish failure is transient, an
// unencodable message is permanent.
func (s *Sender) Send(ctx context.Context, msg *gateway.Message) (*gateway.Receipt, error) {
	now := s.now().UTC()
	env := Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			CorrelationID: msg.IdempotencyKey,
			Type:          MessageType,
			Time:          now,
			Producer:      producer,
		},
		Data: msg,
	}
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = uuid.NewString()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, gateway.Permanent(fmt.Errorf("rabbit: marshal envelope: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(msg), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          MessageType,
		Timestamp:     now,
		AppId:         producer,
		Body:          body,
	})
	if err != nil {
		return nil, gateway.Transient(fmt.Errorf("rabbit: publish: %w", err))
	}
	return &gateway.Receipt{ProviderMessageID: env.Meta.ID, Provider: "amqp"}, nil
}

// Close closes the channel and, when dialed, the connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Package gateway defines the outbound delivery capability the drip engine
// sends through, plus a channel router and a log-only sender.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/outreach/internal/sequence"
)

// Recipient holds the addresses a message can be delivered to.
type Recipient struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Social string `json:"social,omitempty"`
}

// Address returns the address used for ch.
func (r Recipient) Address(ch sequence.Channel) (string, bool) {
	var addr string
	switch ch {
	case sequence.ChannelEmail:
		addr = r.Email
	case sequence.ChannelVoice, sequence.ChannelSMS:
		addr = r.Phone
	case sequence.ChannelSocial:
		addr = r.Social
	}
	return addr, addr != ""
}

// Message is one rendered step ready for delivery. IdempotencyKey is stable
// per (enrollment, step) so providers can drop duplicate retries.
type Message struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Channel        sequence.Channel  `json:"channel"`
	To             Recipient         `json:"to"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Receipt is returned by a successful send.
type Receipt struct {
	ProviderMessageID string `json:"provider_message_id"`
	Provider          string `json:"provider"`
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}

// Kind classifies a delivery failure.
type Kind int

const (
	// KindTransient failures may succeed on retry.
	KindTransient Kind = iota
	// KindPermanent failures will never succeed for this message.
	KindPermanent
)

// Error tags a delivery failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindPermanent {
		return "permanent: " + e.Err.Error()
	}
	return "transient: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err was tagged permanent. Untagged errors,
// including timeouts, are treated as transient.
func IsPermanent(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindPermanent
}

// Router dispatches to a sender per channel.
type Router struct {
	routes   map[sequence.Channel]Sender
	fallback Sender
}

// NewRouter returns a Router that uses fallback for unrouted channels.
// A nil fallback makes unrouted channels a permanent failure.
func NewRouter(fallback Sender) *Router {
	return &Router{routes: make(map[sequence.Channel]Sender), fallback: fallback}
}

// Route registers s for ch.
func (r *Router) Route(ch sequence.Channel, s Sender) *Router {
	r.routes[ch] = s
	return r
}

// Send implements Sender.
func (r *Router) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if s, ok := r.routes[msg.Channel]; ok {
		return s.Send(ctx, msg)
	}
	if r.fallback != nil {
		return r.fallback.Send(ctx, msg)
	}
	return nil, Permanent(fmt.Errorf("no sender for channel %q", msg.Channel))
}

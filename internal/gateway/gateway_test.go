package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/outreach/internal/sequence"
)

type recordingSender struct {
	name string
	got  []*Message
}

func (s *recordingSender) Send(_ context.Context, msg *Message) (*Receipt, error) {
	s.got = append(s.got, msg)
	return &Receipt{ProviderMessageID: s.name + "-1", Provider: s.name}, nil
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{"untagged", base, false},
		{"transient", Transient(base), false},
		{"permanent", Permanent(base), true},
		{"wrapped permanent", errorsJoin(Permanent(base)), true},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsPermanent(tt.err); got != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.wantPermanent)
			}
			if !errors.Is(tt.err, base) && tt.name != "deadline" {
				t.Errorf("errors.Is lost the cause")
			}
		})
	}

	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("tagging nil should return nil")
	}
	if !strings.HasPrefix(Permanent(base).Error(), "permanent: ") {
		t.Errorf("Error() = %q", Permanent(base).Error())
	}
}

func errorsJoin(err error) error {
	return errors.Join(errors.New("context"), err)
}

func TestRecipientAddress(t *testing.T) {
	t.Parallel()

	r := Recipient{Email: "a@b.c", Phone: "+5215555555555"}
	tests := []struct {
		ch     sequence.Channel
		want   string
		wantOK bool
	}{
		{sequence.ChannelEmail, "a@b.c", true},
		{sequence.ChannelVoice, "+5215555555555", true},
		{sequence.ChannelSMS, "+5215555555555", true},
		{sequence.ChannelSocial, "", false},
	}
	for _, tt := range tests {
		got, ok := r.Address(tt.ch)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Address(%s) = %q,%v want %q,%v", tt.ch, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()

	email := &recordingSender{name: "email"}
	voice := &recordingSender{name: "voice"}
	r := NewRouter(nil).Route(sequence.ChannelEmail, email).Route(sequence.ChannelVoice, voice)

	rc, err := r.Send(context.Background(), &Message{Channel: sequence.ChannelVoice})
	if err != nil {
		t.Fatalf("Send voice: %v", err)
	}
	if rc.Provider != "voice" || len(voice.got) != 1 || len(email.got) != 0 {
		t.Errorf("voice message routed wrong: %+v", rc)
	}

	_, err = r.Send(context.Background(), &Message{Channel: sequence.ChannelSocial})
	if !IsPermanent(err) {
		t.Errorf("unrouted channel err = %v, want permanent", err)
	}

	fallback := &recordingSender{name: "fallback"}
	r2 := NewRouter(fallback)
	if rc, err := r2.Send(context.Background(), &Message{Channel: sequence.ChannelSocial}); err != nil || rc.Provider != "fallback" {
		t.Errorf("fallback = %+v, %v", rc, err)
	}
}

func TestLogSender(t *testing.T) {
	t.Parallel()

	s := NewLogSender(log.Nop())
	rc, err := s.Send(context.Background(), &Message{Channel: sequence.ChannelEmail, To: Recipient{Email: "x@y.z"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(rc.ProviderMessageID, "log-") {
		t.Errorf("ProviderMessageID = %q", rc.ProviderMessageID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Send(ctx, &Message{}); err == nil || IsPermanent(err) {
		t.Errorf("cancelled ctx err = %v, want transient", err)
	}
}

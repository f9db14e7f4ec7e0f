package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linnemanlabs/outreach/internal/gateway"
	"github.com/linnemanlabs/outreach/internal/sequence"
)

func testMessage() *gateway.Message {
	return &gateway.Message{
		IdempotencyKey: "enr-1:0",
		Channel:        sequence.ChannelEmail,
		To:             gateway.Recipient{Name: "Ana", Email: "ana@example.com"},
		Subject:        "Hello",
		Body:           "Hi Ana",
	}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	var got gateway.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Idempotency-Key") != "enr-1:0" {
			t.Errorf("idempotency key = %q", r.Header.Get("Idempotency-Key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"prov-123"}`))
	}))
	defer srv.Close()

	rc, err := New(srv.URL, "tok").Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rc.ProviderMessageID != "prov-123" {
		t.Errorf("ProviderMessageID = %q, want prov-123", rc.ProviderMessageID)
	}
	if got.To.Email != "ana@example.com" || got.Body != "Hi Ana" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestSend_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status        int
		wantPermanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "").Send(context.Background(), testMessage())
			if err == nil {
				t.Fatal("expected error")
			}
			if gateway.IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v (err %v)", gateway.IsPermanent(err), tt.wantPermanent, err)
			}
		})
	}
}

func TestSend_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL, "").Send(ctx, testMessage())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if gateway.IsPermanent(err) {
		t.Errorf("timeout classified permanent: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped DeadlineExceeded", err)
	}
}

func TestSend_ConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "").Send(context.Background(), testMessage())
	if err == nil || gateway.IsPermanent(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/drip/storetest"
)

func TestStore(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) drip.Store { return New() })
}

func TestGetEnrollment_ReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, _, err := s.CreateEnrollment(ctx, storetest.Enrollment("e1", "c1", "seq", storetest.T0)); err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}

	got, ok, err := s.GetEnrollment(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("GetEnrollment: ok=%v err=%v", ok, err)
	}
	got.Status = drip.StatusCancelled
	got.StepSentAt[0] = time.Now()

	again, _, _ := s.GetEnrollment(ctx, "e1")
	if again.Status != drip.StatusActive {
		t.Errorf("Status = %q, store state was mutated through a returned copy", again.Status)
	}
	if len(again.StepSentAt) != 0 {
		t.Errorf("StepSentAt = %v, want empty", again.StepSentAt)
	}
}

func TestListEvents_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	ev := &drip.DispatchEvent{ID: "ev1", EnrollmentID: "e1", Outcome: drip.OutcomeSuccess}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	ev.Outcome = drip.OutcomePermanent

	got, _ := s.ListEvents(ctx, "e1")
	if got[0].Outcome != drip.OutcomeSuccess {
		t.Errorf("Outcome = %q, stored event aliased caller's struct", got[0].Outcome)
	}
}

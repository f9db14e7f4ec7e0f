package drip_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/drip/memstore"
	"github.com/linnemanlabs/outreach/internal/gateway"
	"github.com/linnemanlabs/outreach/internal/sequence"
	"github.com/linnemanlabs/outreach/internal/template"
)

func TestTick_ThreeStepSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	id := h.enroll(t, "c1")

	rep := h.tick(t, t0)
	if rep.Sent != 1 {
		t.Fatalf("tick(t0) sent %d, want 1", rep.Sent)
	}
	e := h.get(t, id)
	if e.CurrentStep != 1 || !e.StepSentAt[0].Equal(t0) {
		t.Fatalf("after t0: step %d sent %v", e.CurrentStep, e.StepSentAt)
	}
	if !e.NextDueAt.Equal(t0.Add(3 * day)) {
		t.Errorf("NextDueAt = %v, want t0+3d", e.NextDueAt)
	}

	if rep := h.tick(t, t0.Add(2*day)); rep.Sent != 0 || rep.Due != 0 {
		t.Fatalf("tick(t0+2d) = %+v, want nothing", rep)
	}
	if e := h.get(t, id); e.CurrentStep != 1 {
		t.Fatalf("CurrentStep = %d after early tick", e.CurrentStep)
	}

	// sent late: the next step is still due at t0+7d, not 4d after this send
	late := t0.Add(3*day + 5*time.Hour)
	if rep := h.tick(t, late); rep.Sent != 1 {
		t.Fatalf("tick(t0+3d) = %+v", rep)
	}
	e = h.get(t, id)
	if e.CurrentStep != 2 || !e.NextDueAt.Equal(t0.Add(7*day)) {
		t.Fatalf("after t0+3d: step %d next %v", e.CurrentStep, e.NextDueAt)
	}

	rep = h.tick(t, t0.Add(7*day))
	if rep.Sent != 1 || rep.Completed != 1 {
		t.Fatalf("tick(t0+7d) = %+v", rep)
	}
	e = h.get(t, id)
	if e.Status != drip.StatusCompleted || e.CurrentStep != 3 {
		t.Fatalf("final status %s step %d", e.Status, e.CurrentStep)
	}
	if !e.CompletedAt.Equal(t0.Add(7 * day)) {
		t.Errorf("CompletedAt = %v", e.CompletedAt)
	}
	checkInvariants(t, e, 3)

	sent := h.sender.Sent()
	if len(sent) != 3 {
		t.Fatalf("gateway got %d messages, want 3", len(sent))
	}
	if sent[0].Subject != "Hello Ana" || sent[0].Body != "Hi Ana at Oaxaca International School" {
		t.Errorf("step 0 rendered as %q / %q", sent[0].Subject, sent[0].Body)
	}
	if sent[2].Channel != sequence.ChannelVoice || sent[2].To.Phone == "" {
		t.Errorf("step 2 = %+v, want voice to phone", sent[2])
	}
	for i, m := range sent {
		if want := fmt.Sprintf("%s:%d", id, i); m.IdempotencyKey != want {
			t.Errorf("message %d key = %q, want %q", i, m.IdempotencyKey, want)
		}
	}

	// completed enrollments are never picked up again
	if rep := h.tick(t, t0.Add(30*day)); rep.Due != 0 {
		t.Errorf("tick after completion = %+v", rep)
	}
}

func TestTick_DoubleTickIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	ids := []string{h.enroll(t, "c1"), h.enroll(t, "c2")}

	h.tick(t, t0)
	before := make(map[string]*drip.Enrollment)
	eventsBefore := 0
	for _, id := range ids {
		before[id] = h.get(t, id)
		evs, _ := h.svc.Events(context.Background(), id)
		eventsBefore += len(evs)
	}

	rep := h.tick(t, t0)
	if rep.Due != 0 || rep.Sent != 0 {
		t.Errorf("second tick = %+v, want no work", rep)
	}
	if got := h.sender.Calls(); got != 2 {
		t.Errorf("gateway calls = %d, want 2", got)
	}

	eventsAfter := 0
	for _, id := range ids {
		after := h.get(t, id)
		b := before[id]
		if after.Version != b.Version || after.CurrentStep != b.CurrentStep || !after.UpdatedAt.Equal(b.UpdatedAt) {
			t.Errorf("%s changed by second tick: %+v -> %+v", id, b, after)
		}
		evs, _ := h.svc.Events(context.Background(), id)
		eventsAfter += len(evs)
	}
	if eventsAfter != eventsBefore {
		t.Errorf("events %d -> %d", eventsBefore, eventsAfter)
	}
}

func TestTick_DoubleTickAfterTransientFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	h.sender.fail = func(*gateway.Message) error { return gateway.Transient(errBoom) }
	id := h.enroll(t, "c1")

	h.tick(t, t0)
	first := h.get(t, id)
	h.tick(t, t0)
	second := h.get(t, id)

	if h.sender.Calls() != 1 {
		t.Errorf("gateway calls = %d, want 1", h.sender.Calls())
	}
	if first.Version != second.Version || second.Attempts != 1 {
		t.Errorf("second tick changed state: attempts %d version %d -> %d", second.Attempts, first.Version, second.Version)
	}
}

func TestTick_ZeroBackoffStillIdempotent(t *testing.T) {
	t.Parallel()

	for _, backoff := range []time.Duration{0, -time.Minute} {
		store := memstore.New()
		seqs := &seqMap{seqs: map[string]*sequence.Sequence{"three-step": threeStep()}}
		sender := &fakeSender{fail: func(*gateway.Message) error { return gateway.Transient(errBoom) }}
		seq := drip.NewSequencer(store, seqs, template.NewResolver(seqs, testTemplates()), sender,
			log.Nop(), drip.Hooks{}, drip.Options{RetryBackoff: backoff})
		svc := drip.NewService(store, seqs, seq, log.Nop(), drip.ServiceConfig{Now: func() time.Time { return t0 }})

		res, err := svc.EnrollContact(context.Background(), &drip.Contact{ID: "c1", Name: "Ana", Email: "ana@example.com"}, "three-step")
		if err != nil {
			t.Fatalf("EnrollContact: %v", err)
		}
		for range 2 {
			if _, err := seq.Tick(context.Background(), t0); err != nil {
				t.Fatalf("Tick: %v", err)
			}
		}

		e, err := svc.Get(context.Background(), res.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		evs, _ := svc.Events(context.Background(), res.ID)
		if sender.Calls() != 1 || e.Attempts != 1 || len(evs) != 1 {
			t.Errorf("backoff %v: calls=%d attempts=%d events=%d, want 1/1/1", backoff, sender.Calls(), e.Attempts, len(evs))
		}
		if !e.NextDueAt.Equal(t0.Add(drip.DefaultRetryBackoff)) {
			t.Errorf("backoff %v: NextDueAt = %v, want t0+%v", backoff, e.NextDueAt, drip.DefaultRetryBackoff)
		}
	}
}

func TestTick_RecoversFromEventLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	id := h.enroll(t, "c1")
	ctx := context.Background()

	// step 0 was sent and logged, then the process died before the
	// enrollment was updated
	sentAt := t0.Add(time.Minute)
	if err := h.store.AppendEvent(ctx, &drip.DispatchEvent{
		ID: "ev-crash", EnrollmentID: id, StepIndex: 0, Channel: "email",
		AttemptedAt: sentAt, Outcome: drip.OutcomeSuccess, ProviderMessageID: "pm-0",
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	rep := h.tick(t, t0.Add(time.Hour))
	if rep.Recovered != 1 || rep.Sent != 0 {
		t.Fatalf("report = %+v, want 1 recovered and 0 sent", rep)
	}
	if h.sender.Calls() != 0 {
		t.Fatalf("gateway called %d times during recovery", h.sender.Calls())
	}
	e := h.get(t, id)
	if e.CurrentStep != 1 || !e.StepSentAt[0].Equal(sentAt) {
		t.Errorf("after recovery: step %d sent %v", e.CurrentStep, e.StepSentAt)
	}
	checkInvariants(t, e, 3)
}

func TestTick_RecoveryCatchesUpSeveralSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	id := h.enroll(t, "c1")
	ctx := context.Background()
	for step, at := range []time.Time{t0, t0.Add(3 * day)} {
		if err := h.store.AppendEvent(ctx, &drip.DispatchEvent{
			ID: fmt.Sprintf("ev-%d", step), EnrollmentID: id, StepIndex: step,
			AttemptedAt: at, Outcome: drip.OutcomeSuccess,
		}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	// both logged steps are due at t0+3d; step 2 is not due until t0+7d
	rep := h.tick(t, t0.Add(3*day))
	if rep.Recovered != 2 || rep.Sent != 0 {
		t.Fatalf("report = %+v", rep)
	}
	e := h.get(t, id)
	if e.CurrentStep != 2 || e.Status != drip.StatusActive {
		t.Fatalf("step %d status %s, want step 2 active", e.CurrentStep, e.Status)
	}

	// a logged step that is not yet due is not caught up early
	h2 := newHarness(t, drip.Options{}, drip.Hooks{})
	id2 := h2.enroll(t, "c1")
	for step := range 2 {
		_ = h2.store.AppendEvent(ctx, &drip.DispatchEvent{
			ID: fmt.Sprintf("ev-%d", step), EnrollmentID: id2, StepIndex: step,
			AttemptedAt: t0, Outcome: drip.OutcomeSuccess,
		})
	}
	h2.tick(t, t0.Add(time.Hour))
	if e := h2.get(t, id2); e.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1: step 1 is not due until t0+3d", e.CurrentStep)
	}
	if h2.sender.Calls() != 0 {
		t.Errorf("gateway calls = %d", h2.sender.Calls())
	}
}

func TestTick_RecoveryThenSendInSameTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	id := h.enroll(t, "c1")
	_ = h.store.AppendEvent(context.Background(), &drip.DispatchEvent{
		ID: "ev-0", EnrollmentID: id, StepIndex: 0, AttemptedAt: t0, Outcome: drip.OutcomeSuccess,
	})

	rep := h.tick(t, t0.Add(3*day))
	if rep.Recovered != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v, want 1 recovered and 1 sent", rep)
	}
	if e := h.get(t, id); e.CurrentStep != 2 {
		t.Errorf("CurrentStep = %d, want 2", e.CurrentStep)
	}
}

func TestTick_TransientFailuresExhaustRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{MaxRetries: 3}, drip.Hooks{})
	h.sender.fail = func(m *gateway.Message) error {
		if strings.HasSuffix(m.IdempotencyKey, ":1") {
			return gateway.Transient(errBoom)
		}
		return nil
	}
	id := h.enroll(t, "c1")
	h.tick(t, t0)

	for i := range 3 {
		at := t0.Add(3*day + time.Duration(i)*time.Hour)
		rep := h.tick(t, at)
		if rep.Failed != 1 {
			t.Fatalf("tick %d: report %+v, want 1 failure", i, rep)
		}
		e := h.get(t, id)
		if e.CurrentStep != 1 {
			t.Fatalf("tick %d advanced to step %d", i, e.CurrentStep)
		}
		if i < 2 && (e.Status != drip.StatusActive || e.Attempts != i+1) {
			t.Fatalf("tick %d: status %s attempts %d", i, e.Status, e.Attempts)
		}
	}

	e := h.get(t, id)
	if e.Status != drip.StatusCancelled || e.Cause != drip.CauseRetryExhausted {
		t.Fatalf("status %s cause %q, want cancelled/retry_exhausted", e.Status, e.Cause)
	}
	if !strings.Contains(e.Reason, "failed 3 times") {
		t.Errorf("Reason = %q", e.Reason)
	}
	checkInvariants(t, e, 3)

	calls := h.sender.Calls()
	h.tick(t, t0.Add(10*day))
	if h.sender.Calls() != calls {
		t.Error("cancelled enrollment was dispatched again")
	}

	evs, _ := h.svc.Events(context.Background(), id)
	var transient int
	for _, ev := range evs {
		if ev.Outcome == drip.OutcomeTransient {
			transient++
		}
	}
	if transient != 3 {
		t.Errorf("transient events = %d, want 3", transient)
	}

	got := h.notifier.Got()
	if len(got) != 1 || got[0].ID != id {
		t.Errorf("notifier got %d enrollments, want the exhausted one", len(got))
	}
}

func TestTick_RetryWaitsForBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{RetryBackoff: time.Hour}, drip.Hooks{})
	fail := true
	var mu sync.Mutex
	h.sender.fail = func(*gateway.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return gateway.Transient(errBoom)
		}
		return nil
	}
	id := h.enroll(t, "c1")

	h.tick(t, t0)
	if e := h.get(t, id); !e.NextDueAt.Equal(t0.Add(time.Hour)) || e.LastError == "" {
		t.Fatalf("NextDueAt = %v LastError = %q", e.NextDueAt, e.LastError)
	}
	h.tick(t, t0.Add(30*time.Minute))
	if h.sender.Calls() != 1 {
		t.Fatalf("retried before backoff: %d calls", h.sender.Calls())
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	h.tick(t, t0.Add(time.Hour))
	e := h.get(t, id)
	if e.CurrentStep != 1 || e.Attempts != 0 || e.LastError != "" {
		t.Errorf("after retry: step %d attempts %d err %q", e.CurrentStep, e.Attempts, e.LastError)
	}
	// schedule stays anchored to enrollment start
	if !e.NextDueAt.Equal(t0.Add(3 * day)) {
		t.Errorf("NextDueAt = %v, want t0+3d", e.NextDueAt)
	}
}

func TestTick_PermanentFailureCancels(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	h.sender.fail = func(*gateway.Message) error {
		return gateway.Permanent(fmt.Errorf("mailbox does not exist"))
	}
	id := h.enroll(t, "c1")

	rep := h.tick(t, t0)
	if rep.Failed != 1 || rep.Cancelled != 1 {
		t.Fatalf("report = %+v", rep)
	}
	e := h.get(t, id)
	if e.Status != drip.StatusCancelled || e.Cause != drip.CausePermanentFailure {
		t.Fatalf("status %s cause %q", e.Status, e.Cause)
	}
	if !strings.Contains(e.Reason, "mailbox does not exist") {
		t.Errorf("Reason = %q", e.Reason)
	}
	h.tick(t, t0.Add(time.Hour))
	if h.sender.Calls() != 1 {
		t.Errorf("gateway calls = %d, want 1", h.sender.Calls())
	}
	if len(h.notifier.Got()) != 1 {
		t.Errorf("notifier calls = %d, want 1", len(h.notifier.Got()))
	}
}

func TestTick_MissingAddressIsPermanent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	res, err := h.svc.EnrollContact(context.Background(), &drip.Contact{ID: "c1", Name: "No Email", Phone: "+1"}, "three-step")
	if err != nil {
		t.Fatalf("EnrollContact: %v", err)
	}

	h.tick(t, t0)
	e := h.get(t, res.ID)
	if e.Cause != drip.CausePermanentFailure {
		t.Fatalf("cause = %q, want permanent_failure", e.Cause)
	}
	if h.sender.Calls() != 0 {
		t.Errorf("gateway called for a contact with no email")
	}
	evs, _ := h.svc.Events(context.Background(), res.ID)
	if len(evs) != 1 || evs[0].Outcome != drip.OutcomePermanent {
		t.Errorf("events = %+v, want one permanent failure", evs)
	}
}

func TestTick_UndefinedSequenceCancels(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	id := h.enroll(t, "c1")
	h.seqs.remove("three-step")

	rep := h.tick(t, t0)
	if rep.Cancelled != 1 {
		t.Fatalf("report = %+v", rep)
	}
	e := h.get(t, id)
	if e.Cause != drip.CauseInvalidSequence {
		t.Errorf("cause = %q", e.Cause)
	}
}

func TestTick_SkipsClaimedEnrollment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	id := h.enroll(t, "c1")
	if _, ok, err := h.store.Claim(context.Background(), id, "other-worker", t0, time.Hour); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	rep := h.tick(t, t0)
	if rep.Skipped != 1 || rep.Sent != 0 {
		t.Errorf("report = %+v, want 1 skipped", rep)
	}
	if h.sender.Calls() != 0 {
		t.Error("claimed enrollment was dispatched")
	}
}

func TestTick_ConcurrentTicksSendOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{Workers: 8}, drip.Hooks{})
	h.sender.delay = time.Millisecond
	const n = 40
	for i := range n {
		h.enroll(t, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.seq.Tick(context.Background(), t0); err != nil {
				t.Errorf("Tick: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := h.sender.Calls(); got != n {
		t.Errorf("gateway calls = %d, want %d", got, n)
	}
	seen := make(map[string]bool)
	for _, m := range h.sender.Sent() {
		if seen[m.IdempotencyKey] {
			t.Errorf("duplicate send %s", m.IdempotencyKey)
		}
		seen[m.IdempotencyKey] = true
	}
}

func TestTick_GatewayTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{GatewayTimeout: 20 * time.Millisecond}, drip.Hooks{})
	h.sender.delay = 5 * time.Second
	id := h.enroll(t, "c1")

	start := time.Now()
	h.tick(t, t0)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("tick blocked on a stalled gateway for %v", time.Since(start))
	}
	e := h.get(t, id)
	if e.Attempts != 1 || e.Status != drip.StatusActive {
		t.Errorf("attempts %d status %s, want a transient failure", e.Attempts, e.Status)
	}
}

func TestTick_InvariantsUnderFlakyGateway(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{MaxRetries: 4, RetryBackoff: 6 * time.Hour}, drip.Hooks{})
	rng := rand.New(rand.NewPCG(7, 11))
	var mu sync.Mutex
	h.sender.fail = func(*gateway.Message) error {
		mu.Lock()
		defer mu.Unlock()
		switch r := rng.IntN(10); {
		case r < 3:
			return gateway.Transient(errBoom)
		case r == 3:
			return gateway.Permanent(errBoom)
		}
		return nil
	}
	var ids []string
	for i := range 20 {
		ids = append(ids, h.enroll(t, fmt.Sprintf("c%d", i)))
	}

	for at := t0; at.Before(t0.Add(12 * day)); at = at.Add(5 * time.Hour) {
		h.tick(t, at)
		for _, id := range ids {
			checkInvariants(t, h.get(t, id), 3)
		}
	}
	for _, id := range ids {
		if e := h.get(t, id); !e.Status.Terminal() {
			t.Errorf("%s still %s after 12 days", id, e.Status)
		}
	}
}

func TestRunBatch_StepFilterAndLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	for i := range 5 {
		h.enroll(t, fmt.Sprintf("c%d", i))
	}

	one := 1
	rep, err := h.seq.RunBatch(context.Background(), t0, drip.BatchRequest{Step: &one, Limit: 10})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rep.Due != 0 || h.sender.Calls() != 0 {
		t.Fatalf("step 1 batch touched step 0 enrollments: %+v", rep)
	}

	zero := 0
	rep, err = h.seq.RunBatch(context.Background(), t0, drip.BatchRequest{Step: &zero, Limit: 2})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rep.Sent != 2 || rep.Remaining != 3 {
		t.Errorf("report = %+v, want sent 2 remaining 3", rep)
	}
}

func TestRunBatch_Pacing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{Workers: 4}, drip.Hooks{})
	for i := range 3 {
		h.enroll(t, fmt.Sprintf("c%d", i))
	}

	start := time.Now()
	rep, err := h.seq.RunBatch(context.Background(), t0, drip.BatchRequest{Limit: 3, Pace: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rep.Sent != 3 {
		t.Fatalf("sent = %d", rep.Sent)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("3 paced sends took %v, want >= 60ms", elapsed)
	}
}

func TestRunBatch_CancelledContextStopsSending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	for i := range 3 {
		h.enroll(t, fmt.Sprintf("c%d", i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := h.seq.RunBatch(ctx, t0, drip.BatchRequest{Limit: 3})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rep.Sent != 0 || h.sender.Calls() != 0 {
		t.Errorf("sent %d after cancellation", rep.Sent)
	}
	if rep.Remaining != 3 {
		t.Errorf("remaining = %d, want 3", rep.Remaining)
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := drip.NewMetrics(reg)
	h := newHarness(t, drip.Options{}, m.Hooks())
	id := h.enroll(t, "c1")
	h.enroll(t, "c1")

	h.tick(t, t0)
	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("three-step", "email", "success")); got != 1 {
		t.Errorf("dispatch_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EnrollmentsTotal.WithLabelValues(drip.EnrollCreated)); got != 1 {
		t.Errorf("enrollments created = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EnrollmentsTotal.WithLabelValues(drip.EnrollExisting)); got != 1 {
		t.Errorf("enrollments existing = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TickDue); got != 1 {
		t.Errorf("tick_due = %v, want 1", got)
	}

	if _, err := h.svc.Cancel(context.Background(), id, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("cancelled", "manual")); got != 1 {
		t.Errorf("transitions cancelled/manual = %v, want 1", got)
	}
}

// Not parallel: swaps the global OTel tracer provider.
func TestTick_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := newHarness(t, drip.Options{}, drip.Hooks{})
	h.enroll(t, "c1")
	h.tick(t, t0)

	names := make(map[string]int)
	for _, s := range exporter.GetSpans() {
		names[s.Name]++
	}
	if names["drip.process"] != 1 || names["gateway.send"] != 1 {
		t.Errorf("spans = %v, want one drip.process and one gateway.send", names)
	}
}

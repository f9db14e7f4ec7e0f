package drip_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/drip/memstore"
	"github.com/linnemanlabs/outreach/internal/gateway"
	"github.com/linnemanlabs/outreach/internal/sequence"
	"github.com/linnemanlabs/outreach/internal/template"
)

const day = 24 * time.Hour

var t0 = time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

// seqMap is a mutable SequenceSource.
type seqMap struct {
	mu   sync.Mutex
	seqs map[string]*sequence.Sequence
}

func (m *seqMap) Get(id string) (*sequence.Sequence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seqs[id]
	return s, ok
}

func (m *seqMap) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seqs, id)
}

func threeStep() *sequence.Sequence {
	return &sequence.Sequence{
		ID:   "three-step",
		Name: "Three step",
		Steps: []sequence.Step{
			{Index: 0, Delay: 0, Channel: sequence.ChannelEmail, TemplateRef: "intro"},
			{Index: 1, Delay: 3 * day, Channel: sequence.ChannelEmail, TemplateRef: "case-study"},
			{Index: 2, Delay: 4 * day, Channel: sequence.ChannelVoice, TemplateRef: "call"},
		},
	}
}

func testTemplates() map[string]template.Template {
	return map[string]template.Template{
		"intro":      {Subject: "Hello {{first_name}}", Body: "Hi {{first_name}} at {{company}}"},
		"case-study": {Subject: "How peers use us", Body: "{{first_name}}, a case study for {{company}}"},
		"call":       {Body: "Call script for {{name}}"},
	}
}

// fakeSender records messages; fail decides the error for each send.
type fakeSender struct {
	mu    sync.Mutex
	sent  []*gateway.Message
	calls int
	fail  func(msg *gateway.Message) error
	delay time.Duration
	// onSend runs before the delay, outside the lock.
	onSend func()
}

func (f *fakeSender) Send(ctx context.Context, msg *gateway.Message) (*gateway.Receipt, error) {
	if f.onSend != nil {
		f.onSend()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, gateway.Transient(ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(msg); err != nil {
			return nil, err
		}
	}
	cp := *msg
	f.sent = append(f.sent, &cp)
	return &gateway.Receipt{ProviderMessageID: "pm-" + msg.IdempotencyKey, Provider: "fake"}, nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) Sent() []*gateway.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gateway.Message(nil), f.sent...)
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []*drip.Enrollment
}

func (n *fakeNotifier) Notify(_ context.Context, e *drip.Enrollment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, e)
	return nil
}

func (n *fakeNotifier) Got() []*drip.Enrollment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*drip.Enrollment(nil), n.got...)
}

type harness struct {
	store    *memstore.Store
	seqs     *seqMap
	sender   *fakeSender
	notifier *fakeNotifier
	seq      *drip.Sequencer
	svc      *drip.Service

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, opts drip.Options, hooks drip.Hooks) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.New(),
		seqs:     &seqMap{seqs: map[string]*sequence.Sequence{"three-step": threeStep()}},
		sender:   &fakeSender{},
		notifier: &fakeNotifier{},
		now:      t0,
	}
	opts.Notifier = h.notifier
	res := template.NewResolver(h.seqs, testTemplates())
	h.seq = drip.NewSequencer(h.store, h.seqs, res, h.sender, log.Nop(), hooks, opts)
	h.svc = drip.NewService(h.store, h.seqs, h.seq, log.Nop(), drip.ServiceConfig{
		ClaimWait: 200 * time.Millisecond,
		Hooks:     hooks,
		Now:       h.clock,
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) enroll(t *testing.T, contactID string) string {
	t.Helper()
	c := &drip.Contact{
		ID:      contactID,
		Name:    "Ana Ruiz",
		Email:   contactID + "@example.com",
		Phone:   "+525555550100",
		Company: "Oaxaca International School",
	}
	res, err := h.svc.EnrollContact(context.Background(), c, "three-step")
	if err != nil {
		t.Fatalf("EnrollContact: %v", err)
	}
	return res.ID
}

func (h *harness) tick(t *testing.T, at time.Time) *drip.Report {
	t.Helper()
	rep, err := h.seq.Tick(context.Background(), at)
	if err != nil {
		t.Fatalf("Tick(%v): %v", at, err)
	}
	return rep
}

func (h *harness) get(t *testing.T, id string) *drip.Enrollment {
	t.Helper()
	e, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return e
}

// checkInvariants verifies the StepSentAt prefix and completion rules.
func checkInvariants(t *testing.T, e *drip.Enrollment, steps int) {
	t.Helper()
	if len(e.StepSentAt) != e.CurrentStep {
		t.Errorf("%s: %d StepSentAt entries, CurrentStep %d", e.ID, len(e.StepSentAt), e.CurrentStep)
	}
	for i := range e.CurrentStep {
		if _, ok := e.StepSentAt[i]; !ok {
			t.Errorf("%s: StepSentAt missing step %d below CurrentStep %d", e.ID, i, e.CurrentStep)
		}
	}
	if (e.Status == drip.StatusCompleted) != (len(e.StepSentAt) == steps) {
		t.Errorf("%s: status %s with %d/%d steps sent", e.ID, e.Status, len(e.StepSentAt), steps)
	}
}

var errBoom = errors.New("provider unavailable")

package drip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/outreach/internal/gateway"
	"github.com/linnemanlabs/outreach/internal/sequence"
	"github.com/linnemanlabs/outreach/internal/template"
)

var tracer = otel.Tracer("github.com/linnemanlabs/outreach/internal/drip")

// Defaults applied by NewSequencer for zero Options fields.
const (
	DefaultWorkers        = 4
	DefaultBatchSize      = 100
	DefaultGatewayTimeout = 10 * time.Second
	DefaultClaimTTL       = 2 * time.Minute
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 15 * time.Minute
)

// SequenceSource looks up sequence definitions.
type SequenceSource interface {
	Get(id string) (*sequence.Sequence, bool)
}

// TemplateSource resolves the template for a sequence step.
type TemplateSource interface {
	Resolve(sequenceID string, stepIndex int) (template.Template, error)
}

// Notifier is told about enrollments cancelled by the failure policy.
type Notifier interface {
	Notify(ctx context.Context, e *Enrollment) error
}

// Options tunes a Sequencer.
type Options struct {
	// WorkerID prefixes claim owners so leases can be traced to a process.
	WorkerID       string
	Workers        int
	BatchSize      int
	GatewayTimeout time.Duration
	ClaimTTL       time.Duration
	// MaxRetries is the number of consecutive transient failures at one
	// step after which the enrollment is cancelled.
	MaxRetries   int
	RetryBackoff time.Duration
	// Pace is the minimum interval between two sends from the same worker.
	Pace     time.Duration
	Notifier Notifier
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "sequencer"
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = DefaultGatewayTimeout
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = DefaultClaimTTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	// a zero backoff would leave a failed step due at the instant it failed
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o
}

// Report summarizes one Tick or batch run.
type Report struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
}

func (r *Report) add(o *result) {
	r.Sent += o.sent
	r.Recovered += o.recovered
	r.Failed += o.failed
	if o.cancelled {
		r.Cancelled++
	}
	if o.completed {
		r.Completed++
	}
	if o.skipped {
		r.Skipped++
	}
}

// BatchRequest bounds a batch run. Step, when set, restricts the run to
// enrollments sitting at that step.
type BatchRequest struct {
	Step       *int
	SequenceID string
	Limit      int
	Pace       time.Duration
}

// Sequencer advances enrollments through their sequences. Enrollments are
// processed independently and concurrently, each under a store claim so no
// two workers touch the same enrollment at once.
type Sequencer struct {
	store     Store
	seqs      SequenceSource
	templates TemplateSource
	sender    gateway.Sender
	logger    log.Logger
	hooks     Hooks
	opts      Options
}

// NewSequencer creates a Sequencer with the given dependencies.
func NewSequencer(store Store, seqs SequenceSource, templates TemplateSource, sender gateway.Sender, logger log.Logger, hooks Hooks, opts Options) *Sequencer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sequencer{
		store:     store,
		seqs:      seqs,
		templates: templates,
		sender:    sender,
		logger:    logger,
		hooks:     hooks,
		opts:      opts.withDefaults(),
	}
}

// Tick processes up to BatchSize enrollments that are due at now.
func (s *Sequencer) Tick(ctx context.Context, now time.Time) (*Report, error) {
	start := time.Now()
	f := DueFilter{Now: now, Limit: s.opts.BatchSize}
	rep, err := s.run(ctx, now, f, s.opts.Workers, s.opts.Pace)
	if err != nil {
		return nil, err
	}
	s.hooks.tick(rep.Due, time.Since(start).Seconds())
	return rep, nil
}

// RunBatch processes a bounded slice of due enrollments. With a pace set the
// batch runs on a single worker so the pace is also the overall send rate.
func (s *Sequencer) RunBatch(ctx context.Context, now time.Time, req BatchRequest) (*Report, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.BatchSize
	}
	workers, pace := s.opts.Workers, s.opts.Pace
	if req.Pace > 0 {
		workers, pace = 1, req.Pace
	}
	f := DueFilter{Now: now, SequenceID: req.SequenceID, Step: req.Step, Limit: limit}
	return s.run(ctx, now, f, workers, pace)
}

func (s *Sequencer) run(ctx context.Context, now time.Time, f DueFilter, workers int, pace time.Duration) (*Report, error) {
	due, err := s.store.ListDue(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list due enrollments: %w", err)
	}
	rep := &Report{Due: len(due)}
	if len(due) > 0 {
		s.dispatch(ctx, now, due, f.Step, workers, pace, rep)
	}

	rf := f
	rf.Limit = 0
	remaining, err := s.store.CountDue(context.WithoutCancel(ctx), rf)
	if err != nil {
		return rep, fmt.Errorf("count remaining: %w", err)
	}
	rep.Remaining = remaining
	return rep, nil
}

func (s *Sequencer) dispatch(ctx context.Context, now time.Time, due []*Enrollment, step *int, workers int, pace time.Duration, rep *Report) {
	if workers > len(due) {
		workers = len(due)
	}

	ids := make(chan string)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ids)
		for _, e := range due {
			select {
			case ids <- e.ID:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for range workers {
		g.Go(func() error {
			p := &pacer{every: pace}
			for id := range ids {
				res := s.process(gctx, now, id, step, p)
				mu.Lock()
				rep.add(res)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

type result struct {
	sent      int
	recovered int
	failed    int
	cancelled bool
	completed bool
	skipped   bool
}

// process claims one enrollment and advances it as far as now allows: steps
// already recorded as sent in the event log are caught up without a gateway
// call, and at most one real send happens per call. waitCtx only bounds the
// pacing wait; store writes and the send itself survive cancellation so a
// started step is always recorded.
func (s *Sequencer) process(waitCtx context.Context, now time.Time, id string, step *int, p *pacer) *result {
	ctx := context.WithoutCancel(waitCtx)
	res := &result{}

	owner := s.opts.WorkerID + "/" + ulid.Make().String()
	e, ok, err := s.store.Claim(ctx, id, owner, now, s.opts.ClaimTTL)
	if err != nil || !ok {
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error(ctx, err, "claim enrollment", "enrollment_id", id)
		}
		res.skipped = true
		return res
	}
	defer func() {
		if err := s.store.Release(ctx, id, owner); err != nil {
			s.logger.Error(ctx, err, "release enrollment", "enrollment_id", id)
		}
	}()

	ctx, span := tracer.Start(ctx, "drip.process", trace.WithAttributes(
		attribute.String("outreach.enrollment.id", e.ID),
		attribute.String("outreach.sequence.id", e.SequenceID),
		attribute.Int("outreach.enrollment.step", e.CurrentStep),
	))
	defer span.End()

	L := s.logger.With("enrollment_id", e.ID, "sequence_id", e.SequenceID, "contact_id", e.ContactID)

	// re-check under the claim: the listing may be stale
	if e.Status != StatusActive || e.NextDueAt.After(now) {
		res.skipped = true
		return res
	}

	seq, ok := s.seqs.Get(e.SequenceID)
	if !ok {
		s.cancel(e, CauseInvalidSequence, fmt.Sprintf("sequence %q is not defined", e.SequenceID))
		res.cancelled = true
		s.commit(ctx, e, owner, now, L, span)
		return res
	}

	dirty := false
	sent := false
	for e.Status == StatusActive && !e.NextDueAt.After(now) {
		if e.CurrentStep >= seq.Len() {
			s.complete(e, now)
			dirty = true
			break
		}

		ev, done, err := s.store.SuccessfulDispatch(ctx, e.ID, e.CurrentStep)
		if err != nil {
			L.Error(ctx, err, "check dispatch log", "step", e.CurrentStep)
			break
		}
		if done {
			L.Info(ctx, "step already dispatched, advancing", "step", e.CurrentStep, "event_id", ev.ID)
			s.advance(e, seq, ev.AttemptedAt, now)
			s.hooks.recovered(e.SequenceID)
			res.recovered++
			dirty = true
			continue
		}

		if sent || (step != nil && *step != e.CurrentStep) {
			break
		}
		if err := p.wait(waitCtx); err != nil {
			break
		}
		sent = true

		ev, ok := s.send(ctx, now, e, seq, L)
		p.mark()
		if !ok {
			// event not recorded: leave state untouched so the step is retried
			break
		}
		dirty = true
		switch ev.Outcome {
		case OutcomeSuccess:
			s.advance(e, seq, now, now)
			res.sent++
		case OutcomeTransient:
			res.failed++
			e.Attempts++
			e.LastError = ev.Error
			if e.Attempts >= s.opts.MaxRetries {
				s.cancel(e, CauseRetryExhausted,
					fmt.Sprintf("step %d failed %d times: %s", e.CurrentStep, e.Attempts, ev.Error))
			} else {
				e.NextDueAt = now.Add(s.opts.RetryBackoff)
			}
		case OutcomePermanent:
			res.failed++
			e.LastError = ev.Error
			s.cancel(e, CausePermanentFailure, fmt.Sprintf("step %d: %s", e.CurrentStep, ev.Error))
		}
	}

	if !dirty {
		return res
	}
	res.completed = e.Status == StatusCompleted
	res.cancelled = e.Status == StatusCancelled
	s.commit(ctx, e, owner, now, L, span)
	return res
}

// commit persists e and fires transition side effects.
func (s *Sequencer) commit(ctx context.Context, e *Enrollment, owner string, now time.Time, L log.Logger, span trace.Span) {
	e.UpdatedAt = now
	if err := s.store.UpdateEnrollment(ctx, e, owner); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "persist enrollment", "step", e.CurrentStep)
		return
	}
	span.SetAttributes(attribute.String("outreach.enrollment.status", string(e.Status)))

	switch e.Status {
	case StatusCompleted:
		s.hooks.transition(StatusCompleted, CauseNone)
		L.Info(ctx, "enrollment completed")
	case StatusCancelled:
		s.hooks.transition(StatusCancelled, e.Cause)
		L.Warn(ctx, "enrollment cancelled", "cause", e.Cause, "reason", e.Reason)
		if s.opts.Notifier != nil && e.Cause.Failure() {
			if err := s.opts.Notifier.Notify(ctx, e.Clone()); err != nil {
				L.Error(ctx, err, "failure notification")
			}
		}
	}
}

// send renders and delivers the current step and appends the outcome to the
// event log. ok is false when the event could not be recorded.
func (s *Sequencer) send(ctx context.Context, now time.Time, e *Enrollment, seq *sequence.Sequence, L log.Logger) (*DispatchEvent, bool) {
	st := seq.Steps[e.CurrentStep]
	L = L.With("step", e.CurrentStep, "channel", st.Channel)

	ev := &DispatchEvent{
		ID:           ulid.Make().String(),
		EnrollmentID: e.ID,
		StepIndex:    e.CurrentStep,
		Channel:      string(st.Channel),
		AttemptedAt:  now,
	}

	msg, err := s.message(ctx, e, st)
	start := time.Now()
	if err == nil {
		var rc *gateway.Receipt
		rc, err = s.deliver(ctx, msg)
		if err == nil {
			ev.ProviderMessageID = rc.ProviderMessageID
		}
	}
	switch {
	case err == nil:
		ev.Outcome = OutcomeSuccess
	case gateway.IsPermanent(err):
		ev.Outcome = OutcomePermanent
		ev.Error = err.Error()
	default:
		ev.Outcome = OutcomeTransient
		ev.Error = err.Error()
	}
	s.hooks.dispatch(e.SequenceID, st.Channel, ev.Outcome, time.Since(start).Seconds())

	if aerr := s.store.AppendEvent(ctx, ev); aerr != nil {
		L.Error(ctx, aerr, "record dispatch event", "outcome", ev.Outcome, "provider_message_id", ev.ProviderMessageID)
		return nil, false
	}

	if ev.Outcome == OutcomeSuccess {
		L.Info(ctx, "step dispatched", "provider_message_id", ev.ProviderMessageID)
	} else {
		L.Warn(ctx, "step dispatch failed", "outcome", ev.Outcome, "error", ev.Error, "attempt", e.Attempts+1)
	}
	return ev, true
}

// message builds the outbound message. Problems with the contact or the
// template are permanent: retrying cannot fix them.
func (s *Sequencer) message(ctx context.Context, e *Enrollment, st sequence.Step) (*gateway.Message, error) {
	c, ok, err := s.store.GetContact(ctx, e.ContactID)
	if err != nil {
		return nil, gateway.Transient(fmt.Errorf("load contact: %w", err))
	}
	if !ok {
		return nil, gateway.Permanent(fmt.Errorf("contact %q not found", e.ContactID))
	}
	to := c.Recipient()
	if _, ok := to.Address(st.Channel); !ok {
		return nil, gateway.Permanent(fmt.Errorf("contact %q has no %s address", c.ID, st.Channel))
	}
	tpl, err := s.templates.Resolve(e.SequenceID, st.Index)
	if err != nil {
		return nil, gateway.Permanent(err)
	}
	r := tpl.Render(c.TemplateVars())
	return &gateway.Message{
		IdempotencyKey: e.ID + ":" + strconv.Itoa(st.Index),
		Channel:        st.Channel,
		To:             to,
		Subject:        r.Subject,
		Body:           r.Body,
		Metadata: map[string]string{
			"enrollment_id": e.ID,
			"sequence_id":   e.SequenceID,
			"contact_id":    e.ContactID,
			"template":      tpl.Ref,
		},
	}, nil
}

func (s *Sequencer) deliver(ctx context.Context, msg *gateway.Message) (*gateway.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "gateway.send", trace.WithAttributes(
		attribute.String("outreach.channel", string(msg.Channel)),
	))
	defer span.End()

	rc, err := s.sender.Send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if rc == nil {
		rc = &gateway.Receipt{}
	}
	span.SetAttributes(attribute.String("outreach.provider_message_id", rc.ProviderMessageID))
	return rc, nil
}

// advance marks the current step sent at sentAt and moves to the next one.
func (s *Sequencer) advance(e *Enrollment, seq *sequence.Sequence, sentAt, now time.Time) {
	if e.StepSentAt == nil {
		e.StepSentAt = make(map[int]time.Time)
	}
	if _, exists := e.StepSentAt[e.CurrentStep]; !exists {
		e.StepSentAt[e.CurrentStep] = sentAt
	}
	e.CurrentStep++
	e.Attempts = 0
	e.LastError = ""
	if e.CurrentStep >= seq.Len() {
		s.complete(e, now)
		return
	}
	e.NextDueAt = e.CreatedAt.Add(seq.DueOffset(e.CurrentStep))
}

func (s *Sequencer) complete(e *Enrollment, now time.Time) {
	e.Status = StatusCompleted
	e.CompletedAt = now
}

func (s *Sequencer) cancel(e *Enrollment, cause Cause, reason string) {
	e.Status = StatusCancelled
	e.Cause = cause
	e.Reason = reason
}

// pacer enforces a minimum interval between sends on one worker.
type pacer struct {
	every time.Duration
	last  time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	if p.every <= 0 || p.last.IsZero() {
		return ctx.Err()
	}
	d := p.every - time.Since(p.last)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pacer) mark() { p.last = time.Now() }

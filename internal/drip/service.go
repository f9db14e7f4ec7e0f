package drip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
)

// Enroll results reported through Hooks.OnEnroll.
const (
	EnrollCreated  = "created"
	EnrollExisting = "existing"
	EnrollRejected = "rejected"
)

// EnrollResult is the outcome of an enrollment request.
type EnrollResult struct {
	ID         string      `json:"id"`
	Existing   bool        `json:"existing"`
	Enrollment *Enrollment `json:"enrollment"`
}

// BatchReport is the operator-facing result of a batch send.
type BatchReport struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
	Recovered int `json:"recovered"`
	Due       int `json:"due"`
}

// ServiceConfig tunes a Service.
type ServiceConfig struct {
	// ClaimWait bounds how long manual control waits for an in-flight
	// dispatch to release the enrollment.
	ClaimWait time.Duration
	ClaimTTL  time.Duration
	// MaxBatch caps BatchSend limits. Zero means no cap.
	MaxBatch int
	Hooks    Hooks
	Now      func() time.Time
}

const claimPoll = 50 * time.Millisecond

// Service is the business boundary for enrollment operations.
type Service struct {
	store     Store
	seqs      SequenceSource
	sequencer *Sequencer
	logger    log.Logger
	cfg       ServiceConfig
}

// NewService creates a new enrollment service.
func NewService(store Store, seqs SequenceSource, sequencer *Sequencer, logger log.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 5 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:     store,
		seqs:      seqs,
		sequencer: sequencer,
		logger:    logger,
		cfg:       cfg,
	}
}

// PutContact stores or replaces a contact snapshot. A contact without an ID
// is keyed by its lowercased email, or a fresh ULID when it has none.
func (s *Service) PutContact(ctx context.Context, c *Contact) (*Contact, error) {
	cp := c.Clone()
	if cp.ID == "" {
		if email := strings.ToLower(strings.TrimSpace(cp.Email)); email != "" {
			cp.ID = email
		} else {
			cp.ID = ulid.Make().String()
		}
	}
	cp.UpdatedAt = s.cfg.Now()
	if err := s.store.PutContact(ctx, cp); err != nil {
		return nil, fmt.Errorf("store contact: %w", err)
	}
	return cp, nil
}

// Enroll starts contactID on sequenceID. Re-enrolling while an active or
// paused enrollment exists for the pair returns that enrollment unchanged.
func (s *Service) Enroll(ctx context.Context, contactID, sequenceID string) (*EnrollResult, error) {
	seq, ok := s.seqs.Get(sequenceID)
	if !ok {
		s.cfg.Hooks.enroll(EnrollRejected)
		return nil, fmt.Errorf("%w: %q", ErrUnknownSequence, sequenceID)
	}
	if _, ok, err := s.store.GetContact(ctx, contactID); err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	} else if !ok {
		s.cfg.Hooks.enroll(EnrollRejected)
		return nil, fmt.Errorf("contact %q: %w", contactID, ErrNotFound)
	}

	now := s.cfg.Now()
	e := &Enrollment{
		ID:          ulid.Make().String(),
		ContactID:   contactID,
		SequenceID:  sequenceID,
		Status:      StatusActive,
		CurrentStep: 0,
		StepSentAt:  make(map[int]time.Time),
		NextDueAt:   now.Add(seq.DueOffset(0)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	got, created, err := s.store.CreateEnrollment(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	if !created {
		s.cfg.Hooks.enroll(EnrollExisting)
		return &EnrollResult{ID: got.ID, Existing: true, Enrollment: got}, nil
	}

	s.cfg.Hooks.enroll(EnrollCreated)
	s.cfg.Hooks.transition(StatusActive, CauseNone)
	s.logger.Info(ctx, "contact enrolled",
		"enrollment_id", got.ID,
		"contact_id", contactID,
		"sequence_id", sequenceID,
		"first_due", got.NextDueAt,
	)
	return &EnrollResult{ID: got.ID, Enrollment: got}, nil
}

// EnrollContact stores c and enrolls it on sequenceID.
func (s *Service) EnrollContact(ctx context.Context, c *Contact, sequenceID string) (*EnrollResult, error) {
	if _, ok := s.seqs.Get(sequenceID); !ok {
		s.cfg.Hooks.enroll(EnrollRejected)
		return nil, fmt.Errorf("%w: %q", ErrUnknownSequence, sequenceID)
	}
	stored, err := s.PutContact(ctx, c)
	if err != nil {
		return nil, err
	}
	return s.Enroll(ctx, stored.ID, sequenceID)
}

// Pause suspends an active enrollment.
func (s *Service) Pause(ctx context.Context, id string) (*Enrollment, error) {
	return s.transition(ctx, id, func(e *Enrollment) error {
		if e.Status != StatusActive {
			return fmt.Errorf("%w: cannot pause %s enrollment", ErrInvalidTransition, e.Status)
		}
		e.Status = StatusPaused
		return nil
	})
}

// Resume reactivates a paused enrollment. The schedule stays anchored to the
// enrollment start, so steps that fell due while paused are sent on the next
// tick.
func (s *Service) Resume(ctx context.Context, id string) (*Enrollment, error) {
	return s.transition(ctx, id, func(e *Enrollment) error {
		if e.Status != StatusPaused {
			return fmt.Errorf("%w: cannot resume %s enrollment", ErrInvalidTransition, e.Status)
		}
		e.Status = StatusActive
		return nil
	})
}

// Cancel stops an active or paused enrollment. A step being dispatched when
// Cancel is called finishes first; nothing further is sent.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Enrollment, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	return s.transition(ctx, id, func(e *Enrollment) error {
		if !e.Status.Open() {
			return fmt.Errorf("%w: cannot cancel %s enrollment", ErrInvalidTransition, e.Status)
		}
		e.Status = StatusCancelled
		e.Cause = CauseManual
		e.Reason = reason
		return nil
	})
}

// transition applies fn to the enrollment under its claim.
func (s *Service) transition(ctx context.Context, id string, fn func(e *Enrollment) error) (*Enrollment, error) {
	owner := "api/" + ulid.Make().String()
	e, err := s.claim(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.store.Release(context.WithoutCancel(ctx), id, owner); err != nil {
			s.logger.Error(ctx, err, "release enrollment", "enrollment_id", id)
		}
	}()

	from := e.Status
	if err := fn(e); err != nil {
		return nil, err
	}
	e.UpdatedAt = s.cfg.Now()
	if err := s.store.UpdateEnrollment(ctx, e, owner); err != nil {
		return nil, fmt.Errorf("update enrollment: %w", err)
	}

	s.cfg.Hooks.transition(e.Status, e.Cause)
	s.logger.Info(ctx, "enrollment status changed",
		"enrollment_id", e.ID,
		"from", from,
		"to", e.Status,
	)
	return e, nil
}

// claim takes the enrollment's claim, polling until ClaimWait elapses.
func (s *Service) claim(ctx context.Context, id, owner string) (*Enrollment, error) {
	deadline := time.Now().Add(s.cfg.ClaimWait)
	for {
		e, ok, err := s.store.Claim(ctx, id, owner, s.cfg.Now(), s.cfg.ClaimTTL)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("enrollment %q: %w", id, ErrNotFound)
			}
			return nil, fmt.Errorf("claim enrollment: %w", err)
		}
		if ok {
			return e, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("enrollment %q: %w", id, ErrBusy)
		}
		t := time.NewTimer(claimPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Get retrieves an enrollment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Enrollment, error) {
	e, ok, err := s.store.GetEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("enrollment %q: %w", id, ErrNotFound)
	}
	return e, nil
}

// List returns enrollments matching f.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Enrollment, error) {
	return s.store.ListEnrollments(ctx, f)
}

// Events returns the dispatch history of an enrollment, oldest first.
func (s *Service) Events(ctx context.Context, id string) ([]*DispatchEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// Contact retrieves a stored contact.
func (s *Service) Contact(ctx context.Context, id string) (*Contact, error) {
	c, ok, err := s.store.GetContact(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("contact %q: %w", id, ErrNotFound)
	}
	return c, nil
}

// Stats returns per-status and per-cause counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx, s.cfg.Now())
}

// BatchSend drives up to req.Limit due dispatches, optionally restricted to
// one step and sequence, pacing sends by req.Pace.
func (s *Service) BatchSend(ctx context.Context, req BatchRequest) (*BatchReport, error) {
	if req.Limit <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", ErrInvalidBatch)
	}
	if req.Step != nil && *req.Step < 0 {
		return nil, fmt.Errorf("%w: step number must not be negative", ErrInvalidBatch)
	}
	if req.SequenceID != "" {
		if _, ok := s.seqs.Get(req.SequenceID); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSequence, req.SequenceID)
		}
	}
	if s.cfg.MaxBatch > 0 && req.Limit > s.cfg.MaxBatch {
		req.Limit = s.cfg.MaxBatch
	}

	rep, err := s.sequencer.RunBatch(ctx, s.cfg.Now(), req)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "batch send complete",
		"due", rep.Due,
		"sent", rep.Sent,
		"failed", rep.Failed,
		"recovered", rep.Recovered,
		"remaining", rep.Remaining,
	)
	return &BatchReport{
		Sent:      rep.Sent,
		Failed:    rep.Failed,
		Remaining: rep.Remaining,
		Recovered: rep.Recovered,
		Due:       rep.Due,
	}, nil
}

package drip

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an enrollment or contact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by UpdateEnrollment when the caller no longer
	// holds the claim or the enrollment changed since it was read.
	ErrConflict = errors.New("enrollment modified concurrently")

	// ErrBusy is returned when a claim could not be taken in time.
	ErrBusy = errors.New("enrollment is being processed")

	// ErrInvalidTransition is returned for a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownSequence is returned when enrolling into a sequence that is
	// not in the catalog.
	ErrUnknownSequence = errors.New("unknown sequence")

	// ErrInvalidBatch is returned by BatchSend for a malformed request.
	ErrInvalidBatch = errors.New("invalid batch request")
)

// ListFilter narrows ListEnrollments. Zero values match everything.
type ListFilter struct {
	Status     Status
	Cause      Cause
	SequenceID string
	ContactID  string
	Limit      int
}

// DueFilter selects active enrollments with NextDueAt <= Now, ordered by
// NextDueAt then ID.
type DueFilter struct {
	Now        time.Time
	SequenceID string
	// Step, when set, only matches enrollments whose CurrentStep equals it.
	Step  *int
	Limit int
}

// Store persists enrollments, contacts and the dispatch event log.
//
// Claim takes an exclusive, expiring lease on one enrollment and returns its
// current state; it returns ok=false when another owner holds an unexpired
// claim and ErrNotFound when the enrollment does not exist.
// UpdateEnrollment requires the caller's claim and a matching Version, bumps
// Version and never overwrites an existing StepSentAt entry.
type Store interface {
	PutContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, bool, error)

	// CreateEnrollment inserts e unless an open (active or paused) enrollment
	// exists for the same contact and sequence, in which case that one is
	// returned with created=false.
	CreateEnrollment(ctx context.Context, e *Enrollment) (got *Enrollment, created bool, err error)
	GetEnrollment(ctx context.Context, id string) (*Enrollment, bool, error)
	ListEnrollments(ctx context.Context, f ListFilter) ([]*Enrollment, error)
	ListDue(ctx context.Context, f DueFilter) ([]*Enrollment, error)
	CountDue(ctx context.Context, f DueFilter) (int, error)

	Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*Enrollment, bool, error)
	Release(ctx context.Context, id, owner string) error
	UpdateEnrollment(ctx context.Context, e *Enrollment, owner string) error

	AppendEvent(ctx context.Context, ev *DispatchEvent) error
	SuccessfulDispatch(ctx context.Context, enrollmentID string, step int) (*DispatchEvent, bool, error)
	ListEvents(ctx context.Context, enrollmentID string) ([]*DispatchEvent, error)

	Stats(ctx context.Context, now time.Time) (*Stats, error)
}

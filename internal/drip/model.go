package drip

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/outreach/internal/gateway"
)

// Status tracks where an enrollment is in its lifecycle.
type Status string

const (
	// StatusActive means steps are being dispatched as they come due
	StatusActive Status = "active"

	// StatusPaused means dispatch is suspended until resumed
	StatusPaused Status = "paused"

	// StatusCompleted means every step was sent
	StatusCompleted Status = "completed"

	// StatusCancelled means stopped by an operator or by the failure policy
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Open reports whether the enrollment still counts for the
// one-enrollment-per-contact-and-sequence rule.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusPaused
}

// Cause records why an enrollment was cancelled.
type Cause string

const (
	CauseNone             Cause = ""
	CauseManual           Cause = "manual"
	CauseRetryExhausted   Cause = "retry_exhausted"
	CausePermanentFailure Cause = "permanent_failure"
	CauseInvalidSequence  Cause = "invalid_sequence"
)

// Failure reports whether the cause is a delivery or definition failure
// rather than an operator decision.
func (c Cause) Failure() bool {
	return c == CauseRetryExhausted || c == CausePermanentFailure || c == CauseInvalidSequence
}

// Outcome is the result of one dispatch attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

// Enrollment is one contact's progress through a sequence.
//
// StepSentAt entries are written once and never overwritten, and its keys are
// always exactly 0..CurrentStep-1. NextDueAt caches the due time of
// CurrentStep (or the retry time after a transient failure) so stores can
// index it.
type Enrollment struct {
	ID          string            `json:"id"`
	ContactID   string            `json:"contact_id"`
	SequenceID  string            `json:"sequence_id"`
	Status      Status            `json:"status"`
	CurrentStep int               `json:"current_step"`
	StepSentAt  map[int]time.Time `json:"step_sent_at"`
	Attempts    int               `json:"attempts"`
	NextDueAt   time.Time         `json:"next_due_at"`
	Cause       Cause             `json:"cause,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	Version     int64             `json:"version"`
}

// Clone returns a deep copy.
func (e *Enrollment) Clone() *Enrollment {
	cp := *e
	cp.StepSentAt = maps.Clone(e.StepSentAt)
	if cp.StepSentAt == nil {
		cp.StepSentAt = make(map[int]time.Time)
	}
	return &cp
}

// SentSteps returns the step indexes with a recorded send time, ascending.
func (e *Enrollment) SentSteps() []int {
	return slices.Sorted(maps.Keys(e.StepSentAt))
}

// DispatchEvent is an append-only record of one delivery attempt. A success
// event for (EnrollmentID, StepIndex) marks that step as dispatched.
type DispatchEvent struct {
	ID                string    `json:"id"`
	EnrollmentID      string    `json:"enrollment_id"`
	StepIndex         int       `json:"step_index"`
	Channel           string    `json:"channel"`
	AttemptedAt       time.Time `json:"attempted_at"`
	Outcome           Outcome   `json:"outcome"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// Contact is the local snapshot of a CRM contact used to address and render
// messages.
type Contact struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	FirstName string            `json:"first_name,omitempty"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Social    string            `json:"social,omitempty"`
	Company   string            `json:"company,omitempty"`
	Title     string            `json:"title,omitempty"`
	Location  string            `json:"location,omitempty"`
	Vars      map[string]string `json:"vars,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *Contact) Clone() *Contact {
	cp := *c
	cp.Vars = maps.Clone(c.Vars)
	return &cp
}

// Recipient returns the delivery addresses.
func (c *Contact) Recipient() gateway.Recipient {
	return gateway.Recipient{Name: c.Name, Email: c.Email, Phone: c.Phone, Social: c.Social}
}

// TemplateVars returns the placeholder values for rendering. Empty fields are
// omitted so the renderer falls back to its defaults; Vars override the
// derived keys.
func (c *Contact) TemplateVars() map[string]string {
	vars := make(map[string]string, 6+len(c.Vars))
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			vars[k] = v
		}
	}
	first := c.FirstName
	if first == "" {
		if f := strings.Fields(c.Name); len(f) > 0 {
			first = f[0]
		}
	}
	set("first_name", first)
	set("name", c.Name)
	set("company", c.Company)
	set("title", c.Title)
	set("location", c.Location)
	set("email", c.Email)
	for k, v := range c.Vars {
		set(k, v)
	}
	return vars
}

// Stats is the aggregate view read by dashboards.
type Stats struct {
	ByStatus map[Status]int `json:"by_status"`
	ByCause  map[Cause]int  `json:"by_cause"`
	Due      int            `json:"due"`
	Total    int            `json:"total"`
}

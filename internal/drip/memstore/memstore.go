// Package memstore provides an in-memory implementation of drip.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/outreach/internal/drip"
)

type row struct {
	e            *drip.Enrollment
	owner        string
	claimExpires time.Time
}

type pairKey struct{ contact, sequence string }

// Store holds enrollments, contacts and events in memory. Suitable for
// dev/testing.
type Store struct {
	mu       sync.RWMutex
	contacts map[string]*drip.Contact
	rows     map[string]*row                  // enrollment ID -> row
	open     map[pairKey]string               // (contact, sequence) -> open enrollment ID
	events   map[string][]*drip.DispatchEvent // enrollment ID -> events, append order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		contacts: make(map[string]*drip.Contact),
		rows:     make(map[string]*row),
		open:     make(map[pairKey]string),
		events:   make(map[string][]*drip.DispatchEvent),
	}
}

var _ drip.Store = (*Store)(nil)

// PutContact stores a copy of the contact.
func (s *Store) PutContact(_ context.Context, c *drip.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c.Clone()
	return nil
}

// GetContact returns a copy of the contact.
func (s *Store) GetContact(_ context.Context, id string) (*drip.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

// CreateEnrollment inserts e unless an open enrollment exists for the pair.
func (s *Store) CreateEnrollment(_ context.Context, e *drip.Enrollment) (*drip.Enrollment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey{e.ContactID, e.SequenceID}
	if id, ok := s.open[k]; ok {
		return s.rows[id].e.Clone(), false, nil
	}
	cp := e.Clone()
	cp.Version = 1
	s.rows[cp.ID] = &row{e: cp}
	if cp.Status.Open() {
		s.open[k] = cp.ID
	}
	return cp.Clone(), true, nil
}

// GetEnrollment returns a copy of the enrollment.
func (s *Store) GetEnrollment(_ context.Context, id string) (*drip.Enrollment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, false, nil
	}
	return r.e.Clone(), true, nil
}

// ListEnrollments returns matching enrollments, oldest first.
func (s *Store) ListEnrollments(_ context.Context, f drip.ListFilter) ([]*drip.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*drip.Enrollment
	for _, r := range s.rows {
		e := r.e
		if (f.Status != "" && e.Status != f.Status) ||
			(f.Cause != "" && e.Cause != f.Cause) ||
			(f.SequenceID != "" && e.SequenceID != f.SequenceID) ||
			(f.ContactID != "" && e.ContactID != f.ContactID) {
			continue
		}
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b *drip.Enrollment) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) due(f drip.DueFilter) []*drip.Enrollment {
	var out []*drip.Enrollment
	for _, r := range s.rows {
		e := r.e
		if e.Status != drip.StatusActive || e.NextDueAt.After(f.Now) ||
			(f.SequenceID != "" && e.SequenceID != f.SequenceID) ||
			(f.Step != nil && e.CurrentStep != *f.Step) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ListDue returns active enrollments due at f.Now, earliest first.
func (s *Store) ListDue(_ context.Context, f drip.DueFilter) ([]*drip.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := s.due(f)
	slices.SortFunc(due, func(a, b *drip.Enrollment) int {
		return cmp.Or(a.NextDueAt.Compare(b.NextDueAt), cmp.Compare(a.ID, b.ID))
	})
	if f.Limit > 0 && len(due) > f.Limit {
		due = due[:f.Limit]
	}
	out := make([]*drip.Enrollment, len(due))
	for i, e := range due {
		out[i] = e.Clone()
	}
	return out, nil
}

// CountDue counts active enrollments due at f.Now. f.Limit is ignored.
func (s *Store) CountDue(_ context.Context, f drip.DueFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.due(f)), nil
}

// Claim takes the enrollment's lease unless another owner holds a live one.
func (s *Store) Claim(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (*drip.Enrollment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, false, drip.ErrNotFound
	}
	if r.owner != "" && r.owner != owner && r.claimExpires.After(now) {
		return nil, false, nil
	}
	r.owner = owner
	r.claimExpires = now.Add(ttl)
	return r.e.Clone(), true, nil
}

// Release drops owner's lease. Releasing a lease held by someone else is a
// no-op.
func (s *Store) Release(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok && r.owner == owner {
		r.owner = ""
		r.claimExpires = time.Time{}
	}
	return nil
}

// UpdateEnrollment writes e if owner holds the lease and the version matches.
// On success e.Version is bumped.
func (s *Store) UpdateEnrollment(_ context.Context, e *drip.Enrollment, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[e.ID]
	if !ok {
		return drip.ErrNotFound
	}
	if r.owner != owner || r.e.Version != e.Version {
		return drip.ErrConflict
	}

	cp := e.Clone()
	for k, v := range r.e.StepSentAt {
		cp.StepSentAt[k] = v
	}
	cp.Version = e.Version + 1
	r.e = cp
	e.Version = cp.Version

	k := pairKey{cp.ContactID, cp.SequenceID}
	if !cp.Status.Open() && s.open[k] == cp.ID {
		delete(s.open, k)
	}
	return nil
}

// AppendEvent records a dispatch attempt.
func (s *Store) AppendEvent(_ context.Context, ev *drip.DispatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.EnrollmentID] = append(s.events[ev.EnrollmentID], &cp)
	return nil
}

// SuccessfulDispatch returns the first success event for the step.
func (s *Store) SuccessfulDispatch(_ context.Context, enrollmentID string, step int) (*drip.DispatchEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events[enrollmentID] {
		if ev.StepIndex == step && ev.Outcome == drip.OutcomeSuccess {
			cp := *ev
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// ListEvents returns an enrollment's events in append order.
func (s *Store) ListEvents(_ context.Context, enrollmentID string) ([]*drip.DispatchEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[enrollmentID]
	out := make([]*drip.DispatchEvent, len(evs))
	for i, ev := range evs {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// Stats counts enrollments per status and cause.
func (s *Store) Stats(_ context.Context, now time.Time) (*drip.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &drip.Stats{
		ByStatus: make(map[drip.Status]int),
		ByCause:  make(map[drip.Cause]int),
		Due:      len(s.due(drip.DueFilter{Now: now})),
		Total:    len(s.rows),
	}
	for _, r := range s.rows {
		st.ByStatus[r.e.Status]++
		if r.e.Cause != drip.CauseNone {
			st.ByCause[r.e.Cause]++
		}
	}
	return st, nil
}

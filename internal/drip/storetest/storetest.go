// Package storetest is a behavioural test suite every drip.Store
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/outreach/internal/drip"
)

// T0 is the base time used by the suite. Whole seconds so every backend
// round-trips it exactly.
var T0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// NewStore returns an empty store. It is called once per subtest.
type NewStore func(t *testing.T) drip.Store

// Run runs the suite against stores produced by newStore.
func Run(t *testing.T, newStore NewStore) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s drip.Store)
	}{
		{"Contacts", testContacts},
		{"CreateEnrollmentIdempotent", testCreateIdempotent},
		{"ReenrollAfterTerminal", testReenrollAfterTerminal},
		{"ClaimExclusive", testClaimExclusive},
		{"ClaimConcurrent", testClaimConcurrent},
		{"UpdateRequiresClaimAndVersion", testUpdateGuards},
		{"StepSentAtAppendOnly", testStepSentAtAppendOnly},
		{"ListDue", testListDue},
		{"ListEnrollments", testListEnrollments},
		{"Events", testEvents},
		{"Stats", testStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Contact returns a contact fixture.
func Contact(id string) *drip.Contact {
	return &drip.Contact{
		ID:        id,
		Name:      "Ana Ruiz",
		Email:     id + "@example.com",
		Phone:     "+525555550100",
		Company:   "Oaxaca International School",
		Title:     "Director",
		Vars:      map[string]string{"campus": "north"},
		UpdatedAt: T0,
	}
}

// Enrollment returns an active enrollment fixture due at due.
func Enrollment(id, contactID, sequenceID string, due time.Time) *drip.Enrollment {
	return &drip.Enrollment{
		ID:         id,
		ContactID:  contactID,
		SequenceID: sequenceID,
		Status:     drip.StatusActive,
		StepSentAt: map[int]time.Time{},
		NextDueAt:  due,
		CreatedAt:  T0,
		UpdatedAt:  T0,
	}
}

func create(t *testing.T, s drip.Store, e *drip.Enrollment) *drip.Enrollment {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := s.GetContact(ctx, e.ContactID); err == nil && !ok {
		require.NoError(t, s.PutContact(ctx, Contact(e.ContactID)))
	}
	got, created, err := s.CreateEnrollment(ctx, e)
	require.NoError(t, err)
	require.True(t, created, "enrollment %s not created", e.ID)
	return got
}

// update claims e, applies fn and writes it back.
func update(t *testing.T, s drip.Store, id string, fn func(e *drip.Enrollment)) *drip.Enrollment {
	t.Helper()
	ctx := context.Background()
	e, ok, err := s.Claim(ctx, id, "test", T0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	fn(e)
	require.NoError(t, s.UpdateEnrollment(ctx, e, "test"))
	require.NoError(t, s.Release(ctx, id, "test"))
	return e
}

func testContacts(t *testing.T, s drip.Store) {
	ctx := context.Background()

	_, ok, err := s.GetContact(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	c := Contact("c1")
	require.NoError(t, s.PutContact(ctx, c))
	c.Vars["campus"] = "mutated"

	got, ok, err := s.GetContact(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ana Ruiz", got.Name)
	assert.Equal(t, "north", got.Vars["campus"])

	c2 := Contact("c1")
	c2.Title = "Principal"
	require.NoError(t, s.PutContact(ctx, c2))
	got, _, err = s.GetContact(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Principal", got.Title)
}

func testCreateIdempotent(t *testing.T, s drip.Store) {
	ctx := context.Background()
	first := create(t, s, Enrollment("e1", "c1", "seq", T0))
	assert.Equal(t, int64(1), first.Version)

	got, created, err := s.CreateEnrollment(ctx, Enrollment("e2", "c1", "seq", T0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "e1", got.ID)

	_, ok, err := s.GetEnrollment(ctx, "e2")
	require.NoError(t, err)
	assert.False(t, ok)

	// paused still counts as open
	update(t, s, "e1", func(e *drip.Enrollment) { e.Status = drip.StatusPaused })
	got, created, err = s.CreateEnrollment(ctx, Enrollment("e3", "c1", "seq", T0))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "e1", got.ID)

	// other sequence is independent
	create(t, s, Enrollment("e4", "c1", "other", T0))
}

func testReenrollAfterTerminal(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("e1", "c1", "seq", T0))
	update(t, s, "e1", func(e *drip.Enrollment) {
		e.Status = drip.StatusCancelled
		e.Cause = drip.CauseManual
	})

	got, created, err := s.CreateEnrollment(ctx, Enrollment("e2", "c1", "seq", T0))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "e2", got.ID)
}

func testClaimExclusive(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("e1", "c1", "seq", T0))

	_, _, err := s.Claim(ctx, "missing", "a", T0, time.Minute)
	require.ErrorIs(t, err, drip.ErrNotFound)

	e, ok, err := s.Claim(ctx, "e1", "a", T0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "e1", e.ID)

	_, ok, err = s.Claim(ctx, "e1", "b", T0.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live claim must block another owner")

	// expired claims can be taken over
	_, ok, err = s.Claim(ctx, "e1", "b", T0.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// releasing someone else's claim does nothing
	require.NoError(t, s.Release(ctx, "e1", "a"))
	_, ok, err = s.Claim(ctx, "e1", "c", T0.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "e1", "b"))
	_, ok, err = s.Claim(ctx, "e1", "c", T0.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testClaimConcurrent(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("e1", "c1", "seq", T0))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Claim(ctx, "e1", fmt.Sprintf("w%d", i), T0, time.Minute)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testUpdateGuards(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("e1", "c1", "seq", T0))

	e, ok, err := s.Claim(ctx, "e1", "a", T0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	e.CurrentStep = 1
	require.ErrorIs(t, s.UpdateEnrollment(ctx, e, "b"), drip.ErrConflict)

	stale := e.Clone()
	require.NoError(t, s.UpdateEnrollment(ctx, e, "a"))
	assert.Equal(t, int64(2), e.Version)

	stale.CurrentStep = 5
	require.ErrorIs(t, s.UpdateEnrollment(ctx, stale, "a"), drip.ErrConflict)

	got, _, err := s.GetEnrollment(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, int64(2), got.Version)

	missing := Enrollment("nope", "c1", "seq", T0)
	require.ErrorIs(t, s.UpdateEnrollment(ctx, missing, "a"), drip.ErrNotFound)
}

func testStepSentAtAppendOnly(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("e1", "c1", "seq", T0))

	first := T0.Add(time.Hour)
	update(t, s, "e1", func(e *drip.Enrollment) {
		e.StepSentAt[0] = first
		e.CurrentStep = 1
	})
	update(t, s, "e1", func(e *drip.Enrollment) {
		e.StepSentAt[0] = T0.Add(48 * time.Hour)
		e.StepSentAt[1] = T0.Add(72 * time.Hour)
		e.CurrentStep = 2
	})

	got, _, err := s.GetEnrollment(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, got.StepSentAt, 2)
	assert.True(t, got.StepSentAt[0].Equal(first), "step 0 overwritten: %v", got.StepSentAt[0])
	assert.True(t, got.StepSentAt[1].Equal(T0.Add(72*time.Hour)))
	assert.Equal(t, []int{0, 1}, got.SentSteps())
}

func testListDue(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("late", "c1", "seq", T0.Add(2*time.Hour)))
	create(t, s, Enrollment("b", "c2", "seq", T0))
	create(t, s, Enrollment("a", "c3", "seq", T0))
	create(t, s, Enrollment("other", "c4", "other", T0.Add(time.Hour)))
	create(t, s, Enrollment("paused", "c5", "seq", T0))
	update(t, s, "paused", func(e *drip.Enrollment) { e.Status = drip.StatusPaused })
	update(t, s, "other", func(e *drip.Enrollment) { e.CurrentStep = 1 })

	now := T0.Add(time.Hour)
	due, err := s.ListDue(ctx, drip.DueFilter{Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "other"}, ids(due))

	n, err := s.CountDue(ctx, drip.DueFilter{Now: now, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	due, err = s.ListDue(ctx, drip.DueFilter{Now: now, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(due))

	due, err = s.ListDue(ctx, drip.DueFilter{Now: now, SequenceID: "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, ids(due))

	one := 1
	due, err = s.ListDue(ctx, drip.DueFilter{Now: now, Step: &one})
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, ids(due))

	zero := 0
	n, err = s.CountDue(ctx, drip.DueFilter{Now: T0.Add(3 * time.Hour), Step: &zero})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testListEnrollments(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("e1", "c1", "seq", T0))
	create(t, s, Enrollment("e2", "c2", "seq", T0))
	create(t, s, Enrollment("e3", "c1", "other", T0))
	update(t, s, "e2", func(e *drip.Enrollment) {
		e.Status = drip.StatusCancelled
		e.Cause = drip.CauseRetryExhausted
		e.Reason = "step 1 failed 3 times"
	})

	all, err := s.ListEnrollments(ctx, drip.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids(all))

	got, err := s.ListEnrollments(ctx, drip.ListFilter{Status: drip.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, drip.CauseRetryExhausted, got[0].Cause)
	assert.Equal(t, "step 1 failed 3 times", got[0].Reason)

	got, err = s.ListEnrollments(ctx, drip.ListFilter{Cause: drip.CauseRetryExhausted})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, ids(got))

	got, err = s.ListEnrollments(ctx, drip.ListFilter{ContactID: "c1", SequenceID: "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, ids(got))

	got, err = s.ListEnrollments(ctx, drip.ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func testEvents(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("e1", "c1", "seq", T0))

	_, ok, err := s.SuccessfulDispatch(ctx, "e1", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	events := []*drip.DispatchEvent{
		{ID: "ev1", EnrollmentID: "e1", StepIndex: 0, Channel: "email", AttemptedAt: T0, Outcome: drip.OutcomeTransient, Error: "timeout"},
		{ID: "ev2", EnrollmentID: "e1", StepIndex: 0, Channel: "email", AttemptedAt: T0.Add(time.Minute), Outcome: drip.OutcomeSuccess, ProviderMessageID: "pm-1"},
		{ID: "ev3", EnrollmentID: "e1", StepIndex: 1, Channel: "voice", AttemptedAt: T0.Add(time.Hour), Outcome: drip.OutcomePermanent, Error: "bad number"},
	}
	for _, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	ev, ok, err := s.SuccessfulDispatch(ctx, "e1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ev2", ev.ID)
	assert.Equal(t, "pm-1", ev.ProviderMessageID)
	assert.True(t, ev.AttemptedAt.Equal(T0.Add(time.Minute)))

	_, ok, err = s.SuccessfulDispatch(ctx, "e1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.ListEvents(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "ev1", got[0].ID)
	assert.Equal(t, drip.OutcomeTransient, got[0].Outcome)
	assert.Equal(t, "timeout", got[0].Error)
	assert.Equal(t, "ev3", got[2].ID)

	none, err := s.ListEvents(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testStats(t *testing.T, s drip.Store) {
	ctx := context.Background()
	create(t, s, Enrollment("e1", "c1", "seq", T0))
	create(t, s, Enrollment("e2", "c2", "seq", T0.Add(time.Hour)))
	create(t, s, Enrollment("e3", "c3", "seq", T0))
	create(t, s, Enrollment("e4", "c4", "seq", T0))
	update(t, s, "e3", func(e *drip.Enrollment) {
		e.Status = drip.StatusCancelled
		e.Cause = drip.CausePermanentFailure
	})
	update(t, s, "e4", func(e *drip.Enrollment) {
		e.Status = drip.StatusCompleted
		e.CompletedAt = T0
	})

	st, err := s.Stats(ctx, T0)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.ByStatus[drip.StatusActive])
	assert.Equal(t, 1, st.ByStatus[drip.StatusCancelled])
	assert.Equal(t, 1, st.ByStatus[drip.StatusCompleted])
	assert.Equal(t, 1, st.ByCause[drip.CausePermanentFailure])
	assert.Equal(t, 1, st.Due)
}

func ids(es []*drip.Enrollment) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

// Package pgstore provides a PostgreSQL implementation of drip.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/outreach/internal/drip"
)

var tracer = otel.Tracer("github.com/linnemanlabs/outreach/internal/drip/pgstore")

//go:embed schema.sql
var schema string

// Store persists contacts, enrollments and dispatch events in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ drip.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// PutContact inserts or replaces a contact.
func (s *Store) PutContact(ctx context.Context, c *drip.Contact) error {
	ctx, span := startSpan(ctx, "PutContact", "UPSERT")
	defer span.End()

	vars := c.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (id, name, first_name, email, phone, social, company, title, location, vars, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name       = EXCLUDED.name,
			first_name = EXCLUDED.first_name,
			email      = EXCLUDED.email,
			phone      = EXCLUDED.phone,
			social     = EXCLUDED.social,
			company    = EXCLUDED.company,
			title      = EXCLUDED.title,
			location   = EXCLUDED.location,
			vars       = EXCLUDED.vars,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Name, c.FirstName, c.Email, c.Phone, c.Social, c.Company, c.Title, c.Location,
		vars, nullTime(c.UpdatedAt),
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert contact: %w", err))
	}
	return nil
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id string) (*drip.Contact, bool, error) {
	ctx, span := startSpan(ctx, "GetContact", "SELECT")
	defer span.End()

	var c drip.Contact
	var updated *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, first_name, email, phone, social, company, title, location, vars, updated_at
		FROM contacts WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.FirstName, &c.Email, &c.Phone, &c.Social, &c.Company, &c.Title, &c.Location, &c.Vars, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("query contact: %w", err))
	}
	c.UpdatedAt = derefTime(updated)
	return &c, true, nil
}

const enrollmentColumns = `id, contact_id, sequence_id, status, current_step, attempts, next_due_at,
	cause, reason, last_error, created_at, updated_at, completed_at, version`

func scanEnrollment(row pgx.Row) (*drip.Enrollment, error) {
	var (
		e                 drip.Enrollment
		status, cause     string
		due, created, upd time.Time
		completed         *time.Time
	)
	if err := row.Scan(&e.ID, &e.ContactID, &e.SequenceID, &status, &e.CurrentStep, &e.Attempts, &due,
		&cause, &e.Reason, &e.LastError, &created, &upd, &completed, &e.Version); err != nil {
		return nil, err
	}
	e.Status = drip.Status(status)
	e.Cause = drip.Cause(cause)
	e.NextDueAt = due.UTC()
	e.CreatedAt = created.UTC()
	e.UpdatedAt = upd.UTC()
	e.CompletedAt = derefTime(completed)
	e.StepSentAt = make(map[int]time.Time)
	return &e, nil
}

// loadSteps fills StepSentAt for every enrollment in es with one query.
func (s *Store) loadSteps(ctx context.Context, q pgxQuerier, es ...*drip.Enrollment) error {
	if len(es) == 0 {
		return nil
	}
	byID := make(map[string]*drip.Enrollment, len(es))
	ids := make([]string, 0, len(es))
	for _, e := range es {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}
	rows, err := q.Query(ctx,
		`SELECT enrollment_id, step_index, sent_at FROM enrollment_steps WHERE enrollment_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var idx int
		var at time.Time
		if err := rows.Scan(&id, &idx, &at); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		if e, ok := byID[id]; ok {
			e.StepSentAt[idx] = at.UTC()
		}
	}
	return rows.Err()
}

// pgxQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getEnrollment(ctx context.Context, q pgxQuerier, id string) (*drip.Enrollment, bool, error) {
	e, err := scanEnrollment(q.QueryRow(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query enrollment: %w", err)
	}
	if err := s.loadSteps(ctx, q, e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (s *Store) listEnrollments(ctx context.Context, query string, args ...any) ([]*drip.Enrollment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	var out []*drip.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	if err := s.loadSteps(ctx, s.pool, out...); err != nil {
		return nil, err
	}
	return out, nil
}

func insertSteps(ctx context.Context, tx pgx.Tx, e *drip.Enrollment) error {
	for idx, at := range e.StepSentAt {
		if _, err := tx.Exec(ctx, `
			INSERT INTO enrollment_steps (enrollment_id, step_index, sent_at) VALUES ($1, $2, $3)
			ON CONFLICT (enrollment_id, step_index) DO NOTHING`,
			e.ID, idx, at,
		); err != nil {
			return fmt.Errorf("insert step %d: %w", idx, err)
		}
	}
	return nil
}

// CreateEnrollment inserts e unless an open enrollment exists for the pair,
// in which case the existing one is returned.
func (s *Store) CreateEnrollment(ctx context.Context, e *drip.Enrollment) (*drip.Enrollment, bool, error) {
	ctx, span := startSpan(ctx, "CreateEnrollment", "INSERT")
	defer span.End()

	// A concurrent cancel can close the conflicting row between the insert
	// and the lookup; retry a few times before giving up.
	for range 3 {
		got, created, err := s.tryCreate(ctx, e)
		if err != nil {
			return nil, false, fail(span, err)
		}
		if got != nil {
			return got, created, nil
		}
	}
	return nil, false, fail(span, fmt.Errorf("create enrollment %s: %w", e.ID, drip.ErrConflict))
}

func (s *Store) tryCreate(ctx context.Context, e *drip.Enrollment) (*drip.Enrollment, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `
		INSERT INTO enrollments (id, contact_id, sequence_id, status, current_step, attempts, next_due_at,
			cause, reason, last_error, created_at, updated_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		ON CONFLICT (contact_id, sequence_id) WHERE status IN ('active', 'paused') DO NOTHING`,
		e.ID, e.ContactID, e.SequenceID, string(e.Status), e.CurrentStep, e.Attempts, e.NextDueAt,
		string(e.Cause), e.Reason, e.LastError, e.CreatedAt, e.UpdatedAt, nullTime(e.CompletedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert enrollment: %w", err)
	}

	id := e.ID
	created := tag.RowsAffected() == 1
	if created {
		if err := insertSteps(ctx, tx, e); err != nil {
			return nil, false, err
		}
	} else {
		err := tx.QueryRow(ctx, `
			SELECT id FROM enrollments
			WHERE contact_id = $1 AND sequence_id = $2 AND status IN ('active', 'paused')`,
			e.ContactID, e.SequenceID,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("query open enrollment: %w", err)
		}
	}

	got, _, err := s.getEnrollment(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return got, created, nil
}

// GetEnrollment retrieves an enrollment by ID.
func (s *Store) GetEnrollment(ctx context.Context, id string) (*drip.Enrollment, bool, error) {
	ctx, span := startSpan(ctx, "GetEnrollment", "SELECT")
	defer span.End()

	e, ok, err := s.getEnrollment(ctx, s.pool, id)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return e, ok, nil
}

type args struct {
	where []string
	vals  []any
}

func (a *args) add(clause string, v any) {
	a.vals = append(a.vals, v)
	a.where = append(a.where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(a.vals))))
}

func (a *args) limit(n int) string {
	if n <= 0 {
		return ""
	}
	a.vals = append(a.vals, n)
	return " LIMIT $" + strconv.Itoa(len(a.vals))
}

// ListEnrollments returns matching enrollments, oldest first.
func (s *Store) ListEnrollments(ctx context.Context, f drip.ListFilter) ([]*drip.Enrollment, error) {
	ctx, span := startSpan(ctx, "ListEnrollments", "SELECT")
	defer span.End()

	var a args
	if f.Status != "" {
		a.add("status = ?", string(f.Status))
	}
	if f.Cause != "" {
		a.add("cause = ?", string(f.Cause))
	}
	if f.SequenceID != "" {
		a.add("sequence_id = ?", f.SequenceID)
	}
	if f.ContactID != "" {
		a.add("contact_id = ?", f.ContactID)
	}
	q := `SELECT ` + enrollmentColumns + ` FROM enrollments`
	if len(a.where) > 0 {
		q += ` WHERE ` + strings.Join(a.where, " AND ")
	}
	q += ` ORDER BY created_at, id` + a.limit(f.Limit)

	out, err := s.listEnrollments(ctx, q, a.vals...)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func dueArgs(f drip.DueFilter) *args {
	a := &args{}
	a.where = append(a.where, "status = 'active'")
	a.add("next_due_at <= ?", f.Now)
	if f.SequenceID != "" {
		a.add("sequence_id = ?", f.SequenceID)
	}
	if f.Step != nil {
		a.add("current_step = ?", *f.Step)
	}
	return a
}

// ListDue returns active enrollments due at f.Now, earliest first.
func (s *Store) ListDue(ctx context.Context, f drip.DueFilter) ([]*drip.Enrollment, error) {
	ctx, span := startSpan(ctx, "ListDue", "SELECT")
	defer span.End()

	a := dueArgs(f)
	q := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE ` + strings.Join(a.where, " AND ") +
		` ORDER BY next_due_at, id` + a.limit(f.Limit)
	out, err := s.listEnrollments(ctx, q, a.vals...)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("drip.due", len(out)))
	return out, nil
}

// CountDue counts active enrollments due at f.Now, ignoring f.Limit.
func (s *Store) CountDue(ctx context.Context, f drip.DueFilter) (int, error) {
	ctx, span := startSpan(ctx, "CountDue", "SELECT")
	defer span.End()

	a := dueArgs(f)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM enrollments WHERE `+strings.Join(a.where, " AND "), a.vals...).Scan(&n)
	if err != nil {
		return 0, fail(span, fmt.Errorf("count due: %w", err))
	}
	return n, nil
}

// Claim takes the enrollment's lease unless another owner holds a live one.
// The row lock taken by the UPDATE makes concurrent claims serialize.
func (s *Store) Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*drip.Enrollment, bool, error) {
	ctx, span := startSpan(ctx, "Claim", "UPDATE")
	defer span.End()

	e, err := scanEnrollment(s.pool.QueryRow(ctx, `
		UPDATE enrollments SET claimed_by = $2, claim_expires_at = $3
		WHERE id = $1 AND (claimed_by = '' OR claimed_by = $2 OR claim_expires_at <= $4)
		RETURNING `+enrollmentColumns,
		id, owner, now.Add(ttl), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM enrollments WHERE id = $1`, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, drip.ErrNotFound
		}
		if err != nil {
			return nil, false, fail(span, fmt.Errorf("check enrollment: %w", err))
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("claim enrollment: %w", err))
	}
	if err := s.loadSteps(ctx, s.pool, e); err != nil {
		return nil, false, fail(span, err)
	}
	return e, true, nil
}

// Release drops owner's lease.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	ctx, span := startSpan(ctx, "Release", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`UPDATE enrollments SET claimed_by = '', claim_expires_at = NULL WHERE id = $1 AND claimed_by = $2`,
		id, owner,
	)
	if err != nil {
		return fail(span, fmt.Errorf("release enrollment: %w", err))
	}
	return nil
}

// UpdateEnrollment writes e if owner holds the lease and the version
// matches, then bumps e.Version. Recorded step times are never replaced.
func (s *Store) UpdateEnrollment(ctx context.Context, e *drip.Enrollment, owner string) error {
	ctx, span := startSpan(ctx, "UpdateEnrollment", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `
		UPDATE enrollments SET
			status       = $4,
			current_step = $5,
			attempts     = $6,
			next_due_at  = $7,
			cause        = $8,
			reason       = $9,
			last_error   = $10,
			updated_at   = $11,
			completed_at = $12,
			version      = version + 1
		WHERE id = $1 AND claimed_by = $2 AND version = $3`,
		e.ID, owner, e.Version,
		string(e.Status), e.CurrentStep, e.Attempts, e.NextDueAt, string(e.Cause), e.Reason,
		e.LastError, e.UpdatedAt, nullTime(e.CompletedAt),
	)
	if err != nil {
		return fail(span, fmt.Errorf("update enrollment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM enrollments WHERE id = $1`, e.ID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return drip.ErrNotFound
		}
		if err != nil {
			return fail(span, fmt.Errorf("check enrollment: %w", err))
		}
		return drip.ErrConflict
	}
	if err := insertSteps(ctx, tx, e); err != nil {
		return fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	e.Version++
	return nil
}

// AppendEvent records a dispatch attempt.
func (s *Store) AppendEvent(ctx context.Context, ev *drip.DispatchEvent) error {
	ctx, span := startSpan(ctx, "AppendEvent", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_events (id, enrollment_id, step_index, channel, attempted_at, outcome, provider_message_id, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EnrollmentID, ev.StepIndex, ev.Channel, ev.AttemptedAt, string(ev.Outcome),
		ev.ProviderMessageID, ev.Error,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert dispatch event: %w", err))
	}
	return nil
}

const eventColumns = `id, enrollment_id, step_index, channel, attempted_at, outcome, provider_message_id, error`

func scanEvent(row pgx.Row) (*drip.DispatchEvent, error) {
	var ev drip.DispatchEvent
	var outcome string
	if err := row.Scan(&ev.ID, &ev.EnrollmentID, &ev.StepIndex, &ev.Channel, &ev.AttemptedAt, &outcome,
		&ev.ProviderMessageID, &ev.Error); err != nil {
		return nil, err
	}
	ev.AttemptedAt = ev.AttemptedAt.UTC()
	ev.Outcome = drip.Outcome(outcome)
	return &ev, nil
}

// SuccessfulDispatch returns the first success event for the step.
func (s *Store) SuccessfulDispatch(ctx context.Context, enrollmentID string, step int) (*drip.DispatchEvent, bool, error) {
	ctx, span := startSpan(ctx, "SuccessfulDispatch", "SELECT")
	defer span.End()

	ev, err := scanEvent(s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM dispatch_events
		WHERE enrollment_id = $1 AND step_index = $2 AND outcome = 'success'
		ORDER BY seq LIMIT 1`, enrollmentID, step))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("query dispatch event: %w", err))
	}
	return ev, true, nil
}

// ListEvents returns an enrollment's events in append order.
func (s *Store) ListEvents(ctx context.Context, enrollmentID string) ([]*drip.DispatchEvent, error) {
	ctx, span := startSpan(ctx, "ListEvents", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM dispatch_events WHERE enrollment_id = $1 ORDER BY seq`, enrollmentID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query dispatch events: %w", err))
	}
	defer rows.Close()

	out := []*drip.DispatchEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan dispatch event: %w", err))
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate dispatch events: %w", err))
	}
	return out, nil
}

// Stats counts enrollments per status and cause.
func (s *Store) Stats(ctx context.Context, now time.Time) (*drip.Stats, error) {
	ctx, span := startSpan(ctx, "Stats", "SELECT")
	defer span.End()

	st := &drip.Stats{
		ByStatus: make(map[drip.Status]int),
		ByCause:  make(map[drip.Cause]int),
	}
	rows, err := s.pool.Query(ctx, `
		SELECT status, cause, COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active' AND next_due_at <= $1)
		FROM enrollments GROUP BY status, cause`, now)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query stats: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var status, cause string
		var n, due int
		if err := rows.Scan(&status, &cause, &n, &due); err != nil {
			return nil, fail(span, fmt.Errorf("scan stats: %w", err))
		}
		st.ByStatus[drip.Status(status)] += n
		if cause != "" {
			st.ByCause[drip.Cause(cause)] += n
		}
		st.Total += n
		st.Due += due
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate stats: %w", err))
	}
	return st, nil
}

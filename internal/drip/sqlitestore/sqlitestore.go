// Package sqlitestore implements drip.Store on SQLite for single-node
// deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/linnemanlabs/outreach/internal/drip"
)

//go:embed schema.sql
var schema string

// Store persists enrollments in a SQLite database. All access goes through
// one connection, which serializes writers the way SQLite requires.
type Store struct {
	db *sql.DB
}

var _ drip.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// PutContact inserts or replaces a contact.
func (s *Store) PutContact(ctx context.Context, c *drip.Contact) error {
	vars, err := json.Marshal(c.Vars)
	if err != nil {
		return fmt.Errorf("marshal contact vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, name, first_name, email, phone, social, company, title, location, vars, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, first_name = excluded.first_name, email = excluded.email,
			phone = excluded.phone, social = excluded.social, company = excluded.company,
			title = excluded.title, location = excluded.location, vars = excluded.vars,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.FirstName, c.Email, c.Phone, c.Social, c.Company, c.Title, c.Location,
		string(vars), nanos(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id string) (*drip.Contact, bool, error) {
	var c drip.Contact
	var vars string
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, first_name, email, phone, social, company, title, location, vars, updated_at
		FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.FirstName, &c.Email, &c.Phone, &c.Social, &c.Company, &c.Title, &c.Location, &vars, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query contact: %w", err)
	}
	if err := json.Unmarshal([]byte(vars), &c.Vars); err != nil {
		return nil, false, fmt.Errorf("unmarshal contact vars: %w", err)
	}
	c.UpdatedAt = fromNanos(updated)
	return &c, true, nil
}

const enrollmentCols = `id, contact_id, sequence_id, status, current_step, attempts, next_due_at,
	cause, reason, last_error, created_at, updated_at, completed_at, version`

type scanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(sc scanner) (*drip.Enrollment, error) {
	var e drip.Enrollment
	var status, cause string
	var due, created, updated, completed int64
	if err := sc.Scan(&e.ID, &e.ContactID, &e.SequenceID, &status, &e.CurrentStep, &e.Attempts, &due,
		&cause, &e.Reason, &e.LastError, &created, &updated, &completed, &e.Version); err != nil {
		return nil, err
	}
	e.Status = drip.Status(status)
	e.Cause = drip.Cause(cause)
	e.NextDueAt = fromNanos(due)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	e.CompletedAt = fromNanos(completed)
	e.StepSentAt = make(map[int]time.Time)
	return &e, nil
}

func loadSteps(ctx context.Context, q querier, e *drip.Enrollment) error {
	rows, err := q.QueryContext(ctx, `SELECT step_index, sent_at FROM enrollment_steps WHERE enrollment_id = ?`, e.ID)
	if err != nil {
		return fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		var at int64
		if err := rows.Scan(&idx, &at); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		e.StepSentAt[idx] = fromNanos(at)
	}
	return rows.Err()
}

func getEnrollment(ctx context.Context, q querier, id string) (*drip.Enrollment, bool, error) {
	e, err := scanEnrollment(q.QueryRowContext(ctx, `SELECT `+enrollmentCols+` FROM enrollments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query enrollment: %w", err)
	}
	if err := loadSteps(ctx, q, e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// listEnrollments runs query and loads steps once the rows are closed; the
// single connection cannot serve a second query while rows are open.
func listEnrollments(ctx context.Context, q querier, query string, args ...any) ([]*drip.Enrollment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	var out []*drip.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, e := range out {
		if err := loadSteps(ctx, q, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func insertSteps(ctx context.Context, q querier, e *drip.Enrollment) error {
	for idx, at := range e.StepSentAt {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO enrollment_steps (enrollment_id, step_index, sent_at) VALUES (?, ?, ?)`,
			e.ID, idx, nanos(at),
		); err != nil {
			return fmt.Errorf("insert step %d: %w", idx, err)
		}
	}
	return nil
}

// CreateEnrollment inserts e unless an open enrollment exists for the pair.
func (s *Store) CreateEnrollment(ctx context.Context, e *drip.Enrollment) (*drip.Enrollment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM enrollments
		WHERE contact_id = ? AND sequence_id = ? AND status IN ('active', 'paused')`,
		e.ContactID, e.SequenceID,
	).Scan(&existing)
	switch {
	case err == nil:
		got, _, err := getEnrollment(ctx, tx, existing)
		if err != nil {
			return nil, false, err
		}
		return got, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("query open enrollment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO enrollments (id, contact_id, sequence_id, status, current_step, attempts, next_due_at,
			cause, reason, last_error, created_at, updated_at, completed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		e.ID, e.ContactID, e.SequenceID, string(e.Status), e.CurrentStep, e.Attempts, nanos(e.NextDueAt),
		string(e.Cause), e.Reason, e.LastError, nanos(e.CreatedAt), nanos(e.UpdatedAt), nanos(e.CompletedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert enrollment: %w", err)
	}
	if err := insertSteps(ctx, tx, e); err != nil {
		return nil, false, err
	}
	got, _, err := getEnrollment(ctx, tx, e.ID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return got, true, nil
}

// GetEnrollment retrieves an enrollment by ID.
func (s *Store) GetEnrollment(ctx context.Context, id string) (*drip.Enrollment, bool, error) {
	return getEnrollment(ctx, s.db, id)
}

// ListEnrollments returns matching enrollments, oldest first.
func (s *Store) ListEnrollments(ctx context.Context, f drip.ListFilter) ([]*drip.Enrollment, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Cause != "" {
		add("cause = ?", string(f.Cause))
	}
	if f.SequenceID != "" {
		add("sequence_id = ?", f.SequenceID)
	}
	if f.ContactID != "" {
		add("contact_id = ?", f.ContactID)
	}
	q := `SELECT ` + enrollmentCols + ` FROM enrollments`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return listEnrollments(ctx, s.db, q, args...)
}

func dueWhere(f drip.DueFilter) (string, []any) {
	clause := `status = 'active' AND next_due_at <= ?`
	args := []any{nanos(f.Now)}
	if f.SequenceID != "" {
		clause += ` AND sequence_id = ?`
		args = append(args, f.SequenceID)
	}
	if f.Step != nil {
		clause += ` AND current_step = ?`
		args = append(args, *f.Step)
	}
	return clause, args
}

// ListDue returns active enrollments due at f.Now, earliest first.
func (s *Store) ListDue(ctx context.Context, f drip.DueFilter) ([]*drip.Enrollment, error) {
	where, args := dueWhere(f)
	q := `SELECT ` + enrollmentCols + ` FROM enrollments WHERE ` + where + ` ORDER BY next_due_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return listEnrollments(ctx, s.db, q, args...)
}

// CountDue counts active enrollments due at f.Now.
func (s *Store) CountDue(ctx context.Context, f drip.DueFilter) (int, error) {
	where, args := dueWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrollments WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due: %w", err)
	}
	return n, nil
}

// Claim takes the enrollment's lease unless another owner holds a live one.
func (s *Store) Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*drip.Enrollment, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollments SET claimed_by = ?, claim_expires_at = ?
		WHERE id = ? AND (claimed_by = '' OR claimed_by = ? OR claim_expires_at <= ?)`,
		owner, nanos(now.Add(ttl)), id, owner, nanos(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("claim enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	e, ok, err := getEnrollment(ctx, s.db, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, drip.ErrNotFound
	}
	if n == 0 {
		return nil, false, nil
	}
	return e, true, nil
}

// Release drops owner's lease.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET claimed_by = '', claim_expires_at = 0 WHERE id = ? AND claimed_by = ?`,
		id, owner,
	)
	if err != nil {
		return fmt.Errorf("release enrollment: %w", err)
	}
	return nil
}

// UpdateEnrollment writes e if owner holds the lease and the version
// matches, then bumps e.Version.
func (s *Store) UpdateEnrollment(ctx context.Context, e *drip.Enrollment, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	res, err := tx.ExecContext(ctx, `
		UPDATE enrollments SET
			status = ?, current_step = ?, attempts = ?, next_due_at = ?, cause = ?, reason = ?,
			last_error = ?, updated_at = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND claimed_by = ? AND version = ?`,
		string(e.Status), e.CurrentStep, e.Attempts, nanos(e.NextDueAt), string(e.Cause), e.Reason,
		e.LastError, nanos(e.UpdatedAt), nanos(e.CompletedAt),
		e.ID, owner, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM enrollments WHERE id = ?`, e.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return drip.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check enrollment: %w", err)
		}
		return drip.ErrConflict
	}
	if err := insertSteps(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	e.Version++
	return nil
}

// AppendEvent records a dispatch attempt.
func (s *Store) AppendEvent(ctx context.Context, ev *drip.DispatchEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_events (id, enrollment_id, step_index, channel, attempted_at, outcome, provider_message_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EnrollmentID, ev.StepIndex, ev.Channel, nanos(ev.AttemptedAt), string(ev.Outcome),
		ev.ProviderMessageID, ev.Error,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch event: %w", err)
	}
	return nil
}

const eventCols = `id, enrollment_id, step_index, channel, attempted_at, outcome, provider_message_id, error`

func scanEvent(sc scanner) (*drip.DispatchEvent, error) {
	var ev drip.DispatchEvent
	var at int64
	var outcome string
	if err := sc.Scan(&ev.ID, &ev.EnrollmentID, &ev.StepIndex, &ev.Channel, &at, &outcome, &ev.ProviderMessageID, &ev.Error); err != nil {
		return nil, err
	}
	ev.AttemptedAt = fromNanos(at)
	ev.Outcome = drip.Outcome(outcome)
	return &ev, nil
}

// SuccessfulDispatch returns the first success event for the step.
func (s *Store) SuccessfulDispatch(ctx context.Context, enrollmentID string, step int) (*drip.DispatchEvent, bool, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
		SELECT `+eventCols+` FROM dispatch_events
		WHERE enrollment_id = ? AND step_index = ? AND outcome = 'success'
		ORDER BY seq LIMIT 1`, enrollmentID, step))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query dispatch event: %w", err)
	}
	return ev, true, nil
}

// ListEvents returns an enrollment's events in append order.
func (s *Store) ListEvents(ctx context.Context, enrollmentID string) ([]*drip.DispatchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM dispatch_events WHERE enrollment_id = ? ORDER BY seq`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("query dispatch events: %w", err)
	}
	defer rows.Close()
	out := []*drip.DispatchEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Stats counts enrollments per status and cause.
func (s *Store) Stats(ctx context.Context, now time.Time) (*drip.Stats, error) {
	st := &drip.Stats{
		ByStatus: make(map[drip.Status]int),
		ByCause:  make(map[drip.Cause]int),
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, cause, COUNT(*) FROM enrollments GROUP BY status, cause`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	for rows.Next() {
		var status, cause string
		var n int
		if err := rows.Scan(&status, &cause, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.ByStatus[drip.Status(status)] += n
		if cause != "" {
			st.ByCause[drip.Cause(cause)] += n
		}
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	due, err := s.CountDue(ctx, drip.DueFilter{Now: now})
	if err != nil {
		return nil, err
	}
	st.Due = due
	return st, nil
}

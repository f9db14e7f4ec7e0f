package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/outreach/internal/classify"
	"github.com/linnemanlabs/outreach/internal/drip"
)

const maxErrorBody = 4096

// APIError is a non-2xx response from the outreach API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Client talks to the outreach HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a Client for the API rooted at baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// do sends body as JSON and decodes a 2xx response into out, returning the
// status code.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

// Lead is a contact submitted for classification and enrollment.
type Lead struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	FirstName   string            `json:"first_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Social      string            `json:"social,omitempty"`
	Company     string            `json:"company,omitempty"`
	Title       string            `json:"title,omitempty"`
	Industry    string            `json:"industry,omitempty"`
	Location    string            `json:"location,omitempty"`
	CompanySize int               `json:"company_size,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	SequenceID  string            `json:"sequence_id,omitempty"`
}

// LeadResult is the outcome of lead intake.
type LeadResult struct {
	ContactID      string                  `json:"contact_id"`
	Classification classify.Classification `json:"classification"`
	SequenceID     string                  `json:"sequence_id"`
	EnrollmentID   string                  `json:"enrollment_id"`
	Existing       bool                    `json:"existing"`
}

// EnrollmentDetail is an enrollment with its dispatch history.
type EnrollmentDetail struct {
	Enrollment *drip.Enrollment      `json:"enrollment"`
	Events     []*drip.DispatchEvent `json:"events"`
}

// StepInfo describes one step of a sequence.
type StepInfo struct {
	Index    int    `json:"index"`
	Delay    string `json:"delay"`
	DueAfter string `json:"due_after"`
	Channel  string `json:"channel"`
	Template string `json:"template"`
}

// SequenceInfo describes a sequence in the catalog.
type SequenceInfo struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Sector string     `json:"sector"`
	Steps  []StepInfo `json:"steps"`
}

// BatchOptions selects what a batch send processes.
type BatchOptions struct {
	Step       *int   `json:"sequence_step_number,omitempty"`
	BatchSize  int    `json:"batch_size"`
	SequenceID string `json:"sequence_id,omitempty"`
	Pace       string `json:"pace,omitempty"`
}

// ListOptions filters enrollment listings.
type ListOptions struct {
	Status     string
	Cause      string
	SequenceID string
	ContactID  string
	Limit      int
}

func (o ListOptions) query() string {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", o.Status)
	set("cause", o.Cause)
	set("sequence", o.SequenceID)
	set("contact", o.ContactID)
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Classify scores a record without storing anything.
func (c *Client) Classify(ctx context.Context, r classify.Record) (*classify.Classification, error) {
	var out classify.Classification
	if _, err := c.do(ctx, http.MethodPost, "/classify", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClassifyIncident classifies a service ticket.
func (c *Client) ClassifyIncident(ctx context.Context, r classify.IncidentRecord) (*classify.IncidentClassification, error) {
	var out classify.IncidentClassification
	if _, err := c.do(ctx, http.MethodPost, "/classify/incident", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestLead classifies and enrolls a lead.
func (c *Client) IngestLead(ctx context.Context, l *Lead) (*LeadResult, error) {
	var out LeadResult
	if _, err := c.do(ctx, http.MethodPost, "/leads", l, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enroll starts an existing contact on a sequence.
func (c *Client) Enroll(ctx context.Context, contactID, sequenceID string) (*drip.EnrollResult, error) {
	body := map[string]string{"contact_id": contactID, "sequence_id": sequenceID}
	var out drip.EnrollResult
	if _, err := c.do(ctx, http.MethodPost, "/enrollments", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns enrollments matching o.
func (c *Client) List(ctx context.Context, o ListOptions) ([]*drip.Enrollment, error) {
	var out struct {
		Enrollments []*drip.Enrollment `json:"enrollments"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/enrollments"+o.query(), nil, &out); err != nil {
		return nil, err
	}
	return out.Enrollments, nil
}

// Get returns an enrollment and its events.
func (c *Client) Get(ctx context.Context, id string) (*EnrollmentDetail, error) {
	var out EnrollmentDetail
	if _, err := c.do(ctx, http.MethodGet, "/enrollments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pause suspends an active enrollment.
func (c *Client) Pause(ctx context.Context, id string) (*drip.Enrollment, error) {
	return c.control(ctx, id, "pause", nil)
}

// Resume reactivates a paused enrollment.
func (c *Client) Resume(ctx context.Context, id string) (*drip.Enrollment, error) {
	return c.control(ctx, id, "resume", nil)
}

// Cancel stops an enrollment. An empty reason uses the server default.
func (c *Client) Cancel(ctx context.Context, id, reason string) (*drip.Enrollment, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.control(ctx, id, "cancel", body)
}

func (c *Client) control(ctx context.Context, id, action string, body any) (*drip.Enrollment, error) {
	var out drip.Enrollment
	if _, err := c.do(ctx, http.MethodPost, "/enrollments/"+url.PathEscape(id)+"/"+action, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Batch triggers a bounded send of due steps.
func (c *Client) Batch(ctx context.Context, o BatchOptions) (*drip.BatchReport, error) {
	var out drip.BatchReport
	if _, err := c.do(ctx, http.MethodPost, "/batches", o, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns enrollment counts.
func (c *Client) Stats(ctx context.Context) (*drip.Stats, error) {
	var out drip.Stats
	if _, err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sequences lists the sequence catalog.
func (c *Client) Sequences(ctx context.Context) ([]SequenceInfo, error) {
	var out struct {
		Sequences []SequenceInfo `json:"sequences"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/sequences", nil, &out); err != nil {
		return nil, err
	}
	return out.Sequences, nil
}

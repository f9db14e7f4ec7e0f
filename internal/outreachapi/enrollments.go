package outreachapi

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/sequence"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type enrollRequest struct {
	ContactID  string          `json:"contact_id,omitempty"`
	Contact    *contactPayload `json:"contact,omitempty"`
	SequenceID string          `json:"sequence_id"`
}

type enrollmentDetail struct {
	Enrollment *drip.Enrollment      `json:"enrollment"`
	Events     []*drip.DispatchEvent `json:"events"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type batchRequest struct {
	Step       *int   `json:"sequence_step_number"`
	BatchSize  int    `json:"batch_size"`
	SequenceID string `json:"sequence_id,omitempty"`
	Pace       string `json:"pace,omitempty"`
}

type stepView struct {
	Index    int              `json:"index"`
	Delay    string           `json:"delay"`
	DueAfter string           `json:"due_after"`
	Channel  sequence.Channel `json:"channel"`
	Template string           `json:"template"`
}

type sequenceView struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Sector string     `json:"sector,omitempty"`
	Steps  []stepView `json:"steps"`
}

func (a *API) handleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SequenceID == "" {
		writeError(w, http.StatusBadRequest, "sequence_id is required")
		return
	}

	var (
		res *drip.EnrollResult
		err error
	)
	switch {
	case req.Contact != nil:
		if !req.Contact.reachable() {
			writeError(w, http.StatusBadRequest, "contact needs an email, phone or social handle")
			return
		}
		res, err = a.svc.EnrollContact(r.Context(), req.Contact.contact(), req.SequenceID)
	case req.ContactID != "":
		res, err = a.svc.Enroll(r.Context(), req.ContactID, req.SequenceID)
	default:
		writeError(w, http.StatusBadRequest, "contact_id or contact is required")
		return
	}
	if err != nil {
		a.fail(w, r, err, "failed to enroll contact", "sequence_id", req.SequenceID)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("outreach.enrollment.id", res.ID))

	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := drip.ListFilter{
		Status:     drip.Status(q.Get("status")),
		Cause:      drip.Cause(q.Get("cause")),
		SequenceID: q.Get("sequence"),
		ContactID:  q.Get("contact"),
		Limit:      defaultListLimit,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	list, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list enrollments")
		return
	}
	if list == nil {
		list = []*drip.Enrollment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": list})
}

func (a *API) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("outreach.enrollment.id", id))

	e, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get enrollment", "id", id)
		return
	}
	events, err := a.svc.Events(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to list dispatch events", "id", id)
		return
	}

	span.SetAttributes(attribute.String("outreach.enrollment.status", string(e.Status)))
	writeJSON(w, http.StatusOK, enrollmentDetail{Enrollment: e, Events: events})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := a.svc.Pause(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to pause enrollment", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := a.svc.Resume(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to resume enrollment", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleCancel accepts an optional {"reason": "..."} body.
func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if !decode(w, r, &req) {
			return
		}
	}
	e, err := a.svc.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		a.fail(w, r, err, "failed to cancel enrollment", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	var pace time.Duration
	if req.Pace != "" {
		d, err := time.ParseDuration(req.Pace)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "pace must be a non-negative duration")
			return
		}
		pace = d
	}

	rep, err := a.svc.BatchSend(r.Context(), drip.BatchRequest{
		Step:       req.Step,
		SequenceID: req.SequenceID,
		Limit:      req.BatchSize,
		Pace:       pace,
	})
	if err != nil {
		a.fail(w, r, err, "batch send failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Stats(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleListSequences(w http.ResponseWriter, _ *http.Request) {
	seqs := a.catalog.List()
	out := make([]sequenceView, 0, len(seqs))
	for _, s := range seqs {
		v := sequenceView{ID: s.ID, Name: s.Name, Sector: s.Sector, Steps: make([]stepView, 0, len(s.Steps))}
		for _, st := range s.Steps {
			v.Steps = append(v.Steps, stepView{
				Index:    st.Index,
				Delay:    st.Delay.String(),
				DueAfter: s.DueOffset(st.Index).String(),
				Channel:  st.Channel,
				Template: st.TemplateRef,
			})
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": out})
}

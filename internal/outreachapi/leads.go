package outreachapi

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/outreach/internal/classify"
	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/sequence"
)

type contactPayload struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	FirstName   string            `json:"first_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	Social      string            `json:"social,omitempty"`
	Company     string            `json:"company"`
	Title       string            `json:"title"`
	Industry    string            `json:"industry,omitempty"`
	Location    string            `json:"location,omitempty"`
	CompanySize int               `json:"company_size,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
}

func (p *contactPayload) record() classify.Record {
	return classify.Record{
		Company:     p.Company,
		Title:       p.Title,
		Industry:    p.Industry,
		Location:    p.Location,
		CompanySize: p.CompanySize,
	}
}

func (p *contactPayload) contact() *drip.Contact {
	return &drip.Contact{
		ID:        strings.TrimSpace(p.ID),
		Name:      strings.TrimSpace(p.Name),
		FirstName: strings.TrimSpace(p.FirstName),
		Email:     strings.TrimSpace(p.Email),
		Phone:     strings.TrimSpace(p.Phone),
		Social:    strings.TrimSpace(p.Social),
		Company:   strings.TrimSpace(p.Company),
		Title:     strings.TrimSpace(p.Title),
		Location:  strings.TrimSpace(p.Location),
		Vars:      p.Vars,
	}
}

func (p *contactPayload) reachable() bool {
	return strings.TrimSpace(p.Email) != "" || strings.TrimSpace(p.Phone) != "" || strings.TrimSpace(p.Social) != ""
}

type leadRequest struct {
	contactPayload
	// SequenceID overrides the classifier's suggestion.
	SequenceID string `json:"sequence_id,omitempty"`
}

type leadResponse struct {
	ContactID      string                  `json:"contact_id"`
	Classification classify.Classification `json:"classification"`
	SequenceID     string                  `json:"sequence_id"`
	EnrollmentID   string                  `json:"enrollment_id"`
	Existing       bool                    `json:"existing"`
}

func (a *API) handleClassify(w http.ResponseWriter, r *http.Request) {
	var rec classify.Record
	if !decode(w, r, &rec) {
		return
	}
	cl := a.classifier.Classify(rec)

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("outreach.lead.sector", string(cl.Sector)),
		attribute.Int("outreach.lead.score", cl.Score),
	)
	writeJSON(w, http.StatusOK, cl)
}

func (a *API) handleClassifyIncident(w http.ResponseWriter, r *http.Request) {
	var rec classify.IncidentRecord
	if !decode(w, r, &rec) {
		return
	}
	writeJSON(w, http.StatusOK, classify.ClassifyIncident(rec))
}

// handleIngestLead classifies a lead, stores it as a contact and enrolls it
// on the suggested sequence, falling back to the general sequence when the
// suggestion is not in the catalog.
func (a *API) handleIngestLead(w http.ResponseWriter, r *http.Request) {
	var req leadRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.reachable() {
		writeError(w, http.StatusBadRequest, "lead needs an email, phone or social handle")
		return
	}

	cl := a.classifier.Classify(req.record())
	seqID := req.SequenceID
	if seqID == "" {
		seqID = cl.SuggestedSequenceID
		if _, ok := a.catalog.Get(seqID); !ok {
			seqID = sequence.FallbackID
		}
	}

	res, err := a.svc.EnrollContact(r.Context(), req.contact(), seqID)
	if err != nil {
		a.fail(w, r, err, "failed to enroll lead", "sequence_id", seqID)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("outreach.enrollment.id", res.ID),
		attribute.String("outreach.lead.sector", string(cl.Sector)),
		attribute.String("outreach.lead.tier", string(cl.Tier)),
	)
	a.logger.Info(r.Context(), "lead enrolled",
		"enrollment_id", res.ID,
		"sequence_id", seqID,
		"sector", string(cl.Sector),
		"tier", string(cl.Tier),
		"score", cl.Score,
		"existing", res.Existing,
	)

	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	contactID := ""
	if res.Enrollment != nil {
		contactID = res.Enrollment.ContactID
	}
	writeJSON(w, status, leadResponse{
		ContactID:      contactID,
		Classification: cl,
		SequenceID:     seqID,
		EnrollmentID:   res.ID,
		Existing:       res.Existing,
	})
}

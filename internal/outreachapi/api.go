// Package outreachapi exposes classification, lead intake and enrollment
// control over HTTP.
package outreachapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/outreach/internal/classify"
	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/sequence"
)

// EnrollmentService defines the business operations the API needs.
type EnrollmentService interface {
	Enroll(ctx context.Context, contactID, sequenceID string) (*drip.EnrollResult, error)
	EnrollContact(ctx context.Context, c *drip.Contact, sequenceID string) (*drip.EnrollResult, error)
	Get(ctx context.Context, id string) (*drip.Enrollment, error)
	List(ctx context.Context, f drip.ListFilter) ([]*drip.Enrollment, error)
	Events(ctx context.Context, id string) ([]*drip.DispatchEvent, error)
	Pause(ctx context.Context, id string) (*drip.Enrollment, error)
	Resume(ctx context.Context, id string) (*drip.Enrollment, error)
	Cancel(ctx context.Context, id, reason string) (*drip.Enrollment, error)
	BatchSend(ctx context.Context, req drip.BatchRequest) (*drip.BatchReport, error)
	Stats(ctx context.Context) (*drip.Stats, error)
}

// Catalog lists the sequences contacts can be enrolled on.
type Catalog interface {
	Get(id string) (*sequence.Sequence, bool)
	List() []*sequence.Sequence
}

// Classifier scores a contact record. classcache.Cache satisfies it.
type Classifier interface {
	Classify(r classify.Record) classify.Classification
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(r classify.Record) classify.Classification

// Classify implements Classifier.
func (f ClassifierFunc) Classify(r classify.Record) classify.Classification { return f(r) }

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	svc        EnrollmentService
	catalog    Catalog
	classifier Classifier
}

// New creates a new API handler. A nil classifier uses classify.Classify.
func New(logger log.Logger, svc EnrollmentService, catalog Catalog, classifier Classifier) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("enrollment service is required"))
	}
	if catalog == nil {
		panic(xerrors.New("sequence catalog is required"))
	}
	if classifier == nil {
		classifier = ClassifierFunc(classify.Classify)
	}
	return &API{
		logger:     logger,
		svc:        svc,
		catalog:    catalog,
		classifier: classifier,
	}
}

// RegisterRoutes attaches API endpoints to the router. Extra middleware
// (authentication) applies to every /api/v1 route.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)

		r.Post("/classify", a.handleClassify)
		r.Post("/classify/incident", a.handleClassifyIncident)
		r.Post("/leads", a.handleIngestLead)

		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/", a.handleCreateEnrollment)
			r.Get("/", a.handleListEnrollments)
			r.Get("/{id}", a.handleGetEnrollment)
			r.Post("/{id}/pause", a.handlePause)
			r.Post("/{id}/resume", a.handleResume)
			r.Post("/{id}/cancel", a.handleCancel)
		})

		r.Post("/batches", a.handleBatch)
		r.Get("/stats", a.handleStats)
		r.Get("/sequences", a.handleListSequences)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps service errors to a status and writes them. Unexpected errors
// are logged and hidden behind a generic message.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, drip.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, drip.ErrUnknownSequence):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, drip.ErrInvalidBatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, drip.ErrInvalidTransition), errors.Is(err, drip.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, drip.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/sequence"
)

// definitionHandler serves /sequences or /workflows. Both share storage and
// differ only in kind.
type definitionHandler struct {
	server *Server
	kind   string
}

func (h *definitionHandler) routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.update)
		r.Delete("/", h.delete)

		r.Post("/activate", h.activate)
		r.Post("/pause", h.pause)
		r.Post("/resume", h.resume)
		r.Get("/analytics", h.analytics)

		r.Get("/enrollments", h.listEnrollments)
		r.Post("/enrollments", h.enroll)
		r.Post("/enrollments/{eid}/stop", h.stopEnrollment)
		r.Post("/enrollments/{eid}/resume", h.resumeEnrollment)
	})
}

// ListResponse is the response for GET /sequences and GET /workflows
type ListResponse struct {
	Items []models.SequenceSummary `json:"items"`
}

// ActivateResponse reports how many leads were enrolled
type ActivateResponse struct {
	Enrolled int `json:"enrolled"`
}

// EnrollRequest is the request body for POST /{id}/enrollments
type EnrollRequest struct {
	LeadIDs []string `json:"leadIds" validate:"required,min=1,max=1000"`
}

// StopRequest is the request body for POST /{id}/enrollments/{eid}/stop
type StopRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *definitionHandler) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.server.opts.Sequences.List(r.Context(), ownerID(r), h.kind, r.URL.Query().Get("status"))
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	if items == nil {
		items = []models.SequenceSummary{}
	}
	h.server.sendJSON(w, http.StatusOK, ListResponse{Items: items})
}

func (h *definitionHandler) create(w http.ResponseWriter, r *http.Request) {
	var in sequence.Input
	if !h.server.decode(w, r, &in) {
		return
	}

	seq, err := h.server.opts.Sequences.Create(r.Context(), ownerID(r), h.kind, &in)
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusCreated, seq)
}

func (h *definitionHandler) get(w http.ResponseWriter, r *http.Request) {
	seq, err := h.server.opts.Sequences.Get(r.Context(), ownerID(r), h.kind, chi.URLParam(r, "id"))
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, seq)
}

func (h *definitionHandler) update(w http.ResponseWriter, r *http.Request) {
	var in sequence.Input
	if !h.server.decode(w, r, &in) {
		return
	}

	seq, err := h.server.opts.Sequences.Update(r.Context(), ownerID(r), h.kind, chi.URLParam(r, "id"), &in)
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, seq)
}

func (h *definitionHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.server.opts.Sequences.Delete(r.Context(), ownerID(r), h.kind, id); err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (h *definitionHandler) activate(w http.ResponseWriter, r *http.Request) {
	enrolled, err := h.server.opts.Sequences.Activate(r.Context(), ownerID(r), h.kind, chi.URLParam(r, "id"))
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, ActivateResponse{Enrolled: enrolled})
}

func (h *definitionHandler) pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.server.opts.Sequences.Pause)
}

func (h *definitionHandler) resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.server.opts.Sequences.Resume)
}

func (h *definitionHandler) setStatus(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, ownerID, kind, id string) error) {
	owner, id := ownerID(r), chi.URLParam(r, "id")
	if err := fn(r.Context(), owner, h.kind, id); err != nil {
		h.server.sendErr(w, err)
		return
	}
	seq, err := h.server.opts.Sequences.Get(r.Context(), owner, h.kind, id)
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, seq)
}

func (h *definitionHandler) analytics(w http.ResponseWriter, r *http.Request) {
	report, err := h.server.opts.Sequences.Analytics(r.Context(), ownerID(r), h.kind, chi.URLParam(r, "id"))
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, report)
}

func (h *definitionHandler) listEnrollments(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pagination(r)
	if err != nil {
		h.server.sendErr(w, err)
		return
	}

	result, err := h.server.opts.Sequences.ListEnrollments(r.Context(), ownerID(r), h.kind,
		chi.URLParam(r, "id"), r.URL.Query().Get("status"), page, limit)
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	if result.Enrollments == nil {
		result.Enrollments = []models.Enrollment{}
	}
	h.server.sendJSON(w, http.StatusOK, result)
}

func (h *definitionHandler) enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !h.server.decode(w, r, &req) {
		return
	}
	if err := check(&req); err != nil {
		h.server.sendErr(w, err)
		return
	}

	enrolled, err := h.server.opts.Sequences.EnrollLeads(r.Context(), ownerID(r), h.kind, chi.URLParam(r, "id"), req.LeadIDs)
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, ActivateResponse{Enrolled: enrolled})
}

func (h *definitionHandler) stopEnrollment(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength != 0 {
		if !h.server.decode(w, r, &req) {
			return
		}
		if err := check(&req); err != nil {
			h.server.sendErr(w, err)
			return
		}
	}

	e, err := h.server.opts.Sequences.StopEnrollment(r.Context(), ownerID(r), h.kind,
		chi.URLParam(r, "id"), chi.URLParam(r, "eid"), req.Reason)
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, e)
}

func (h *definitionHandler) resumeEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.server.opts.Sequences.ResumeEnrollment(r.Context(), ownerID(r), h.kind,
		chi.URLParam(r, "id"), chi.URLParam(r, "eid"))
	if err != nil {
		h.server.sendErr(w, err)
		return
	}
	h.server.sendJSON(w, http.StatusOK, e)
}

package lab

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meditrack/portal/internal/audit"
	"github.com/meditrack/portal/internal/directory"
	"github.com/meditrack/portal/internal/shared/auth"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/events"
	"github.com/meditrack/portal/internal/shared/metrics"
	"github.com/meditrack/portal/internal/shared/types"
)

// Store is the persistence surface the handlers need
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, kind Kind, id types.ID) (*Request, error)
	List(ctx context.Context, kind Kind, filter ListFilter) ([]*Request, error)
	Accept(ctx context.Context, kind Kind, id, labID types.ID, technicianID *types.ID) (*Request, error)
	UploadResults(ctx context.Context, kind Kind, id, labID types.ID, result, notes string) (*Request, error)
}

// Handler provides HTTP handlers for the request intake pipeline
type Handler struct {
	store    Store
	dir      directory.Directory
	recorder *audit.Recorder
	bus      events.Publisher
}

// NewHandler creates a new lab handler
func NewHandler(store Store, dir directory.Directory, recorder *audit.Recorder, bus events.Publisher) *Handler {
	return &Handler{store: store, dir: dir, recorder: recorder, bus: bus}
}

// Routes registers the routes for one request kind. Mounted twice, once per
// kind, so test and imaging requests share handlers but not tables.
func (h *Handler) Routes(kind Kind) chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.list(kind))
	r.Get("/{requestID}", h.get(kind))

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleDoctor, auth.RoleAdmin))
		r.Post("/", h.submit(kind))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleLabTechnician, auth.RoleAdmin))
		r.Post("/{requestID}/accept", h.accept(kind))
		r.Post("/{requestID}/results", h.uploadResults(kind))
	})

	return r
}

// --- Request types ---

type SubmitRequest struct {
	PatientID types.ID `json:"patient_id"`
	TestType  string   `json:"test_type"`
}

type AcceptRequest struct {
	TechnicianID *types.ID `json:"technician_id,omitempty"`
}

type UploadResultsRequest struct {
	Result string `json:"result"`
	Notes  string `json:"notes,omitempty"`
}

// --- Handlers ---

func (h *Handler) list(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.GetPrincipal(r.Context())
		if p == nil {
			writeError(w, errors.Unauthorized("authentication required"))
			return
		}

		filter := ListFilter{}
		if s := r.URL.Query().Get("status"); s != "" {
			status := Status(s)
			filter.Status = &status
		}
		if r.URL.Query().Get("mine") == "true" {
			lab := p.InstitutionID
			filter.AssignedLabID = &lab
		}
		if pid := r.URL.Query().Get("patient"); pid != "" {
			patientID, err := types.ParseID(pid)
			if err != nil {
				writeError(w, errors.BadRequest("invalid patient ID"))
				return
			}
			filter.PatientID = &patientID
		}

		requests, err := h.store.List(r.Context(), kind, filter)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"data":  requests,
			"total": len(requests),
		})
	}
}

func (h *Handler) get(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := types.ParseID(chi.URLParam(r, "requestID"))
		if err != nil {
			writeError(w, errors.BadRequest("invalid request ID"))
			return
		}

		req, err := h.store.Get(r.Context(), kind, id)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, req)
	}
}

func (h *Handler) submit(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.GetPrincipal(r.Context())
		if p == nil {
			writeError(w, errors.Unauthorized("authentication required"))
			return
		}

		var body SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}

		if h.dir != nil {
			ok, err := h.dir.PatientExists(r.Context(), body.PatientID)
			if err != nil {
				writeError(w, errors.Wrap(err, "patient lookup failed"))
				return
			}
			if !ok {
				writeError(w, errors.BadRequest("unknown patient"))
				return
			}
		}

		req, err := NewRequest(kind, body.PatientID, p.ID, body.TestType)
		if err != nil {
			writeError(w, errors.BadRequest(err.Error()))
			return
		}

		if err := h.store.Create(r.Context(), req); err != nil {
			writeError(w, err)
			return
		}

		h.recorder.Record(r.Context(), p, audit.ActionRequestSubmitted, resourceType(kind), req.ID,
			"diagnostic request submitted", map[string]any{
				"patient_id": req.PatientID,
				"test_type":  req.TestType,
			})

		writeJSON(w, http.StatusCreated, req)
	}
}

func (h *Handler) accept(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.GetPrincipal(r.Context())
		if p == nil {
			writeError(w, errors.Unauthorized("authentication required"))
			return
		}

		id, err := types.ParseID(chi.URLParam(r, "requestID"))
		if err != nil {
			writeError(w, errors.BadRequest("invalid request ID"))
			return
		}

		var body AcceptRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, errors.BadRequest("invalid request body"))
				return
			}
		}

		technicianID := body.TechnicianID
		if technicianID == nil {
			tech := p.ID
			technicianID = &tech
		}

		req, err := h.store.Accept(r.Context(), kind, id, p.InstitutionID, technicianID)
		if err != nil {
			if errors.IsConflict(err) {
				metrics.RecordClaimConflict(string(kind))
			}
			writeError(w, err)
			return
		}

		metrics.RecordRequestClaimed(string(kind))
		h.recorder.Record(r.Context(), p, audit.ActionRequestAccepted, resourceType(kind), req.ID,
			"request claimed", map[string]any{
				"lab_id":        p.InstitutionID,
				"technician_id": technicianID,
				"status":        req.Status,
			})
		h.publish(r.Context(), p, "lab.request_accepted", map[string]any{
			"request_id": req.ID,
			"kind":       kind,
			"lab_id":     p.InstitutionID,
		})

		writeJSON(w, http.StatusOK, req)
	}
}

func (h *Handler) uploadResults(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.GetPrincipal(r.Context())
		if p == nil {
			writeError(w, errors.Unauthorized("authentication required"))
			return
		}

		id, err := types.ParseID(chi.URLParam(r, "requestID"))
		if err != nil {
			writeError(w, errors.BadRequest("invalid request ID"))
			return
		}

		var body UploadResultsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
		if body.Result == "" {
			writeError(w, errors.BadRequest("result is required"))
			return
		}

		req, err := h.store.UploadResults(r.Context(), kind, id, p.InstitutionID, body.Result, body.Notes)
		if err != nil {
			writeError(w, err)
			return
		}

		h.recorder.Record(r.Context(), p, audit.ActionResultsUploaded, resourceType(kind), req.ID,
			"results uploaded", map[string]any{
				"lab_id": p.InstitutionID,
			})
		h.publish(r.Context(), p, "lab.results_uploaded", map[string]any{
			"request_id": req.ID,
			"kind":       kind,
		})

		writeJSON(w, http.StatusOK, req)
	}
}

func resourceType(kind Kind) string {
	if kind == KindImaging {
		return "imaging_request"
	}
	return "test_request"
}

func (h *Handler) publish(ctx context.Context, p *auth.Principal, eventType string, data map[string]any) {
	if h.bus == nil {
		return
	}

	event := events.NewEvent(eventType, "lab", data).WithActor(p.ID, p.InstitutionID)
	h.bus.Publish(ctx, event)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}

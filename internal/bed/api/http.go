package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/meditrack/portal/internal/audit"
	"github.com/meditrack/portal/internal/bed/domain"
	"github.com/meditrack/portal/internal/directory"
	"github.com/meditrack/portal/internal/shared/auth"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/events"
	"github.com/meditrack/portal/internal/shared/metrics"
	"github.com/meditrack/portal/internal/shared/types"
)

// Handler provides HTTP handlers for bed allocation and admissions
type Handler struct {
	repo     domain.Repository
	dir      directory.Directory
	recorder *audit.Recorder
	bus      events.Publisher
}

// NewHandler creates a new bed handler
func NewHandler(repo domain.Repository, dir directory.Directory, recorder *audit.Recorder, bus events.Publisher) *Handler {
	return &Handler{repo: repo, dir: dir, recorder: recorder, bus: bus}
}

// Routes registers the bed routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListBeds)
	r.Get("/stats", h.WardStats)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleHospitalStaff, auth.RoleAdmin))
		r.Post("/", h.CreateBed)
		r.Post("/{bedID}/assign", h.Assign)
		r.Post("/{bedID}/transfer", h.Transfer)
	})

	return r
}

// AdmissionRoutes registers the admission routes
func (h *Handler) AdmissionRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{admissionID}", h.GetAdmission)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleHospitalStaff, auth.RoleDoctor, auth.RoleAdmin))
		r.Post("/{admissionID}/discharge", h.Discharge)
	})

	return r
}

// --- Request types ---

type CreateBedRequest struct {
	BedNumber string         `json:"bed_number"`
	Ward      string         `json:"ward"`
	Type      domain.BedType `json:"type"`
}

type AssignRequest struct {
	PatientID types.ID `json:"patient_id"`
	DoctorID  types.ID `json:"doctor_id"`
	Reason    string   `json:"reason"`
}

type TransferRequest struct {
	NewBedID types.ID `json:"new_bed_id"`
	Reason   string   `json:"reason"`
}

type DischargeRequest struct {
	DischargeDate *time.Time `json:"discharge_date,omitempty"`
	Reason        string     `json:"reason"`
}

// --- Handlers ---

func (h *Handler) ListBeds(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	beds, err := h.repo.ListBeds(r.Context(), p.InstitutionID, r.URL.Query().Get("ward"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  beds,
		"total": len(beds),
	})
}

func (h *Handler) WardStats(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	stats, err := h.repo.WardStats(r.Context(), p.InstitutionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

func (h *Handler) CreateBed(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req CreateBedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	bed, err := domain.NewBed(p.InstitutionID, req.BedNumber, req.Ward, req.Type)
	if err != nil {
		writeError(w, errors.BadRequest(err.Error()))
		return
	}

	if err := h.repo.CreateBed(r.Context(), bed); err != nil {
		writeError(w, err)
		return
	}

	h.recorder.Record(r.Context(), p, audit.ActionBedCreated, "bed", bed.ID,
		"bed registered", map[string]any{
			"bed_number": bed.BedNumber,
			"ward":       bed.Ward,
			"type":       bed.Type,
		})

	writeJSON(w, http.StatusCreated, bed)
}

func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	bedID, err := types.ParseID(chi.URLParam(r, "bedID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid bed ID"))
		return
	}

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.PatientID.IsZero() || req.DoctorID.IsZero() {
		writeError(w, errors.BadRequest("patient_id and doctor_id are required"))
		return
	}

	if err := h.checkDirectory(r.Context(), req.PatientID, req.DoctorID, p.InstitutionID); err != nil {
		writeError(w, err)
		return
	}

	admission, err := h.repo.Assign(r.Context(), p.InstitutionID, bedID, req.PatientID, req.DoctorID, req.Reason)
	if err != nil {
		if errors.IsConflict(err) {
			metrics.RecordBedConflict()
		}
		writeError(w, err)
		return
	}

	metrics.RecordBedAssignment(admission.Ward)
	h.recorder.Record(r.Context(), p, audit.ActionBedAssigned, "admission", admission.ID,
		"patient admitted", map[string]any{
			"bed_id":     bedID,
			"bed_number": admission.BedNumber,
			"ward":       admission.Ward,
			"patient_id": admission.PatientID,
			"doctor_id":  admission.DoctorID,
		})
	h.publish(r.Context(), p, "bed.assigned", map[string]any{
		"admission_id": admission.ID,
		"bed_id":       bedID,
		"patient_id":   admission.PatientID,
	})

	writeJSON(w, http.StatusCreated, admission)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	bedID, err := types.ParseID(chi.URLParam(r, "bedID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid bed ID"))
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.NewBedID.IsZero() {
		writeError(w, errors.BadRequest("new_bed_id is required"))
		return
	}
	if req.NewBedID == bedID {
		writeError(w, errors.BadRequest("target bed must differ from source bed"))
		return
	}

	admission, err := h.repo.Transfer(r.Context(), p.InstitutionID, bedID, req.NewBedID, req.Reason)
	if err != nil {
		if errors.IsConflict(err) {
			metrics.RecordBedConflict()
		}
		writeError(w, err)
		return
	}

	metrics.RecordBedTransfer()
	h.recorder.Record(r.Context(), p, audit.ActionBedTransferred, "admission", admission.ID,
		"patient transferred", map[string]any{
			"from_bed_id": bedID,
			"to_bed_id":   req.NewBedID,
			"ward":        admission.Ward,
			"reason":      req.Reason,
		})
	h.publish(r.Context(), p, "bed.transferred", map[string]any{
		"admission_id": admission.ID,
		"from_bed_id":  bedID,
		"to_bed_id":    req.NewBedID,
	})

	writeJSON(w, http.StatusOK, admission)
}

func (h *Handler) GetAdmission(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "admissionID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid admission ID"))
		return
	}

	admission, err := h.repo.GetAdmission(r.Context(), p.InstitutionID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, admission)
}

func (h *Handler) Discharge(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "admissionID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid admission ID"))
		return
	}

	var req DischargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	date := time.Now()
	if req.DischargeDate != nil {
		date = *req.DischargeDate
	}

	admission, err := h.repo.Discharge(r.Context(), p.InstitutionID, id, date, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.RecordDischarge()
	h.recorder.Record(r.Context(), p, audit.ActionAdmissionDischarged, "admission", admission.ID,
		"patient discharged", map[string]any{
			"bed_id":         admission.BedID,
			"discharge_date": date,
			"reason":         req.Reason,
		})
	h.publish(r.Context(), p, "admission.discharged", map[string]any{
		"admission_id": admission.ID,
		"bed_id":       admission.BedID,
	})

	writeJSON(w, http.StatusOK, admission)
}

// checkDirectory validates the admission's referenced people before the
// transaction. Occupancy itself is still guarded inside the transaction.
func (h *Handler) checkDirectory(ctx context.Context, patientID, doctorID, hospitalID types.ID) error {
	if h.dir == nil {
		return nil
	}

	ok, err := h.dir.PatientExists(ctx, patientID)
	if err != nil {
		return errors.Wrap(err, "patient lookup failed")
	}
	if !ok {
		return errors.BadRequest("unknown patient")
	}

	ok, err = h.dir.DoctorAffiliated(ctx, doctorID, hospitalID)
	if err != nil {
		return errors.Wrap(err, "doctor lookup failed")
	}
	if !ok {
		return errors.BadRequest("doctor is not affiliated with this hospital")
	}

	return nil
}

func (h *Handler) publish(ctx context.Context, p *auth.Principal, eventType string, data map[string]any) {
	if h.bus == nil {
		return
	}

	event := events.NewEvent(eventType, "bed", data).WithActor(p.ID, p.InstitutionID)
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

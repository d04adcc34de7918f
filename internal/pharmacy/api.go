package pharmacy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meditrack/portal/internal/audit"
	"github.com/meditrack/portal/internal/shared/auth"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/events"
	"github.com/meditrack/portal/internal/shared/metrics"
	"github.com/meditrack/portal/internal/shared/types"
)

// Store is the persistence surface the handlers need
type Store interface {
	CreateLine(ctx context.Context, line *PrescriptionLine) error
	LineStatus(ctx context.Context, lineID types.ID) (*LineStatus, error)
	Dispense(ctx context.Context, lineID, pharmacyID types.ID, qty int, dispensedBy types.ID) (*DispensingRecord, error)
	History(ctx context.Context, lineID types.ID) ([]*DispensingRecord, error)
	Restock(ctx context.Context, pharmacyID, medicamentID types.ID, qty int) (*InventoryEntry, error)
	Inventory(ctx context.Context, pharmacyID types.ID, medicamentID *types.ID) ([]*InventoryEntry, error)
}

// Handler provides HTTP handlers for the dispensing ledger
type Handler struct {
	store    Store
	recorder *audit.Recorder
	bus      events.Publisher
}

// NewHandler creates a new pharmacy handler
func NewHandler(store Store, recorder *audit.Recorder, bus events.Publisher) *Handler {
	return &Handler{store: store, recorder: recorder, bus: bus}
}

// LineRoutes registers the prescription line routes
func (h *Handler) LineRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{lineID}", h.GetLineStatus)
	r.Get("/{lineID}/dispensings", h.GetHistory)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleDoctor, auth.RoleAdmin))
		r.Post("/", h.CreateLine)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RolePharmacist, auth.RoleAdmin))
		r.Post("/{lineID}/dispense", h.Dispense)
	})

	return r
}

// InventoryRoutes registers the inventory routes
func (h *Handler) InventoryRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRoles(auth.RolePharmacist, auth.RoleAdmin))

	r.Get("/", h.GetInventory)
	r.Post("/restock", h.Restock)

	return r
}

// --- Request types ---

type CreateLineRequest struct {
	PrescriptionID types.ID `json:"prescription_id"`
	MedicamentID   types.ID `json:"medicament_id"`
	Quantity       int      `json:"quantity"`
	Unit           string   `json:"unit"`
}

type DispenseRequest struct {
	Quantity int `json:"quantity"`
}

type RestockRequest struct {
	MedicamentID types.ID `json:"medicament_id"`
	Quantity     int      `json:"quantity"`
}

// --- Handlers ---

func (h *Handler) CreateLine(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req CreateLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	line, err := NewPrescriptionLine(req.PrescriptionID, req.MedicamentID, req.Quantity, req.Unit)
	if err != nil {
		writeError(w, errors.BadRequest(err.Error()))
		return
	}

	if err := h.store.CreateLine(r.Context(), line); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, line)
}

func (h *Handler) GetLineStatus(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "lineID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid line ID"))
		return
	}

	status, err := h.store.LineStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "lineID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid line ID"))
		return
	}

	records, err := h.store.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"total": len(records),
	})
}

func (h *Handler) Dispense(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "lineID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid line ID"))
		return
	}

	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.Quantity <= 0 {
		writeError(w, errors.BadRequest("quantity must be positive"))
		return
	}

	record, err := h.store.Dispense(r.Context(), id, p.InstitutionID, req.Quantity, p.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.RecordDispensing()
	h.recorder.Record(r.Context(), p, audit.ActionDispensed, "prescription_line", id,
		"medication dispensed", map[string]any{
			"pharmacy_id": p.InstitutionID,
			"quantity":    record.QuantityDispensed,
			"record_id":   record.ID,
		})
	h.publish(r.Context(), p, "pharmacy.dispensed", map[string]any{
		"line_id":     id,
		"pharmacy_id": p.InstitutionID,
		"quantity":    record.QuantityDispensed,
	})

	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) Restock(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.MedicamentID.IsZero() {
		writeError(w, errors.BadRequest("medicament_id is required"))
		return
	}
	if req.Quantity <= 0 {
		writeError(w, errors.BadRequest("quantity must be positive"))
		return
	}

	entry, err := h.store.Restock(r.Context(), p.InstitutionID, req.MedicamentID, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}

	h.recorder.Record(r.Context(), p, audit.ActionRestocked, "inventory", req.MedicamentID,
		"stock received", map[string]any{
			"pharmacy_id": p.InstitutionID,
			"quantity":    req.Quantity,
			"in_stock":    entry.QuantityInStock,
		})
	h.publish(r.Context(), p, "pharmacy.restocked", map[string]any{
		"pharmacy_id":   p.InstitutionID,
		"medicament_id": req.MedicamentID,
		"quantity":      req.Quantity,
	})

	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	var medicamentID *types.ID
	if m := r.URL.Query().Get("medicament"); m != "" {
		id, err := types.ParseID(m)
		if err != nil {
			writeError(w, errors.BadRequest("invalid medicament ID"))
			return
		}
		medicamentID = &id
	}

	entries, err := h.store.Inventory(r.Context(), p.InstitutionID, medicamentID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"total": len(entries),
	})
}

func (h *Handler) publish(ctx context.Context, p *auth.Principal, eventType string, data map[string]any) {
	if h.bus == nil {
		return
	}

	event := events.NewEvent(eventType, "pharmacy", data).WithActor(p.ID, p.InstitutionID)
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

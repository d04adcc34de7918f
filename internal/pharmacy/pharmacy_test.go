package pharmacy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/meditrack/portal/internal/audit"
	"github.com/meditrack/portal/internal/shared/auth"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/types"
	"github.com/rs/zerolog"
)

func TestNewPrescriptionLine(t *testing.T) {
	prescriptionID := types.NewID()
	medicamentID := types.NewID()

	tests := []struct {
		name     string
		quantity int
		unit     string
		wantErr  bool
	}{
		{"valid", 30, "tablets", false},
		{"zero quantity", 0, "tablets", true},
		{"negative quantity", -5, "tablets", true},
		{"missing unit", 30, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPrescriptionLine(prescriptionID, medicamentID, tt.quantity, tt.unit)
			if tt.wantErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestValidateDispense(t *testing.T) {
	line := &PrescriptionLine{Quantity: 30}

	tests := []struct {
		name      string
		dispensed int
		qty       int
		wantErr   string
	}{
		{"first partial", 0, 20, ""},
		{"exact remainder", 20, 10, ""},
		{"over remainder", 20, 15, "quantity exceeds remaining (10)"},
		{"fully dispensed", 30, 1, "quantity exceeds remaining (0)"},
		{"zero quantity", 0, 0, "quantity must be positive"},
		{"negative quantity", 0, -3, "quantity must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := line.ValidateDispense(tt.dispensed, tt.qty)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// memoryStore implements Store with the same guarded ledger semantics as the
// Postgres repository, serialized by a mutex.
type memoryStore struct {
	mu        sync.Mutex
	lines     map[types.ID]*PrescriptionLine
	records   []*DispensingRecord
	inventory map[types.ID]map[types.ID]*InventoryEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		lines:     make(map[types.ID]*PrescriptionLine),
		inventory: make(map[types.ID]map[types.ID]*InventoryEntry),
	}
}

func (s *memoryStore) CreateLine(_ context.Context, line *PrescriptionLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *line
	s.lines[line.ID] = &copy
	return nil
}

func (s *memoryStore) dispensedLocked(lineID types.ID) int {
	total := 0
	for _, rec := range s.records {
		if rec.PrescriptionLineID == lineID {
			total += rec.QuantityDispensed
		}
	}
	return total
}

func (s *memoryStore) LineStatus(_ context.Context, lineID types.ID) (*LineStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.lines[lineID]
	if !ok {
		return nil, errors.NotFound("prescription line", lineID.String())
	}
	dispensed := s.dispensedLocked(lineID)
	copy := *line
	return &LineStatus{Line: &copy, Dispensed: dispensed, Remaining: line.Quantity - dispensed}, nil
}

func (s *memoryStore) Dispense(_ context.Context, lineID, pharmacyID types.ID, qty int, dispensedBy types.ID) (*DispensingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, ok := s.lines[lineID]
	if !ok {
		return nil, errors.NotFound("prescription line", lineID.String())
	}
	if err := line.ValidateDispense(s.dispensedLocked(lineID), qty); err != nil {
		return nil, errors.Conflict(err.Error())
	}

	entry := s.inventory[pharmacyID][line.MedicamentID]
	if entry == nil || entry.QuantityInStock < qty {
		return nil, errors.Conflict("insufficient stock")
	}
	entry.QuantityInStock -= qty
	entry.LastUpdated = time.Now()

	rec := &DispensingRecord{
		ID:                 types.NewID(),
		PrescriptionLineID: lineID,
		PharmacyID:         pharmacyID,
		QuantityDispensed:  qty,
		DispensedBy:        dispensedBy,
		DispensedAt:        time.Now(),
	}
	s.records = append(s.records, rec)
	copy := *rec
	return &copy, nil
}

func (s *memoryStore) History(_ context.Context, lineID types.ID) ([]*DispensingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DispensingRecord
	for _, rec := range s.records {
		if rec.PrescriptionLineID == lineID {
			copy := *rec
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *memoryStore) Restock(_ context.Context, pharmacyID, medicamentID types.ID, qty int) (*InventoryEntry, error) {
	if qty <= 0 {
		return nil, errors.BadRequest("quantity must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inventory[pharmacyID] == nil {
		s.inventory[pharmacyID] = make(map[types.ID]*InventoryEntry)
	}
	entry := s.inventory[pharmacyID][medicamentID]
	if entry == nil {
		entry = &InventoryEntry{PharmacyID: pharmacyID, MedicamentID: medicamentID}
		s.inventory[pharmacyID][medicamentID] = entry
	}
	entry.QuantityInStock += qty
	entry.LastUpdated = time.Now()
	copy := *entry
	return &copy, nil
}

func (s *memoryStore) Inventory(_ context.Context, pharmacyID types.ID, medicamentID *types.ID) ([]*InventoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*InventoryEntry
	for _, entry := range s.inventory[pharmacyID] {
		if medicamentID != nil && entry.MedicamentID != *medicamentID {
			continue
		}
		copy := *entry
		out = append(out, &copy)
	}
	return out, nil
}

var _ Store = (*memoryStore)(nil)

type pharmacyTestEnv struct {
	store  *memoryStore
	router chi.Router
}

func newPharmacyTestEnv() *pharmacyTestEnv {
	store := newMemoryStore()
	h := NewHandler(store, audit.NewRecorder(nil, zerolog.Nop()), nil)

	r := chi.NewRouter()
	r.Mount("/prescription-lines", h.LineRoutes())
	r.Mount("/inventory", h.InventoryRoutes())
	return &pharmacyTestEnv{store: store, router: r}
}

func (e *pharmacyTestEnv) do(t *testing.T, p *auth.Principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func pharmacistPrincipal() *auth.Principal {
	return &auth.Principal{ID: types.NewID(), InstitutionID: types.NewID(), Roles: []string{auth.RolePharmacist}}
}

func (e *pharmacyTestEnv) addLine(t *testing.T, quantity int) *PrescriptionLine {
	t.Helper()
	line, err := NewPrescriptionLine(types.NewID(), types.NewID(), quantity, "tablets")
	if err != nil {
		t.Fatalf("new line: %v", err)
	}
	if err := e.store.CreateLine(context.Background(), line); err != nil {
		t.Fatalf("create line: %v", err)
	}
	return line
}

func (e *pharmacyTestEnv) stock(t *testing.T, p *auth.Principal, medicamentID types.ID, qty int) {
	t.Helper()
	if _, err := e.store.Restock(context.Background(), p.InstitutionID, medicamentID, qty); err != nil {
		t.Fatalf("restock: %v", err)
	}
}

// A 30-unit line: 20 dispensed, then 15 rejected with the remaining amount,
// then the exact remainder of 10 succeeds.
func TestPartialDispensing(t *testing.T) {
	env := newPharmacyTestEnv()
	pharmacist := pharmacistPrincipal()
	line := env.addLine(t, 30)
	env.stock(t, pharmacist, line.MedicamentID, 100)

	path := "/prescription-lines/" + line.ID.String() + "/dispense"

	rec := env.do(t, pharmacist, http.MethodPost, path, DispenseRequest{Quantity: 20})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 for first dispense, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, pharmacist, http.MethodPost, path, DispenseRequest{Quantity: 15})
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for over-dispense, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "quantity exceeds remaining (10)") {
		t.Errorf("Error should state the remaining amount, got %s", rec.Body.String())
	}

	rec = env.do(t, pharmacist, http.MethodPost, path, DispenseRequest{Quantity: 10})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 for exact remainder, got %d: %s", rec.Code, rec.Body.String())
	}

	// Line fully dispensed: any further quantity is rejected.
	rec = env.do(t, pharmacist, http.MethodPost, path, DispenseRequest{Quantity: 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 when fully dispensed, got %d", rec.Code)
	}

	status, err := env.store.LineStatus(context.Background(), line.ID)
	if err != nil {
		t.Fatalf("line status: %v", err)
	}
	if status.Dispensed != 30 || status.Remaining != 0 {
		t.Errorf("Expected 30 dispensed / 0 remaining, got %d/%d", status.Dispensed, status.Remaining)
	}
}

func TestInsufficientStock(t *testing.T) {
	env := newPharmacyTestEnv()
	pharmacist := pharmacistPrincipal()
	line := env.addLine(t, 30)
	env.stock(t, pharmacist, line.MedicamentID, 5)

	rec := env.do(t, pharmacist, http.MethodPost, "/prescription-lines/"+line.ID.String()+"/dispense", DispenseRequest{Quantity: 10})
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "insufficient stock") {
		t.Errorf("Expected insufficient stock error, got %s", rec.Body.String())
	}

	// Failed dispense must leave the ledger untouched.
	status, _ := env.store.LineStatus(context.Background(), line.ID)
	if status.Dispensed != 0 {
		t.Errorf("Expected 0 dispensed after rejection, got %d", status.Dispensed)
	}
	entries, _ := env.store.Inventory(context.Background(), pharmacist.InstitutionID, &line.MedicamentID)
	if len(entries) != 1 || entries[0].QuantityInStock != 5 {
		t.Error("Stock must be unchanged after a rejected dispense")
	}
}

func TestDispenseUnknownLine(t *testing.T) {
	env := newPharmacyTestEnv()

	rec := env.do(t, pharmacistPrincipal(), http.MethodPost,
		"/prescription-lines/"+types.NewID().String()+"/dispense", DispenseRequest{Quantity: 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestDispenseRequiresPharmacistRole(t *testing.T) {
	env := newPharmacyTestEnv()
	line := env.addLine(t, 10)

	doctor := &auth.Principal{ID: types.NewID(), InstitutionID: types.NewID(), Roles: []string{auth.RoleDoctor}}
	rec := env.do(t, doctor, http.MethodPost, "/prescription-lines/"+line.ID.String()+"/dispense", DispenseRequest{Quantity: 1})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", rec.Code)
	}
}

func TestRestockAccumulates(t *testing.T) {
	env := newPharmacyTestEnv()
	pharmacist := pharmacistPrincipal()
	medicamentID := types.NewID()

	rec := env.do(t, pharmacist, http.MethodPost, "/inventory/restock", RestockRequest{
		MedicamentID: medicamentID, Quantity: 40,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, pharmacist, http.MethodPost, "/inventory/restock", RestockRequest{
		MedicamentID: medicamentID, Quantity: 10,
	})
	var entry InventoryEntry
	if err := json.NewDecoder(rec.Body).Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.QuantityInStock != 50 {
		t.Errorf("Expected 50 in stock, got %d", entry.QuantityInStock)
	}
}

// Concurrent dispensers of one line never jointly exceed the prescribed
// total and never drive stock negative.
func TestConcurrentDispenses(t *testing.T) {
	env := newPharmacyTestEnv()
	pharmacist := pharmacistPrincipal()
	line := env.addLine(t, 25)
	env.stock(t, pharmacist, line.MedicamentID, 100)

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.store.Dispense(context.Background(), line.ID, pharmacist.InstitutionID, 4, pharmacist.ID)
		}()
	}
	wg.Wait()

	status, err := env.store.LineStatus(context.Background(), line.ID)
	if err != nil {
		t.Fatalf("line status: %v", err)
	}
	if status.Dispensed > line.Quantity {
		t.Errorf("Dispensed %d exceeds prescribed %d", status.Dispensed, line.Quantity)
	}

	entries, _ := env.store.Inventory(context.Background(), pharmacist.InstitutionID, &line.MedicamentID)
	if len(entries) != 1 {
		t.Fatal("Expected one inventory entry")
	}
	if entries[0].QuantityInStock < 0 {
		t.Errorf("Stock went negative: %d", entries[0].QuantityInStock)
	}
	if 100-entries[0].QuantityInStock != status.Dispensed {
		t.Errorf("Stock delta %d should equal dispensed %d", 100-entries[0].QuantityInStock, status.Dispensed)
	}
}

package lab

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func TestClaimedStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want Status
	}{
		{KindTest, StatusInProgress},
		{KindImaging, StatusScheduled},
	}

	for _, tt := range tests {
		if got := tt.kind.ClaimedStatus(); got != tt.want {
			t.Errorf("ClaimedStatus(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestNewRequest(t *testing.T) {
	patientID := types.NewID()
	doctorID := types.NewID()

	tests := []struct {
		name     string
		kind     Kind
		patient  types.ID
		doctor   types.ID
		testType string
		wantErr  bool
	}{
		{"valid test", KindTest, patientID, doctorID, "CBC", false},
		{"valid imaging", KindImaging, patientID, doctorID, "chest x-ray", false},
		{"unknown kind", Kind("biopsy"), patientID, doctorID, "CBC", true},
		{"missing patient", KindTest, "", doctorID, "CBC", true},
		{"missing doctor", KindTest, patientID, "", "CBC", true},
		{"missing test type", KindTest, patientID, doctorID, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequest(tt.kind, tt.patient, tt.doctor, tt.testType)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if req.Status != StatusRequested {
				t.Errorf("Expected requested, got %s", req.Status)
			}
			if req.AssignedLabID != nil {
				t.Error("New request must have no assigned lab")
			}
		})
	}
}

func TestAcceptableBy(t *testing.T) {
	labA := types.NewID()
	labB := types.NewID()

	req, _ := NewRequest(KindTest, types.NewID(), types.NewID(), "CBC")
	if err := req.AcceptableBy(labA); err != nil {
		t.Errorf("Fresh request should be acceptable: %v", err)
	}

	req.Status = StatusInProgress
	req.AssignedLabID = &labA
	if err := req.AcceptableBy(labB); err == nil {
		t.Error("Claimed request should not be acceptable by another lab")
	}
	if err := req.AcceptableBy(labA); err == nil {
		t.Error("Claimed request should not be re-acceptable")
	}
}

func TestResultsUploadableBy(t *testing.T) {
	labA := types.NewID()
	labB := types.NewID()
	now := time.Now()

	req, _ := NewRequest(KindImaging, types.NewID(), types.NewID(), "MRI")
	req.Status = StatusScheduled
	req.AssignedLabID = &labA

	if err := req.ResultsUploadableBy(labA); err != nil {
		t.Errorf("Assigned lab should be able to upload: %v", err)
	}
	if err := req.ResultsUploadableBy(labB); err == nil {
		t.Error("Another lab must not upload results")
	}

	req.Status = StatusCompleted
	req.CompletedAt = &now
	if err := req.ResultsUploadableBy(labA); err == nil {
		t.Error("Completed request must not accept results again")
	}
}

// memoryStore implements Store with the same guarded claim semantics as the
// Postgres repository, serialized by a mutex.
type memoryStore struct {
	mu       sync.Mutex
	requests map[Kind]map[types.ID]*Request
}

func newMemoryStore() *memoryStore {
	return &memoryStore{requests: map[Kind]map[types.ID]*Request{
		KindTest:    {},
		KindImaging: {},
	}}
}

func (s *memoryStore) Create(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *req
	s.requests[req.Kind][req.ID] = &copy
	return nil
}

func (s *memoryStore) Get(_ context.Context, kind Kind, id types.ID) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[kind][id]
	if !ok {
		return nil, errors.NotFound("request", id.String())
	}
	copy := *req
	return &copy, nil
}

func (s *memoryStore) List(_ context.Context, kind Kind, filter ListFilter) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, req := range s.requests[kind] {
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.AssignedLabID != nil && (req.AssignedLabID == nil || *req.AssignedLabID != *filter.AssignedLabID) {
			continue
		}
		copy := *req
		out = append(out, &copy)
	}
	return out, nil
}

func (s *memoryStore) Accept(_ context.Context, kind Kind, id, labID types.ID, technicianID *types.ID) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[kind][id]
	if !ok {
		return nil, errors.NotFound("request", id.String())
	}
	if err := req.AcceptableBy(labID); err != nil {
		return nil, errors.Conflict(err.Error())
	}
	req.Status = kind.ClaimedStatus()
	req.AssignedLabID = &labID
	req.AssignedTechnicianID = technicianID
	copy := *req
	return &copy, nil
}

func (s *memoryStore) UploadResults(_ context.Context, kind Kind, id, labID types.ID, result, notes string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[kind][id]
	if !ok {
		return nil, errors.NotFound("request", id.String())
	}
	if err := req.ResultsUploadableBy(labID); err != nil {
		return nil, errors.Conflict(err.Error())
	}
	now := time.Now()
	req.Status = StatusCompleted
	req.Result = &result
	if notes != "" {
		req.ResultNotes = &notes
	}
	req.CompletedAt = &now
	copy := *req
	return &copy, nil
}

var _ Store = (*memoryStore)(nil)

type labTestEnv struct {
	store  *memoryStore
	router chi.Router
}

func newLabTestEnv() *labTestEnv {
	store := newMemoryStore()
	h := NewHandler(store, nil, audit.NewRecorder(nil, zerolog.Nop()), nil)

	r := chi.NewRouter()
	r.Mount("/test-requests", h.Routes(KindTest))
	r.Mount("/imaging-requests", h.Routes(KindImaging))
	return &labTestEnv{store: store, router: r}
}

func (e *labTestEnv) do(t *testing.T, p *auth.Principal, method, path string, body any) *httptest.ResponseRecorder {
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

func doctorPrincipal() *auth.Principal {
	return &auth.Principal{ID: types.NewID(), InstitutionID: types.NewID(), Roles: []string{auth.RoleDoctor}}
}

func labPrincipal() *auth.Principal {
	return &auth.Principal{ID: types.NewID(), InstitutionID: types.NewID(), Roles: []string{auth.RoleLabTechnician}}
}

// A submitted request is claimed by one lab; a second lab's claim conflicts
// and results from the losing lab are rejected.
func TestSingleClaimWinner(t *testing.T) {
	env := newLabTestEnv()

	submit := env.do(t, doctorPrincipal(), http.MethodPost, "/test-requests", SubmitRequest{
		PatientID: types.NewID(),
		TestType:  "CBC",
	})
	if submit.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", submit.Code, submit.Body.String())
	}
	var created Request
	if err := json.NewDecoder(submit.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	labA := labPrincipal()
	labB := labPrincipal()

	accept := env.do(t, labA, http.MethodPost, "/test-requests/"+created.ID.String()+"/accept", nil)
	if accept.Code != http.StatusOK {
		t.Fatalf("Expected 200 for first accept, got %d: %s", accept.Code, accept.Body.String())
	}
	var claimed Request
	if err := json.NewDecoder(accept.Body).Decode(&claimed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claimed.Status != StatusInProgress {
		t.Errorf("Expected in_progress, got %s", claimed.Status)
	}
	if claimed.AssignedLabID == nil || *claimed.AssignedLabID != labA.InstitutionID {
		t.Error("Request should be assigned to the first lab")
	}

	second := env.do(t, labB, http.MethodPost, "/test-requests/"+created.ID.String()+"/accept", nil)
	if second.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for second accept, got %d", second.Code)
	}

	// The losing lab cannot upload results.
	upload := env.do(t, labB, http.MethodPost, "/test-requests/"+created.ID.String()+"/results", UploadResultsRequest{
		Result: "hgb 13.5",
	})
	if upload.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for foreign upload, got %d", upload.Code)
	}

	// The winner completes it.
	upload = env.do(t, labA, http.MethodPost, "/test-requests/"+created.ID.String()+"/results", UploadResultsRequest{
		Result: "hgb 13.5",
		Notes:  "within range",
	})
	if upload.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", upload.Code, upload.Body.String())
	}
	var completed Request
	if err := json.NewDecoder(upload.Body).Decode(&completed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if completed.Status != StatusCompleted || completed.CompletedAt == nil {
		t.Error("Request should be completed with a completion time")
	}
}

func TestImagingClaimsIntoScheduled(t *testing.T) {
	env := newLabTestEnv()

	submit := env.do(t, doctorPrincipal(), http.MethodPost, "/imaging-requests", SubmitRequest{
		PatientID: types.NewID(),
		TestType:  "chest x-ray",
	})
	var created Request
	if err := json.NewDecoder(submit.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	accept := env.do(t, labPrincipal(), http.MethodPost, "/imaging-requests/"+created.ID.String()+"/accept", nil)
	if accept.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", accept.Code)
	}
	var claimed Request
	if err := json.NewDecoder(accept.Body).Decode(&claimed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claimed.Status != StatusScheduled {
		t.Errorf("Imaging claim should be scheduled, got %s", claimed.Status)
	}
}

func TestDoubleAcceptSameLab(t *testing.T) {
	env := newLabTestEnv()

	submit := env.do(t, doctorPrincipal(), http.MethodPost, "/test-requests", SubmitRequest{
		PatientID: types.NewID(),
		TestType:  "lipid panel",
	})
	var created Request
	if err := json.NewDecoder(submit.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	lab := labPrincipal()
	first := env.do(t, lab, http.MethodPost, "/test-requests/"+created.ID.String()+"/accept", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", first.Code)
	}

	second := env.do(t, lab, http.MethodPost, "/test-requests/"+created.ID.String()+"/accept", nil)
	if second.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for repeated accept, got %d", second.Code)
	}
}

func TestSubmitRequiresDoctorRole(t *testing.T) {
	env := newLabTestEnv()

	rec := env.do(t, labPrincipal(), http.MethodPost, "/test-requests", SubmitRequest{
		PatientID: types.NewID(),
		TestType:  "CBC",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", rec.Code)
	}
}

func TestAcceptUnknownRequest(t *testing.T) {
	env := newLabTestEnv()

	rec := env.do(t, labPrincipal(), http.MethodPost, "/test-requests/"+types.NewID().String()+"/accept", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestConcurrentAccepts(t *testing.T) {
	env := newLabTestEnv()

	submit := env.do(t, doctorPrincipal(), http.MethodPost, "/test-requests", SubmitRequest{
		PatientID: types.NewID(),
		TestType:  "blood culture",
	})
	var created Request
	if err := json.NewDecoder(submit.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	const labs = 6
	codes := make(chan int, labs)
	var wg sync.WaitGroup
	for i := 0; i < labs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.do(t, labPrincipal(), http.MethodPost, "/test-requests/"+created.ID.String()+"/accept", nil)
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	wins := 0
	for code := range codes {
		if code == http.StatusOK {
			wins++
		} else if code != http.StatusConflict {
			t.Errorf("Unexpected status %d", code)
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one winning claim, got %d", wins)
	}
}

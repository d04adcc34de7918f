package lab

import (
	"fmt"
	"time"

	"github.com/meditrack/portal/internal/shared/types"
)

// Kind distinguishes laboratory test requests from imaging requests. The two
// kinds share a lifecycle but live in separate tables and claim into
// different statuses.
type Kind string

const (
	KindTest    Kind = "test"
	KindImaging Kind = "imaging"
)

// Status is the request lifecycle state
type Status string

const (
	StatusRequested Status = "requested"
	// StatusInProgress is the claimed state for test requests
	StatusInProgress Status = "in_progress"
	// StatusScheduled is the claimed state for imaging requests
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
)

// ClaimedStatus returns the status a request of this kind enters when a lab
// accepts it.
func (k Kind) ClaimedStatus() Status {
	if k == KindImaging {
		return StatusScheduled
	}
	return StatusInProgress
}

// Valid reports whether the kind is one of the two known kinds
func (k Kind) Valid() bool {
	return k == KindTest || k == KindImaging
}

// Request is a diagnostic work order submitted by a doctor and claimed by a
// lab. Exactly one lab may claim a request; results close it.
type Request struct {
	ID                   types.ID  `json:"id"`
	Kind                 Kind      `json:"kind"`
	PatientID            types.ID  `json:"patient_id"`
	RequestingDoctorID   types.ID  `json:"requesting_doctor_id"`
	TestType             string    `json:"test_type"`
	Status               Status    `json:"status"`
	AssignedLabID        *types.ID `json:"assigned_lab_id,omitempty"`
	AssignedTechnicianID *types.ID `json:"assigned_technician_id,omitempty"`

	Result      *string    `json:"result,omitempty"`
	ResultNotes *string    `json:"result_notes,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRequest creates a request in the requested state with validation
func NewRequest(kind Kind, patientID, doctorID types.ID, testType string) (*Request, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown request kind %q", kind)
	}
	if patientID.IsZero() {
		return nil, fmt.Errorf("patient is required")
	}
	if doctorID.IsZero() {
		return nil, fmt.Errorf("requesting doctor is required")
	}
	if testType == "" {
		return nil, fmt.Errorf("test type is required")
	}

	return &Request{
		ID:                 types.NewID(),
		Kind:               kind,
		PatientID:          patientID,
		RequestingDoctorID: doctorID,
		TestType:           testType,
		Status:             StatusRequested,
		RequestedAt:        time.Now(),
	}, nil
}

// Claimed reports whether the request has been accepted by a lab
func (r *Request) Claimed() bool {
	return r.Status == StatusInProgress || r.Status == StatusScheduled
}

// AcceptableBy reports why labID cannot claim the request, or nil if it can.
// Mirrors the WHERE clause of the conditional claim update.
func (r *Request) AcceptableBy(labID types.ID) error {
	if r.Status != StatusRequested {
		return fmt.Errorf("request already assigned")
	}
	if r.AssignedLabID != nil && *r.AssignedLabID != labID {
		return fmt.Errorf("request already assigned to another lab")
	}
	return nil
}

// ResultsUploadableBy reports why labID cannot upload results, or nil
func (r *Request) ResultsUploadableBy(labID types.ID) error {
	if r.Status == StatusCompleted {
		return fmt.Errorf("request already completed")
	}
	if r.AssignedLabID == nil || *r.AssignedLabID != labID {
		return fmt.Errorf("request is not assigned to this lab")
	}
	return nil
}

// ListFilter narrows request listings
type ListFilter struct {
	Status        *Status
	AssignedLabID *types.ID
	PatientID     *types.ID
}

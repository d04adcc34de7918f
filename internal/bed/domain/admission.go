package domain

import (
	"fmt"
	"time"

	"github.com/meditrack/portal/internal/shared/types"
)

// Admission is a patient's occupancy record, from admission to discharge.
// The bed number and ward are snapshotted at assignment and updated on
// transfer so the record stays meaningful after the bed itself changes.
type Admission struct {
	ID         types.ID `json:"id"`
	PatientID  types.ID `json:"patient_id"`
	HospitalID types.ID `json:"hospital_id"`
	DoctorID   types.ID `json:"doctor_id"`

	BedID     types.ID `json:"bed_id"`
	BedNumber string   `json:"bed_number"`
	Ward      string   `json:"ward"`
	Reason    string   `json:"reason"`

	AdmissionDate   time.Time  `json:"admission_date"`
	DischargeDate   *time.Time `json:"discharge_date,omitempty"`
	DischargeReason *string    `json:"discharge_reason,omitempty"`
}

// NewAdmission creates an admission for the given bed with validation
func NewAdmission(patientID, doctorID types.ID, bed *Bed, reason string) (*Admission, error) {
	if patientID.IsZero() {
		return nil, fmt.Errorf("patient is required")
	}
	if doctorID.IsZero() {
		return nil, fmt.Errorf("doctor is required")
	}
	if bed == nil {
		return nil, fmt.Errorf("bed is required")
	}
	if err := bed.AvailableForAssignment(); err != nil {
		return nil, err
	}

	return &Admission{
		ID:            types.NewID(),
		PatientID:     patientID,
		HospitalID:    bed.HospitalID,
		DoctorID:      doctorID,
		BedID:         bed.ID,
		BedNumber:     bed.BedNumber,
		Ward:          bed.Ward,
		Reason:        reason,
		AdmissionDate: time.Now(),
	}, nil
}

// Active reports whether the admission has not been discharged
func (a *Admission) Active() bool {
	return a.DischargeDate == nil
}

// Discharge marks the admission discharged. Discharging twice is rejected;
// the stored guard (discharge_date IS NULL) enforces the same rule under
// concurrency.
func (a *Admission) Discharge(date time.Time, reason string) error {
	if a.DischargeDate != nil {
		return fmt.Errorf("admission already discharged")
	}
	if date.Before(a.AdmissionDate) {
		return fmt.Errorf("discharge date precedes admission date")
	}

	a.DischargeDate = &date
	if reason != "" {
		a.DischargeReason = &reason
	}
	return nil
}

// MoveTo updates the bed snapshot for a transfer
func (a *Admission) MoveTo(bed *Bed) error {
	if !a.Active() {
		return fmt.Errorf("admission already discharged")
	}
	if bed.HospitalID != a.HospitalID {
		return fmt.Errorf("cannot transfer across hospitals")
	}

	a.BedID = bed.ID
	a.BedNumber = bed.BedNumber
	a.Ward = bed.Ward
	return nil
}

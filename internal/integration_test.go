package internal

import (
	"testing"
	"time"

	beddomain "github.com/meditrack/portal/internal/bed/domain"
	"github.com/meditrack/portal/internal/lab"
	"github.com/meditrack/portal/internal/pharmacy"
	"github.com/meditrack/portal/internal/shared/types"
)

// TestClinicalEpisodeWorkflow walks a full episode: admission to a bed,
// transfer to another ward, a lab request claimed and completed, medication
// dispensed in two parts, and discharge.
func TestClinicalEpisodeWorkflow(t *testing.T) {
	hospitalID := types.NewID()
	patientID := types.NewID()
	doctorID := types.NewID()
	labID := types.NewID()

	// 1. Admit the patient to a cardiology bed.
	bedA, err := beddomain.NewBed(hospitalID, "C-12", "cardiology", beddomain.BedTypeStandard)
	if err != nil {
		t.Fatalf("Failed to create bed: %v", err)
	}

	admission, err := beddomain.NewAdmission(patientID, doctorID, bedA, "chest pain")
	if err != nil {
		t.Fatalf("Failed to admit: %v", err)
	}
	bedA.IsOccupied = true
	bedA.CurrentAdmissionID = &admission.ID

	if admission.Ward != "cardiology" {
		t.Errorf("Admission should snapshot the ward, got %s", admission.Ward)
	}

	// The occupied bed rejects a second admission.
	if _, err := beddomain.NewAdmission(types.NewID(), doctorID, bedA, ""); err == nil {
		t.Error("Occupied bed must reject a second admission")
	}

	// 2. The doctor orders a blood test; a lab claims and completes it.
	request, err := lab.NewRequest(lab.KindTest, patientID, doctorID, "troponin")
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if err := request.AcceptableBy(labID); err != nil {
		t.Fatalf("Fresh request should be claimable: %v", err)
	}
	request.Status = lab.KindTest.ClaimedStatus()
	request.AssignedLabID = &labID

	if request.Status != lab.StatusInProgress {
		t.Errorf("Claimed test request should be in_progress, got %s", request.Status)
	}
	if err := request.AcceptableBy(types.NewID()); err == nil {
		t.Error("Claimed request must not be claimable by another lab")
	}
	if err := request.ResultsUploadableBy(labID); err != nil {
		t.Fatalf("Assigned lab should be able to upload: %v", err)
	}

	// 3. Transfer the patient to an ICU bed.
	bedB, err := beddomain.NewBed(hospitalID, "ICU-3", "icu", beddomain.BedTypeICU)
	if err != nil {
		t.Fatalf("Failed to create ICU bed: %v", err)
	}
	if err := admission.MoveTo(bedB); err != nil {
		t.Fatalf("Failed to transfer: %v", err)
	}
	bedB.IsOccupied = true
	bedB.CurrentAdmissionID = &admission.ID
	bedA.IsOccupied = false
	bedA.CurrentAdmissionID = nil

	if admission.Ward != "icu" || admission.BedNumber != "ICU-3" {
		t.Errorf("Snapshot should follow the transfer, got %s/%s", admission.Ward, admission.BedNumber)
	}

	// 4. Dispense a 30-unit prescription line in two parts.
	line, err := pharmacy.NewPrescriptionLine(types.NewID(), types.NewID(), 30, "tablets")
	if err != nil {
		t.Fatalf("Failed to create prescription line: %v", err)
	}

	if err := line.ValidateDispense(0, 20); err != nil {
		t.Fatalf("First partial dispense should pass: %v", err)
	}
	if err := line.ValidateDispense(20, 15); err == nil {
		t.Error("Over-dispense must be rejected")
	}
	if err := line.ValidateDispense(20, 10); err != nil {
		t.Fatalf("Exact remainder should pass: %v", err)
	}

	// 5. Discharge frees the bed; a second discharge is rejected.
	if err := admission.Discharge(time.Now().Add(48*time.Hour), "stable, released home"); err != nil {
		t.Fatalf("Failed to discharge: %v", err)
	}
	bedB.IsOccupied = false
	bedB.CurrentAdmissionID = nil

	if admission.Active() {
		t.Error("Discharged admission should not be active")
	}
	if err := admission.Discharge(time.Now(), "again"); err == nil {
		t.Error("Second discharge must be rejected")
	}
	if err := bedB.AvailableForAssignment(); err != nil {
		t.Errorf("Freed bed should be assignable again: %v", err)
	}
}

package domain

import (
	"fmt"
	"time"

	"github.com/meditrack/portal/internal/shared/types"
)

// MaintenanceStatus defines the maintenance state of a bed, orthogonal to
// occupancy. Only available beds may receive patients.
type MaintenanceStatus string

const (
	MaintenanceAvailable   MaintenanceStatus = "available"
	MaintenanceUnavailable MaintenanceStatus = "unavailable"
	MaintenanceInProgress  MaintenanceStatus = "maintenance"
)

// BedType defines the type of bed
type BedType string

const (
	BedTypeStandard  BedType = "standard"
	BedTypeICU       BedType = "icu"
	BedTypeIsolation BedType = "isolation"
	BedTypePediatric BedType = "pediatric"
)

// Bed is a physical bed in a hospital ward. Beds are never deleted; they move
// between occupancy and maintenance states. IsOccupied is true exactly when
// CurrentAdmissionID references an active admission.
type Bed struct {
	ID                 types.ID          `json:"id"`
	HospitalID         types.ID          `json:"hospital_id"`
	BedNumber          string            `json:"bed_number"`
	Ward               string            `json:"ward"`
	Type               BedType           `json:"type"`
	MaintenanceStatus  MaintenanceStatus `json:"maintenance_status"`
	IsOccupied         bool              `json:"is_occupied"`
	CurrentAdmissionID *types.ID         `json:"current_admission_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBed creates a new bed with validation
func NewBed(hospitalID types.ID, bedNumber, ward string, bedType BedType) (*Bed, error) {
	if hospitalID.IsZero() {
		return nil, fmt.Errorf("hospital is required")
	}
	if bedNumber == "" {
		return nil, fmt.Errorf("bed number is required")
	}
	if ward == "" {
		return nil, fmt.Errorf("ward is required")
	}
	if bedType == "" {
		bedType = BedTypeStandard
	}

	now := time.Now()
	return &Bed{
		ID:                types.NewID(),
		HospitalID:        hospitalID,
		BedNumber:         bedNumber,
		Ward:              ward,
		Type:              bedType,
		MaintenanceStatus: MaintenanceAvailable,
		IsOccupied:        false,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// AvailableForAssignment reports why the bed cannot receive a patient, or nil
// if it can. This mirrors the WHERE clause of the conditional occupancy
// update; the database guard remains authoritative under concurrency.
func (b *Bed) AvailableForAssignment() error {
	if b.MaintenanceStatus != MaintenanceAvailable {
		return fmt.Errorf("bed is not available for assignment (%s)", b.MaintenanceStatus)
	}
	if b.IsOccupied {
		return fmt.Errorf("bed already occupied")
	}
	return nil
}

// WardStats is the per-ward occupancy projection
type WardStats struct {
	Ward        string `json:"ward"`
	TotalBeds   int    `json:"total_beds"`
	Occupied    int    `json:"occupied"`
	Available   int    `json:"available"`
	Maintenance int    `json:"maintenance"`
}
